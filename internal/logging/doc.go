// Package logging builds the slog loggers used across vaultfetch.
//
// [New] returns a logger writing either single-line console output or JSON.
// Download workers and the file writer do not own handlers; they log through
// a [Hub], which queues records on a channel and forwards them to one sink
// from a single goroutine.
package logging
