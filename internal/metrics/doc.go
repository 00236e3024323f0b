// Package metrics holds the Prometheus collectors for an install: chunk
// download attempts and sizes, writer task outcomes and shared memory slot
// usage. A nil *Metrics is valid and records nothing.
package metrics
