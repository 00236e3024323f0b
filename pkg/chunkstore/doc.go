// Package chunkstore keeps chunk files and manifests in cloud storage.
//
// A Store wraps a gocloud.dev/blob bucket (mem://, file://, s3://, gs://)
// and lays chunks out under the same paths the CDN uses, so a mirrored
// build can be installed from the bucket directly. Store implements the
// Fetch method download workers need.
//
// # Operations
//
//   - [Store.Mirror]: copy every chunk of a manifest from a source, skipping
//     chunks already present with the right size
//   - [Store.Validate]: report missing chunks and size mismatches without
//     downloading chunk data
//   - [Store.Delete]: remove the chunks of a manifest
//   - [Store.Unpack]: write decompressed chunk payloads to a local cache
//     directory for installs to read instead of downloading
//
// Errors for missing objects wrap [ErrNotFound].
package chunkstore
