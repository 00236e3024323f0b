// Package downloader runs the chunk download workers.
//
// A Worker pops DownloaderTask messages from a job queue, fetches the chunk
// from the CDN, validates and decompresses it, and copies the payload into
// the shared memory region named by the task. Every task produces exactly one
// DownloaderTaskResult on the result queue, success or not.
//
// # Retries
//
// Each task gets up to Options.MaxRetries attempts. The first retry is
// immediate; retry n > 1 waits BackoffUnit * 2^(n-1). Transport
// errors, non-200 responses, malformed chunks and SHA-1 mismatches all count
// as failed attempts. Context cancellation is checked between attempts only;
// an in-flight request runs to completion.
//
// # Bounds
//
// A worker never writes outside its task's region. A chunk whose payload is
// larger than the region is logged at critical level and reported as failed
// with a *BoundsError.
//
// # Pool
//
// Pool starts N workers, each with its own attachment of the segment, and
// waits for all of them after they have received a TerminateWorkerTask.
package downloader
