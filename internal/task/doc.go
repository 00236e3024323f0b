// Package task defines the messages exchanged between the orchestrator, the
// download workers and the file writer, and the queue that carries them.
//
// # Messages
//
// Every value sent over a [Queue] implements [Message]:
//
//   - [DownloaderTask] asks a download worker to fetch one chunk into a
//     shared memory region; the worker answers with a [DownloaderTaskResult].
//   - [WriterTask] asks the file writer to perform one file operation,
//     selected by its [Flags]; the writer answers with a [WriterTaskResult].
//   - [TerminateWorkerTask] stops the receiving worker. The writer echoes it
//     on its result queue before exiting.
//
// Results embed the task they answer, so a failed download can be requeued
// as-is.
//
// # Queue
//
// [Queue] is a bounded FIFO that any number of goroutines may use at once:
//
//	q := task.NewQueue(64)
//	q.Put(ctx, task.DownloaderTask{URL: url, Shm: region})
//	msg, err := q.Get(ctx, 7*time.Second) // task.ErrEmpty on timeout
package task
