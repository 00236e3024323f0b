// Package writer implements the single file writer of an install.
//
// The writer is the only component that touches the destination tree and
// the chunk cache. It pops WriterTask messages, performs the operation named
// by the task flags and answers each with a WriterTaskResult. Flags are
// checked in a fixed order and the first match wins:
//
//	CREATE_EMPTY_FILE, OPEN_FILE, CLOSE_FILE, RENAME_FILE, DELETE_FILE,
//	MAKE_EXECUTABLE
//
// A task with none of these is a data copy that appends ChunkSize bytes to
// the open file from shared memory, a cache file or an old file.
//
// A failing task never stops the writer. On TerminateWorkerTask the writer
// closes the open file, forwards the sentinel to the result queue and
// returns.
package writer
