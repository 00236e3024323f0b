// Package shm provides the shared memory segment that download workers fill
// and the file writer drains.
//
// The orchestrator owns the segment: it calls [Create] and, once every worker
// has detached, [Segment.Unlink]. Workers and the writer [Attach] by name and
// [Segment.Close] their handle when they stop. On unix the segment is a file
// (normally under /dev/shm) mapped with MAP_SHARED, so handles in other
// processes see the same bytes; elsewhere a process-local registry is used.
//
// Access always goes through a [Region], an offset/size pair carried in task
// messages. [Segment.Slice] returns a bounds-checked view whose capacity ends
// at the region boundary, so appends cannot spill into a neighbouring region.
package shm
