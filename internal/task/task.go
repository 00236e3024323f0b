package task

import (
	"strconv"
	"strings"

	"github.com/ligustah/vaultfetch/internal/shm"
	"github.com/ligustah/vaultfetch/pkg/chunk"
)

// Flags selects the operation a WriterTask performs.
type Flags uint32

const (
	None            Flags = 0
	OpenFile        Flags = 1 << 0
	CloseFile       Flags = 1 << 1
	DeleteFile      Flags = 1 << 2
	CreateEmptyFile Flags = 1 << 3
	RenameFile      Flags = 1 << 4
	// ReleaseMemory tells the orchestrator the shared memory region of a
	// data-copy task may be reused once the result arrives.
	ReleaseMemory  Flags = 1 << 5
	MakeExecutable Flags = 1 << 6
	// Silent suppresses error logging for delete and chmod tasks.
	Silent Flags = 1 << 7
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{OpenFile, "OPEN_FILE"},
	{CloseFile, "CLOSE_FILE"},
	{DeleteFile, "DELETE_FILE"},
	{CreateEmptyFile, "CREATE_EMPTY_FILE"},
	{RenameFile, "RENAME_FILE"},
	{ReleaseMemory, "RELEASE_MEMORY"},
	{MakeExecutable, "MAKE_EXECUTABLE"},
	{Silent, "SILENT"},
}

// Has reports whether all bits of o are set in f.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	if f == None {
		return "NONE"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(f), 16))
	}
	return strings.Join(parts, "|")
}

// Message is implemented by every value carried on a Queue.
type Message interface {
	isMessage()
}

// DownloaderTask asks a download worker to fetch one chunk.
type DownloaderTask struct {
	URL  string
	GUID chunk.GUID
	// Shm is the only region of the segment the worker may write.
	Shm shm.Region
}

// DownloaderTaskResult answers a DownloaderTask.
type DownloaderTaskResult struct {
	DownloaderTask
	Success          bool
	SizeDownloaded   int64
	SizeDecompressed int64
	Err              error
}

// WriterTask asks the file writer to perform one operation on Filename.
// Data-copy tasks (no operation flag set) read ChunkSize bytes from exactly
// one of SharedMemory, CacheFile or OldFile starting at ChunkOffset.
type WriterTask struct {
	Filename     string
	Flags        Flags
	ChunkOffset  int64
	ChunkSize    int64
	ChunkGUID    chunk.GUID
	SharedMemory *shm.Region
	CacheFile    string
	OldFile      string
}

// WriterTaskResult answers a WriterTask.
type WriterTaskResult struct {
	WriterTask
	Success bool
	Size    int64
	Err     error
}

// TerminateWorkerTask stops the worker that receives it.
type TerminateWorkerTask struct{}

func (DownloaderTask) isMessage()       {}
func (DownloaderTaskResult) isMessage() {}
func (WriterTask) isMessage()           {}
func (WriterTaskResult) isMessage()     {}
func (TerminateWorkerTask) isMessage()  {}
