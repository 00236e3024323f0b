package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrOutOfBounds is returned for regions that do not fit in the segment.
	ErrOutOfBounds = errors.New("shm: region out of bounds")
	// ErrClosed is returned when the local handle has been closed.
	ErrClosed = errors.New("shm: segment closed")
	// ErrNotOwner is returned by Unlink on attached handles.
	ErrNotOwner = errors.New("shm: only the creating handle may unlink")
)

// Region is a byte range of a segment.
type Region struct {
	Offset int64
	Size   int64
}

// End returns the first offset past the region.
func (r Region) End() int64 {
	return r.Offset + r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("[%d, %d)", r.Offset, r.End())
}

// Segment is a local handle on a named shared memory segment.
type Segment struct {
	name  string
	path  string
	owner bool

	mu     sync.RWMutex
	data   []byte
	unmap  func() error
	closed bool
}

// DefaultDir returns /dev/shm when it exists and the temp directory otherwise.
func DefaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create creates and maps a new segment of size bytes. It fails if a segment
// with the same name exists.
func Create(dir, name string, size int64) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid segment size %d", size)
	}
	if dir == "" {
		dir = DefaultDir()
	}
	path := filepath.Join(dir, name)
	data, unmap, err := create(path, size)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	return &Segment{name: name, path: path, owner: true, data: data, unmap: unmap}, nil
}

// Attach maps an existing segment.
func Attach(dir, name string) (*Segment, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	path := filepath.Join(dir, name)
	data, unmap, err := attach(path)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", path, err)
	}
	return &Segment{name: name, path: path, data: data, unmap: unmap}, nil
}

// Name returns the segment name.
func (s *Segment) Name() string {
	return s.name
}

// Size returns the segment size in bytes.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data))
}

// Slice returns the bytes of r. The returned slice is only valid until Close.
func (s *Segment) Slice(r Region) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if r.Offset < 0 || r.Size < 0 || r.End() > int64(len(s.data)) || r.End() < r.Offset {
		return nil, fmt.Errorf("%w: %s in segment of %d bytes", ErrOutOfBounds, r, len(s.data))
	}
	return s.data[r.Offset:r.End():r.End()], nil
}

// Slots partitions the segment into consecutive regions of slotSize bytes.
// A trailing remainder smaller than slotSize is unused.
func (s *Segment) Slots(slotSize int64) []Region {
	if slotSize <= 0 {
		return nil
	}
	n := s.Size() / slotSize
	slots := make([]Region, n)
	for i := range slots {
		slots[i] = Region{Offset: int64(i) * slotSize, Size: slotSize}
	}
	return slots
}

// Close releases the local handle. The segment itself survives until Unlink.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.unmap()
	s.data = nil
	return err
}

// Unlink removes the segment name. Existing handles stay valid until closed.
func (s *Segment) Unlink() error {
	if !s.owner {
		return ErrNotOwner
	}
	return unlink(s.path)
}
