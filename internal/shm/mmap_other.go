//go:build !unix

package shm

import (
	"fmt"
	"io/fs"
	"sync"
)

var registry = struct {
	sync.Mutex
	segments map[string][]byte
}{segments: make(map[string][]byte)}

func create(path string, size int64) ([]byte, func() error, error) {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.segments[path]; ok {
		return nil, nil, fs.ErrExist
	}
	data := make([]byte, size)
	registry.segments[path] = data
	return data, func() error { return nil }, nil
}

func attach(path string) ([]byte, func() error, error) {
	registry.Lock()
	defer registry.Unlock()
	data, ok := registry.segments[path]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no segment registered", fs.ErrNotExist)
	}
	return data, func() error { return nil }, nil
}

func unlink(path string) error {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.segments, path)
	return nil
}
