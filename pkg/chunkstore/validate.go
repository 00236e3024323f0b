package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ligustah/vaultfetch/pkg/manifest"
)

// ValidationResult contains the results of validating a mirrored build.
type ValidationResult struct {
	Valid          bool     // true if all chunks exist and sizes match
	ChunkCount     int      // number of chunks in manifest
	TotalSize      int64    // declared size of all chunk files
	MissingChunks  int      // number of chunks that don't exist
	SizeMismatches int      // number of chunks with wrong size
	Errors         []string // detailed error messages
}

// Validate checks that every chunk of m exists with the size the manifest
// declares. It reads object attributes only.
//
// Missing chunks or size mismatches are NOT returned as errors. Instead,
// they are reported in the ValidationResult with Valid=false.
func (s *Store) Validate(ctx context.Context, m *manifest.Manifest) (*ValidationResult, error) {
	result := &ValidationResult{
		Valid:      true,
		ChunkCount: len(m.ChunkDataList.Elements),
		TotalSize:  m.DownloadSize(),
		Errors:     make([]string, 0),
	}

	for i := range m.ChunkDataList.Elements {
		c := &m.ChunkDataList.Elements[i]
		key := s.Key(m, c)
		size, err := s.Size(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				result.Valid = false
				result.MissingChunks++
				result.Errors = append(result.Errors, fmt.Sprintf("chunk %s missing: %s", c.GUID, key))
				continue
			}
			return nil, fmt.Errorf("chunkstore: check chunk %s: %w", c.GUID, err)
		}
		if size != c.FileSize {
			result.Valid = false
			result.SizeMismatches++
			result.Errors = append(result.Errors,
				fmt.Sprintf("chunk %s size mismatch: expected %d, got %d", c.GUID, c.FileSize, size))
		}
	}

	return result, nil
}

// Delete removes every chunk of m. Chunks that are already gone are ignored.
func (s *Store) Delete(ctx context.Context, m *manifest.Manifest) (int, error) {
	deleted := 0
	for i := range m.ChunkDataList.Elements {
		c := &m.ChunkDataList.Elements[i]
		key := s.Key(m, c)
		if err := s.bucket.Delete(ctx, s.object(key)); err != nil {
			if isNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("chunkstore: delete chunk %s: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}
