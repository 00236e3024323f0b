package chunkstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ligustah/vaultfetch/pkg/chunk"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

// CacheFileName is the name of the decompressed payload of g in a cache directory.
func CacheFileName(g chunk.GUID) string {
	return g.Hex() + ".bin"
}

// Unpack writes the decompressed payload of every chunk of m to dir, named
// by CacheFileName. Files already present are kept. It returns the number of
// files written.
func (s *Store) Unpack(ctx context.Context, m *manifest.Manifest, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("chunkstore: create cache dir: %w", err)
	}
	written := 0
	for i := range m.ChunkDataList.Elements {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		c := &m.ChunkDataList.Elements[i]
		dst := filepath.Join(dir, CacheFileName(c.GUID))
		if _, err := os.Stat(dst); err == nil {
			continue
		}

		raw, err := s.Fetch(ctx, s.Key(m, c))
		if err != nil {
			return written, err
		}
		parsed, err := chunk.Read(raw)
		if err != nil {
			return written, fmt.Errorf("chunkstore: chunk %s: %w", c.GUID, err)
		}
		if err := parsed.Verify(); err != nil {
			return written, fmt.Errorf("chunkstore: chunk %s: %w", c.GUID, err)
		}
		data, err := parsed.Data()
		if err != nil {
			return written, err
		}

		tmp := dst + ".part"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return written, fmt.Errorf("chunkstore: write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, dst); err != nil {
			return written, fmt.Errorf("chunkstore: rename %s: %w", tmp, err)
		}
		written++
	}
	return written, nil
}
