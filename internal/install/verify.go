package install

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ligustah/vaultfetch/pkg/manifest"
)

// VerifyResult lists the files of a manifest that do not match the disk.
type VerifyResult struct {
	Checked    int
	Missing    []string
	Mismatched []string
}

// OK reports whether every checked file matched.
func (v *VerifyResult) OK() bool {
	return len(v.Missing) == 0 && len(v.Mismatched) == 0
}

// Verify compares the SHA-1 of every file of m under dir with the manifest.
// Symlinks are not checked.
func Verify(ctx context.Context, dir string, m *manifest.Manifest) (*VerifyResult, error) {
	res := &VerifyResult{}
	for i := range m.FileManifestList.Elements {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		f := &m.FileManifestList.Elements[i]
		if f.SymlinkTarget != "" {
			continue
		}
		res.Checked++
		sum, err := fileSHA1(filepath.Join(dir, filepath.FromSlash(f.Filename)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			res.Missing = append(res.Missing, f.Filename)
		case err != nil:
			return res, fmt.Errorf("install: verify %s: %w", f.Filename, err)
		case sum != f.Hash:
			res.Mismatched = append(res.Mismatched, f.Filename)
		}
	}
	return res, nil
}

func fileSHA1(path string) (sum [sha1.Size]byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
