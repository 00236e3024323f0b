package manifest

import "slices"

// Comparison lists filenames by how they differ between two manifests.
type Comparison struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
}

// Compare classifies the files of m against old by SHA-1. A nil old treats
// every file as added.
func Compare(m, old *Manifest) *Comparison {
	c := &Comparison{}
	prev := make(map[string]*FileManifest)
	if old != nil {
		for i := range old.FileManifestList.Elements {
			f := &old.FileManifestList.Elements[i]
			prev[f.Filename] = f
		}
	}

	seen := make(map[string]bool, len(m.FileManifestList.Elements))
	for _, f := range m.FileManifestList.Elements {
		seen[f.Filename] = true
		o, ok := prev[f.Filename]
		switch {
		case !ok:
			c.Added = append(c.Added, f.Filename)
		case o.Hash != f.Hash:
			c.Changed = append(c.Changed, f.Filename)
		default:
			c.Unchanged = append(c.Unchanged, f.Filename)
		}
	}
	for name := range prev {
		if !seen[name] {
			c.Removed = append(c.Removed, name)
		}
	}
	slices.Sort(c.Added)
	slices.Sort(c.Removed)
	slices.Sort(c.Changed)
	slices.Sort(c.Unchanged)
	return c
}
