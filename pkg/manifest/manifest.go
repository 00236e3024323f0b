package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"slices"

	"github.com/ligustah/vaultfetch/pkg/chunk"
)

// File flags stored in FileManifest.Flags.
const (
	FlagReadOnly   uint8 = 0x1
	FlagCompressed uint8 = 0x2
	FlagExecutable uint8 = 0x4
)

// StoredCompressed marks a zlib-compressed binary manifest body.
const StoredCompressed uint8 = 0x1

// Manifest describes a versioned file set as ordered lists of chunk parts.
// Instances are treated as immutable once returned by a reader.
type Manifest struct {
	Version          uint32
	StoredAs         uint8
	Meta             Meta
	ChunkDataList    ChunkDataList
	FileManifestList FileManifestList
	CustomFields     CustomFields

	// Unconsumed lists input the reader skipped: unknown JSON keys as dotted
	// paths, or trailing binary data. It is diagnostic only.
	Unconsumed []string
}

// Meta holds the global manifest metadata.
type Meta struct {
	DataVersion         uint8
	FeatureLevel        uint32
	IsFileData          bool
	AppID               uint32
	AppName             string
	BuildVersion        string
	BuildID             string
	LaunchExe           string
	LaunchCommand       string
	PrereqIDs           []string
	PrereqName          string
	PrereqPath          string
	PrereqArgs          string
	UninstallActionPath string
	UninstallActionArgs string
}

// ChunkDataList is the CDL: one entry per distinct chunk.
type ChunkDataList struct {
	Version  uint8
	Elements []ChunkInfo
}

// ChunkInfo describes one chunk stored on the CDN.
type ChunkInfo struct {
	GUID       chunk.GUID
	Hash       uint64
	SHAHash    [sha1.Size]byte
	GroupNum   uint8
	WindowSize uint32
	FileSize   int64
}

// FileManifestList is the FML: one entry per destination file.
type FileManifestList struct {
	Version  uint8
	Elements []FileManifest
}

// FileManifest describes one destination file.
type FileManifest struct {
	Filename      string
	SymlinkTarget string
	Hash          [sha1.Size]byte
	Flags         uint8
	InstallTags   []string
	ChunkParts    []ChunkPart
	FileSize      int64
	HashMD5       []byte
	MimeType      string
	HashSHA256    []byte
}

// ChunkPart copies Size bytes from Offset within a chunk's decompressed
// payload to FileOffset within the destination file.
type ChunkPart struct {
	GUID       chunk.GUID
	Offset     uint32
	Size       uint32
	FileOffset int64
}

// CustomField is one key/value pair of CustomFields.
type CustomField struct {
	Key   string
	Value string
}

// CustomFields is an ordered string map. Values are opaque.
type CustomFields []CustomField

// Get returns the value for key.
func (c CustomFields) Get(key string) (string, bool) {
	for _, f := range c {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key, appending the key if it is new.
func (c *CustomFields) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = value
			return
		}
	}
	*c = append(*c, CustomField{Key: key, Value: value})
}

// ReadOnly reports whether the file is flagged read-only.
func (f *FileManifest) ReadOnly() bool { return f.Flags&FlagReadOnly != 0 }

// Compressed reports whether the file is flagged compressed.
func (f *FileManifest) Compressed() bool { return f.Flags&FlagCompressed != 0 }

// Executable reports whether the file is flagged unix-executable.
func (f *FileManifest) Executable() bool { return f.Flags&FlagExecutable != 0 }

// Parse reads a JSON manifest when the first non-space byte is '{' and a
// binary manifest otherwise.
func Parse(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ReadJSON(data)
	}
	return ReadBinary(data)
}

// Chunks returns the CDL indexed by GUID.
func (m *Manifest) Chunks() map[chunk.GUID]*ChunkInfo {
	idx := make(map[chunk.GUID]*ChunkInfo, len(m.ChunkDataList.Elements))
	for i := range m.ChunkDataList.Elements {
		c := &m.ChunkDataList.Elements[i]
		idx[c.GUID] = c
	}
	return idx
}

// File returns the file manifest named filename, or nil.
func (m *Manifest) File(filename string) *FileManifest {
	for i := range m.FileManifestList.Elements {
		if m.FileManifestList.Elements[i].Filename == filename {
			return &m.FileManifestList.Elements[i]
		}
	}
	return nil
}

// TotalSize returns the sum of all file sizes.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, f := range m.FileManifestList.Elements {
		n += f.FileSize
	}
	return n
}

// DownloadSize returns the sum of all compressed chunk sizes.
func (m *Manifest) DownloadSize() int64 {
	var n int64
	for _, c := range m.ChunkDataList.Elements {
		n += c.FileSize
	}
	return n
}

// FilterByTags returns the files selected by tags. Files without install tags
// are always selected; a nil tags slice selects every file.
func (m *Manifest) FilterByTags(tags []string) []*FileManifest {
	var out []*FileManifest
	for i := range m.FileManifestList.Elements {
		f := &m.FileManifestList.Elements[i]
		if tags == nil || len(f.InstallTags) == 0 || slices.ContainsFunc(f.InstallTags, func(t string) bool {
			return slices.Contains(tags, t)
		}) {
			out = append(out, f)
		}
	}
	return out
}

// ChunkDir returns the CDN folder for chunks at the given feature level.
func ChunkDir(featureLevel uint32) string {
	switch {
	case featureLevel >= 15:
		return "ChunksV4"
	case featureLevel >= 6:
		return "ChunksV3"
	case featureLevel >= 3:
		return "ChunksV2"
	default:
		return "Chunks"
	}
}

// ChunkPath returns the CDN path of c relative to the build's base URL.
func (m *Manifest) ChunkPath(c *ChunkInfo) string {
	return fmt.Sprintf("%s/%02d/%016X_%s.chunk", ChunkDir(m.Meta.FeatureLevel), c.GroupNum, c.Hash, c.GUID.Hex())
}

// ChunkURL joins baseURL and the chunk path.
func (m *Manifest) ChunkURL(baseURL string, c *ChunkInfo) string {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return baseURL + "/" + m.ChunkPath(c)
}

// defaultGroupNum derives the data group of a chunk that does not declare one.
func defaultGroupNum(g chunk.GUID) uint8 {
	var raw [16]byte
	for i, w := range g {
		binary.LittleEndian.PutUint32(raw[i*4:], w)
	}
	return uint8(crc32.ChecksumIEEE(raw[:]) % 100)
}

// deriveBuildID computes the build id of manifests that do not store one.
func deriveBuildID(m *Meta) string {
	h := sha1.New()
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], m.AppID)
	h.Write(id[:])
	h.Write([]byte(m.AppName))
	h.Write([]byte(m.BuildVersion))
	h.Write([]byte(m.LaunchExe))
	h.Write([]byte(m.LaunchCommand))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// link computes derived fields and checks cross references. Both readers call
// it before returning.
func (m *Manifest) link() error {
	if m.Meta.BuildID == "" {
		m.Meta.BuildID = deriveBuildID(&m.Meta)
	}

	known := make(map[chunk.GUID]struct{}, len(m.ChunkDataList.Elements))
	for i, c := range m.ChunkDataList.Elements {
		if _, dup := known[c.GUID]; dup {
			return &MalformedManifestError{
				Field:   fmt.Sprintf("ChunkDataList[%d]", i),
				Message: c.GUID.String(),
				Err:     ErrDuplicateChunk,
			}
		}
		known[c.GUID] = struct{}{}
	}

	for i := range m.FileManifestList.Elements {
		f := &m.FileManifestList.Elements[i]
		var off int64
		for j := range f.ChunkParts {
			p := &f.ChunkParts[j]
			if _, ok := known[p.GUID]; !ok {
				return &MalformedManifestError{
					Field:   fmt.Sprintf("FileManifestList[%d].ChunkParts[%d]", i, j),
					Message: fmt.Sprintf("%s: unknown chunk %s", f.Filename, p.GUID),
					Err:     ErrUnknownChunk,
				}
			}
			p.FileOffset = off
			off += int64(p.Size)
		}
		f.FileSize = off
	}
	return nil
}
