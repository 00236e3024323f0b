package testutils

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/ligustah/vaultfetch/pkg/chunk"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

// BuildOptions configures a Builder.
type BuildOptions struct {
	AppName      string
	BuildVersion string
	// FeatureLevel selects the chunk folder. Default: 18
	FeatureLevel uint32
	// ChunkFill is how many bytes AddData packs into each new chunk.
	// Default: 64 KiB
	ChunkFill int
	// Compress zlib-compresses chunk payloads.
	Compress bool
}

// Builder assembles a manifest and its chunk files.
type Builder struct {
	opts     BuildOptions
	chunks   []manifest.ChunkInfo
	files    []manifest.FileManifest
	payloads map[chunk.GUID][]byte
	encoded  map[chunk.GUID][]byte
}

// NewBuilder creates an empty builder.
func NewBuilder(opts BuildOptions) *Builder {
	if opts.AppName == "" {
		opts.AppName = "TestApp"
	}
	if opts.BuildVersion == "" {
		opts.BuildVersion = "1.0.0"
	}
	if opts.FeatureLevel == 0 {
		opts.FeatureLevel = 18
	}
	if opts.ChunkFill <= 0 {
		opts.ChunkFill = 64 << 10
	}
	return &Builder{
		opts:     opts,
		payloads: make(map[chunk.GUID][]byte),
		encoded:  make(map[chunk.GUID][]byte),
	}
}

// Include copies every chunk of another build so parts can reference them.
func (b *Builder) Include(other *Build) {
	for _, c := range other.Manifest.ChunkDataList.Elements {
		if _, ok := b.payloads[c.GUID]; ok {
			continue
		}
		b.chunks = append(b.chunks, c)
		b.payloads[c.GUID] = other.payloads[c.GUID]
		b.encoded[c.GUID] = other.encoded[c.GUID]
	}
}

// AddChunk stores data as a new chunk and returns its GUID.
func (b *Builder) AddChunk(t *testing.T, data []byte) chunk.GUID {
	t.Helper()
	c, err := chunk.New(data)
	if err != nil {
		t.Fatalf("new chunk: %v", err)
	}
	raw, err := c.Encode(b.opts.Compress)
	if err != nil {
		t.Fatalf("encode chunk: %v", err)
	}
	payload, err := c.Data()
	if err != nil {
		t.Fatalf("chunk data: %v", err)
	}
	b.chunks = append(b.chunks, manifest.ChunkInfo{
		GUID:       c.GUID,
		Hash:       c.Hash,
		SHAHash:    c.SHAHash,
		GroupNum:   uint8(c.GUID[0] % 100),
		WindowSize: uint32(len(payload)),
		FileSize:   int64(len(raw)),
	})
	b.payloads[c.GUID] = payload
	b.encoded[c.GUID] = raw
	return c.GUID
}

// AddFile adds a file made of the given parts. Its hash is computed from
// the referenced chunk bytes.
func (b *Builder) AddFile(t *testing.T, f manifest.FileManifest) {
	t.Helper()
	h := sha1.New()
	for _, p := range f.ChunkParts {
		payload, ok := b.payloads[p.GUID]
		if !ok {
			t.Fatalf("file %s references unknown chunk %s", f.Filename, p.GUID)
		}
		h.Write(payload[p.Offset : p.Offset+p.Size])
	}
	copy(f.Hash[:], h.Sum(nil))
	b.files = append(b.files, f)
}

// AddData packs data into new chunks of ChunkFill bytes and adds the file.
func (b *Builder) AddData(t *testing.T, name string, data []byte, flags uint8, tags ...string) {
	t.Helper()
	f := manifest.FileManifest{Filename: name, Flags: flags, InstallTags: tags}
	for off := 0; off < len(data); off += b.opts.ChunkFill {
		end := min(off+b.opts.ChunkFill, len(data))
		g := b.AddChunk(t, data[off:end])
		f.ChunkParts = append(f.ChunkParts, manifest.ChunkPart{GUID: g, Size: uint32(end - off)})
	}
	b.AddFile(t, f)
}

// Build encodes the manifest and reads it back so derived fields are set.
func (b *Builder) Build(t *testing.T) *Build {
	t.Helper()
	m := &manifest.Manifest{
		Version: b.opts.FeatureLevel,
		Meta: manifest.Meta{
			DataVersion:  2,
			FeatureLevel: b.opts.FeatureLevel,
			AppName:      b.opts.AppName,
			BuildVersion: b.opts.BuildVersion,
			LaunchExe:    "bin/app",
		},
		ChunkDataList:    manifest.ChunkDataList{Elements: append([]manifest.ChunkInfo(nil), b.chunks...)},
		FileManifestList: manifest.FileManifestList{Elements: append([]manifest.FileManifest(nil), b.files...)},
	}
	data, err := manifest.EncodeBinary(m)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	parsed, err := manifest.ReadBinary(data)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}

	out := &Build{
		Manifest: parsed,
		Raw:      data,
		Chunks:   make(map[string][]byte, len(b.chunks)),
		payloads: make(map[chunk.GUID][]byte, len(b.payloads)),
		encoded:  make(map[chunk.GUID][]byte, len(b.encoded)),
	}
	for i := range parsed.ChunkDataList.Elements {
		c := &parsed.ChunkDataList.Elements[i]
		out.Chunks[parsed.ChunkPath(c)] = b.encoded[c.GUID]
		out.payloads[c.GUID] = b.payloads[c.GUID]
		out.encoded[c.GUID] = b.encoded[c.GUID]
	}
	return out
}

// Build is a manifest with its encoded chunk files.
type Build struct {
	Manifest *manifest.Manifest
	// Raw is the binary manifest.
	Raw []byte
	// Chunks maps chunk paths (manifest.ChunkPath) to chunk files.
	Chunks map[string][]byte

	payloads map[chunk.GUID][]byte
	encoded  map[chunk.GUID][]byte
}

// File is a file of a simple build.
type File struct {
	Name       string
	Data       []byte
	Executable bool
	Tags       []string
}

// NewBuild builds a manifest holding files, each packed into its own chunks.
func NewBuild(t *testing.T, opts BuildOptions, files ...File) *Build {
	t.Helper()
	b := NewBuilder(opts)
	for _, f := range files {
		var flags uint8
		if f.Executable {
			flags |= manifest.FlagExecutable
		}
		b.AddData(t, f.Name, f.Data, flags, f.Tags...)
	}
	return b.Build(t)
}

// Payload returns the decompressed data of chunk g.
func (b *Build) Payload(g chunk.GUID) []byte {
	return b.payloads[g]
}

// FileData reassembles a file from its chunk parts.
func (b *Build) FileData(name string) []byte {
	f := b.Manifest.File(name)
	if f == nil {
		return nil
	}
	var buf bytes.Buffer
	for _, p := range f.ChunkParts {
		buf.Write(b.payloads[p.GUID][p.Offset : p.Offset+p.Size])
	}
	return buf.Bytes()
}

// Pattern returns n deterministic bytes derived from seed.
func Pattern(seed byte, n int) []byte {
	data := make([]byte, n)
	x := uint32(seed)*2654435761 + 1
	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x)
	}
	return data
}
