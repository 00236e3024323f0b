package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/ligustah/vaultfetch/pkg/chunk"
)

const (
	// HeaderMagic starts every binary manifest.
	HeaderMagic uint32 = 0x44BEC00C

	headerSize = 41

	// chunkPartSize is the encoded size of one chunk part record.
	chunkPartSize = 28

	// MaxBodySize caps the decompressed body ReadBinary accepts.
	MaxBodySize = 256 * 1024 * 1024
)

// ReadBinary parses a binary manifest.
func ReadBinary(data []byte) (*Manifest, error) {
	if len(data) < headerSize {
		return nil, malformed("header", "need %d bytes, have %d", headerSize, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data); magic != HeaderMagic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}

	hdr := &decoder{buf: data, off: 4, field: "header"}
	size := hdr.u32()
	sizeUncompressed := hdr.u32()
	sizeCompressed := hdr.u32()
	var digest [sha1.Size]byte
	hdr.copyInto(digest[:])
	m := &Manifest{StoredAs: hdr.u8(), Version: hdr.u32()}
	if size < headerSize || int(size) > len(data) {
		return nil, mismatch("header size", fmt.Sprintf("%d..%d", headerSize, len(data)), size)
	}

	body := data[size:]
	if m.StoredAs&StoredCompressed != 0 {
		if int(sizeCompressed) > len(body) {
			return nil, mismatch("compressed body size", sizeCompressed, len(body))
		}
		if sizeUncompressed > MaxBodySize {
			return nil, malformed("body", "declared size %d exceeds limit of %d", sizeUncompressed, MaxBodySize)
		}
		zr, err := zlib.NewReader(bytes.NewReader(body[:sizeCompressed]))
		if err != nil {
			return nil, malformedErr("body", err)
		}
		// Bytes past the declared size would be cut below, so they are never read.
		var out bytes.Buffer
		out.Grow(int(sizeUncompressed))
		if _, err := io.Copy(&out, io.LimitReader(zr, int64(sizeUncompressed))); err != nil {
			zr.Close()
			return nil, malformedErr("body", err)
		}
		zr.Close()
		body = out.Bytes()
	}
	if len(body) < int(sizeUncompressed) {
		return nil, mismatch("body size", sizeUncompressed, len(body))
	}
	body = body[:sizeUncompressed]
	if got := sha1.Sum(body); got != digest {
		return nil, mismatch("body sha1", hex.EncodeToString(digest[:]), hex.EncodeToString(got[:]))
	}

	d := &decoder{buf: body}
	readMeta(d, &m.Meta)
	readChunkDataList(d, &m.ChunkDataList)
	readFileManifestList(d, &m.FileManifestList)
	if d.err == nil && d.remaining() > 0 {
		readCustomFields(d, &m.CustomFields)
	}
	if d.err != nil {
		return nil, d.err
	}
	if n := d.remaining(); n > 0 {
		m.Unconsumed = append(m.Unconsumed, fmt.Sprintf("trailing data (%d bytes)", n))
	}

	if err := m.link(); err != nil {
		return nil, err
	}
	return m, nil
}

func readMeta(d *decoder, meta *Meta) {
	end := d.block("meta")
	meta.DataVersion = d.u8()
	meta.FeatureLevel = d.u32()
	meta.IsFileData = d.u8() == 1
	meta.AppID = d.u32()
	meta.AppName = d.fstring()
	meta.BuildVersion = d.fstring()
	meta.LaunchExe = d.fstring()
	meta.LaunchCommand = d.fstring()
	meta.PrereqIDs = d.fstrings()
	meta.PrereqName = d.fstring()
	meta.PrereqPath = d.fstring()
	meta.PrereqArgs = d.fstring()
	if meta.DataVersion >= 1 {
		meta.BuildID = d.fstring()
	}
	if meta.DataVersion >= 2 {
		meta.UninstallActionPath = d.fstring()
		meta.UninstallActionArgs = d.fstring()
	}
	end()
}

func readChunkDataList(d *decoder, cdl *ChunkDataList) {
	end := d.block("chunk data list")
	cdl.Version = d.u8()
	n := d.count(16 + 8 + sha1.Size + 1 + 4 + 8)
	if n > 0 {
		cdl.Elements = make([]ChunkInfo, n)
	}
	// Columns are stored one after another.
	for i := range cdl.Elements {
		cdl.Elements[i].GUID = chunk.GUID(d.guid())
	}
	for i := range cdl.Elements {
		cdl.Elements[i].Hash = d.u64()
	}
	for i := range cdl.Elements {
		d.copyInto(cdl.Elements[i].SHAHash[:])
	}
	for i := range cdl.Elements {
		cdl.Elements[i].GroupNum = d.u8()
	}
	for i := range cdl.Elements {
		cdl.Elements[i].WindowSize = d.u32()
	}
	for i := range cdl.Elements {
		cdl.Elements[i].FileSize = int64(d.u64())
	}
	end()
}

func readFileManifestList(d *decoder, fml *FileManifestList) {
	end := d.block("file manifest list")
	fml.Version = d.u8()
	n := d.count(4 + 4 + sha1.Size + 1 + 4 + 4)
	if n > 0 {
		fml.Elements = make([]FileManifest, n)
	}
	files := fml.Elements
	for i := range files {
		files[i].Filename = d.fstring()
	}
	for i := range files {
		files[i].SymlinkTarget = d.fstring()
	}
	for i := range files {
		d.copyInto(files[i].Hash[:])
	}
	for i := range files {
		files[i].Flags = d.u8()
	}
	for i := range files {
		files[i].InstallTags = d.fstrings()
	}
	for i := range files {
		parts := d.count(chunkPartSize)
		for j := 0; j < parts && d.err == nil; j++ {
			start := d.off
			size := d.u32()
			p := ChunkPart{GUID: chunk.GUID(d.guid()), Offset: d.u32(), Size: d.u32()}
			if d.err != nil {
				break
			}
			if size < chunkPartSize || int(size) > len(d.buf)-start {
				d.fail(mismatch("chunk part size", chunkPartSize, size))
				break
			}
			d.off = start + int(size)
			files[i].ChunkParts = append(files[i].ChunkParts, p)
		}
	}
	if fml.Version >= 1 {
		for i := range files {
			if d.u32() != 0 {
				files[i].HashMD5 = d.clone(16)
			}
		}
		for i := range files {
			files[i].MimeType = d.fstring()
		}
	}
	if fml.Version >= 2 {
		for i := range files {
			files[i].HashSHA256 = d.clone(32)
		}
	}
	end()
}

func readCustomFields(d *decoder, cf *CustomFields) {
	end := d.block("custom fields")
	d.u8() // version
	n := d.count(8)
	keys := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		keys = append(keys, d.fstring())
	}
	for i := 0; i < n && d.err == nil; i++ {
		*cf = append(*cf, CustomField{Key: keys[i], Value: d.fstring()})
	}
	end()
}

// EncodeBinary serializes m in the binary format. The body is
// zlib-compressed when m.StoredAs has StoredCompressed set.
func EncodeBinary(m *Manifest) ([]byte, error) {
	body := &encoder{}
	writeMeta(body, &m.Meta)
	writeChunkDataList(body, &m.ChunkDataList)
	writeFileManifestList(body, &m.FileManifestList)
	writeCustomFields(body, m.CustomFields)

	raw := body.Bytes()
	digest := sha1.Sum(raw)
	stored := raw
	if m.StoredAs&StoredCompressed != 0 {
		var zb bytes.Buffer
		zw := zlib.NewWriter(&zb)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("manifest: compress body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("manifest: compress body: %w", err)
		}
		stored = zb.Bytes()
	}

	out := &encoder{}
	out.Grow(headerSize + len(stored))
	out.u32(HeaderMagic)
	out.u32(headerSize)
	out.u32(uint32(len(raw)))
	out.u32(uint32(len(stored)))
	out.Write(digest[:])
	out.u8(m.StoredAs)
	out.u32(m.Version)
	out.Write(stored)
	return out.Bytes(), nil
}

func writeMeta(e *encoder, meta *Meta) {
	end := e.block()
	e.u8(meta.DataVersion)
	e.u32(meta.FeatureLevel)
	if meta.IsFileData {
		e.u8(1)
	} else {
		e.u8(0)
	}
	e.u32(meta.AppID)
	e.fstring(meta.AppName)
	e.fstring(meta.BuildVersion)
	e.fstring(meta.LaunchExe)
	e.fstring(meta.LaunchCommand)
	e.fstrings(meta.PrereqIDs)
	e.fstring(meta.PrereqName)
	e.fstring(meta.PrereqPath)
	e.fstring(meta.PrereqArgs)
	if meta.DataVersion >= 1 {
		e.fstring(meta.BuildID)
	}
	if meta.DataVersion >= 2 {
		e.fstring(meta.UninstallActionPath)
		e.fstring(meta.UninstallActionArgs)
	}
	end()
}

func writeChunkDataList(e *encoder, cdl *ChunkDataList) {
	end := e.block()
	e.u8(cdl.Version)
	e.u32(uint32(len(cdl.Elements)))
	for _, c := range cdl.Elements {
		e.guid(c.GUID)
	}
	for _, c := range cdl.Elements {
		e.u64(c.Hash)
	}
	for _, c := range cdl.Elements {
		e.Write(c.SHAHash[:])
	}
	for _, c := range cdl.Elements {
		e.u8(c.GroupNum)
	}
	for _, c := range cdl.Elements {
		e.u32(c.WindowSize)
	}
	for _, c := range cdl.Elements {
		e.u64(uint64(c.FileSize))
	}
	end()
}

func writeFileManifestList(e *encoder, fml *FileManifestList) {
	end := e.block()
	e.u8(fml.Version)
	e.u32(uint32(len(fml.Elements)))
	files := fml.Elements
	for _, f := range files {
		e.fstring(f.Filename)
	}
	for _, f := range files {
		e.fstring(f.SymlinkTarget)
	}
	for _, f := range files {
		e.Write(f.Hash[:])
	}
	for _, f := range files {
		e.u8(f.Flags)
	}
	for _, f := range files {
		e.fstrings(f.InstallTags)
	}
	for _, f := range files {
		e.u32(uint32(len(f.ChunkParts)))
		for _, p := range f.ChunkParts {
			e.u32(chunkPartSize)
			e.guid(p.GUID)
			e.u32(p.Offset)
			e.u32(p.Size)
		}
	}
	if fml.Version >= 1 {
		for _, f := range files {
			if len(f.HashMD5) == 16 {
				e.u32(1)
				e.Write(f.HashMD5)
			} else {
				e.u32(0)
			}
		}
		for _, f := range files {
			e.fstring(f.MimeType)
		}
	}
	if fml.Version >= 2 {
		for _, f := range files {
			var sum [32]byte
			copy(sum[:], f.HashSHA256)
			e.Write(sum[:])
		}
	}
	end()
}

func writeCustomFields(e *encoder, cf CustomFields) {
	end := e.block()
	e.u8(0)
	e.u32(uint32(len(cf)))
	for _, f := range cf {
		e.fstring(f.Key)
	}
	for _, f := range cf {
		e.fstring(f.Value)
	}
	end()
}
