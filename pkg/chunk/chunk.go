package chunk

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	// HeaderMagic starts every chunk.
	HeaderMagic uint32 = 0xB1FE3AA2

	// DefaultWindowSize is the decompressed size of chunks built by New.
	DefaultWindowSize = 1024 * 1024

	// MaxDataSize caps the decompressed payload Data accepts.
	MaxDataSize = 64 * 1024 * 1024

	// StoredCompressed marks a zlib payload in StoredAs.
	StoredCompressed uint8 = 0x1

	// HashTypeRolling marks a valid Hash field in HashType.
	HashTypeRolling uint8 = 0x1
	// HashTypeSHA marks a valid SHAHash field in HashType.
	HashTypeSHA uint8 = 0x2

	headerSizeV1 = 41
	headerSizeV2 = 62
	headerSizeV3 = 66
)

var (
	// ErrBadMagic is returned when the chunk does not start with HeaderMagic.
	ErrBadMagic = errors.New("chunk: bad magic")
	// ErrHeader is returned when the header is truncated or its declared size is wrong.
	ErrHeader = errors.New("chunk: header size mismatch")
	// ErrHashMismatch is returned when the payload does not match the header SHA-1.
	ErrHashMismatch = errors.New("chunk: sha1 mismatch")
	// ErrTooLarge is returned by New for data larger than DefaultWindowSize.
	ErrTooLarge = errors.New("chunk: data exceeds window size")
	// ErrDataTooLarge is wrapped by DataSizeError.
	ErrDataTooLarge = errors.New("chunk: payload exceeds size limit")
)

// DataSizeError reports a payload larger than the limit given to DataLimit.
// Size is the size the header declares when that is already over the limit,
// otherwise the number of bytes decompressed before giving up.
type DataSizeError struct {
	GUID  GUID
	Size  int64
	Limit int64
}

func (e *DataSizeError) Error() string {
	return fmt.Sprintf("chunk %s: payload of %d bytes exceeds limit of %d", e.GUID, e.Size, e.Limit)
}

func (e *DataSizeError) Unwrap() error { return ErrDataTooLarge }

// Chunk is a parsed chunk header plus its stored payload.
type Chunk struct {
	HeaderVersion    uint32
	HeaderSize       uint32
	CompressedSize   uint32
	GUID             GUID
	Hash             uint64
	StoredAs         uint8
	SHAHash          [sha1.Size]byte
	HashType         uint8
	UncompressedSize uint32

	payload []byte
	data    []byte
}

// Read parses a chunk from buf. The payload is not decompressed until Data is called.
func Read(buf []byte) (*Chunk, error) {
	r := bytes.NewReader(buf)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeader, err)
	}
	if magic != HeaderMagic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}

	c := &Chunk{}
	fixed := []any{&c.HeaderVersion, &c.HeaderSize, &c.CompressedSize, &c.GUID, &c.Hash, &c.StoredAs}
	for _, v := range fixed {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHeader, err)
		}
	}
	if c.HeaderVersion >= 2 {
		if err := binary.Read(r, binary.LittleEndian, &c.SHAHash); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHeader, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &c.HashType); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHeader, err)
		}
	}
	if c.HeaderVersion >= 3 {
		if err := binary.Read(r, binary.LittleEndian, &c.UncompressedSize); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHeader, err)
		}
	}

	consumed := len(buf) - r.Len()
	if uint32(consumed) != c.HeaderSize {
		return nil, fmt.Errorf("%w: read %d bytes, header declares %d", ErrHeader, consumed, c.HeaderSize)
	}

	rest := buf[consumed:]
	if uint64(c.CompressedSize) > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: payload truncated, want %d bytes, have %d", ErrHeader, c.CompressedSize, len(rest))
	}
	c.payload = rest[:c.CompressedSize]
	return c, nil
}

// Compressed reports whether the payload is stored zlib-compressed.
func (c *Chunk) Compressed() bool {
	return c.StoredAs&StoredCompressed != 0
}

// Data returns the decompressed payload, at most MaxDataSize bytes. The
// result is cached.
func (c *Chunk) Data() ([]byte, error) {
	return c.DataLimit(MaxDataSize)
}

// DataLimit is Data with a caller-chosen cap. A payload over limit fails
// with a *DataSizeError and is never decompressed past limit+1 bytes.
func (c *Chunk) DataLimit(limit int64) ([]byte, error) {
	if c.data != nil {
		if n := int64(len(c.data)); n > limit {
			return nil, &DataSizeError{GUID: c.GUID, Size: n, Limit: limit}
		}
		return c.data, nil
	}
	if !c.Compressed() {
		if n := int64(len(c.payload)); n > limit {
			return nil, &DataSizeError{GUID: c.GUID, Size: n, Limit: limit}
		}
		c.data = c.payload
		return c.data, nil
	}
	if declared := int64(c.UncompressedSize); declared > limit {
		return nil, &DataSizeError{GUID: c.GUID, Size: declared, Limit: limit}
	}

	zr, err := zlib.NewReader(bytes.NewReader(c.payload))
	if err != nil {
		return nil, fmt.Errorf("chunk: open zlib payload: %w", err)
	}
	defer zr.Close()

	var out bytes.Buffer
	out.Grow(int(min(int64(c.UncompressedSize), limit)))
	n, err := io.Copy(&out, io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("chunk: decompress payload: %w", err)
	}
	if n > limit {
		return nil, &DataSizeError{GUID: c.GUID, Size: n, Limit: limit}
	}
	c.data = out.Bytes()
	return c.data, nil
}

// Verify decompresses the payload and checks it against the header SHA-1
// when the header carries one.
func (c *Chunk) Verify() error {
	data, err := c.Data()
	if err != nil {
		return err
	}
	if c.HashType&HashTypeSHA == 0 {
		return nil
	}
	if sha1.Sum(data) != c.SHAHash {
		return fmt.Errorf("%w: guid %s", ErrHashMismatch, c.GUID)
	}
	return nil
}

// New builds an uncompressed chunk for data, zero-padded to DefaultWindowSize,
// with a random GUID and both hashes set.
func New(data []byte) (*Chunk, error) {
	if len(data) > DefaultWindowSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	padded := make([]byte, DefaultWindowSize)
	copy(padded, data)
	return &Chunk{
		HeaderVersion:    3,
		HeaderSize:       headerSizeV3,
		CompressedSize:   uint32(len(padded)),
		GUID:             NewGUID(),
		Hash:             Hash(padded),
		SHAHash:          sha1.Sum(padded),
		HashType:         HashTypeRolling | HashTypeSHA,
		UncompressedSize: uint32(len(padded)),
		payload:          padded,
		data:             padded,
	}, nil
}

// Encode serializes the chunk as a version 3 header followed by its payload,
// zlib-compressing the payload when compress is set.
func (c *Chunk) Encode(compress bool) ([]byte, error) {
	data, err := c.Data()
	if err != nil {
		return nil, err
	}

	payload := data
	storedAs := c.StoredAs &^ StoredCompressed
	if compress {
		var zb bytes.Buffer
		zw := zlib.NewWriter(&zb)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("chunk: compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("chunk: compress payload: %w", err)
		}
		payload = zb.Bytes()
		storedAs |= StoredCompressed
	}

	var buf bytes.Buffer
	buf.Grow(headerSizeV3 + len(payload))
	fields := []any{
		HeaderMagic,
		uint32(3),
		uint32(headerSizeV3),
		uint32(len(payload)),
		c.GUID,
		c.Hash,
		storedAs,
		c.SHAHash,
		c.HashType,
		uint32(len(data)),
	}
	for _, v := range fields {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("chunk: encode header: %w", err)
		}
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}
