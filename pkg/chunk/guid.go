package chunk

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUID identifies a chunk independently of its content hash. It is stored as
// four 32-bit words.
type GUID [4]uint32

// NewGUID returns a random GUID.
func NewGUID() GUID {
	u := uuid.New()
	return guidFromBytes(u[:])
}

// ParseGUID parses 32 hex characters (dashes are ignored) as four big-endian
// 32-bit words.
func ParseGUID(s string) (GUID, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil {
		return GUID{}, fmt.Errorf("chunk: parse guid %q: %w", s, err)
	}
	if len(raw) != 16 {
		return GUID{}, fmt.Errorf("chunk: parse guid %q: want 16 bytes, got %d", s, len(raw))
	}
	return guidFromBytes(raw), nil
}

func guidFromBytes(raw []byte) GUID {
	var g GUID
	for i := range g {
		g[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return g
}

// String returns the dashed lower-case form used in logs.
func (g GUID) String() string {
	return fmt.Sprintf("%08x-%08x-%08x-%08x", g[0], g[1], g[2], g[3])
}

// Hex returns the 32 upper-case hex characters used in chunk paths and JSON manifests.
func (g GUID) Hex() string {
	return fmt.Sprintf("%08X%08X%08X%08X", g[0], g[1], g[2], g[3])
}

// IsZero reports whether all words are zero.
func (g GUID) IsZero() bool {
	return g == GUID{}
}
