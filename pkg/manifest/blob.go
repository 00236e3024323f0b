package manifest

import (
	"fmt"
	"strings"
)

// JSON manifests store numbers and digests as concatenated three-digit
// decimal groups, one group per byte, least significant byte first.
// "013000000000" is the 32-bit value 13.

// decodeBlob returns the bytes encoded by s.
func decodeBlob(s string) ([]byte, error) {
	if len(s)%3 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 3", len(s))
	}
	out := make([]byte, 0, len(s)/3)
	for i := 0; i < len(s); i += 3 {
		v := 0
		for _, c := range s[i : i+3] {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("blob %q: invalid digit %q", s, c)
			}
			v = v*10 + int(c-'0')
		}
		if v > 0xFF {
			return nil, fmt.Errorf("blob %q: group %d out of range", s, v)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// decodeBlobUint decodes s as an unsigned integer of at most bits width.
func decodeBlobUint(s string, bits int) (uint64, error) {
	raw, err := decodeBlob(s)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i, b := range raw {
		if i >= 8 {
			if b != 0 {
				return 0, fmt.Errorf("blob %q overflows 64 bits", s)
			}
			continue
		}
		v |= uint64(b) << (8 * i)
	}
	if bits < 64 && v>>bits != 0 {
		return 0, fmt.Errorf("blob %q overflows %d bits", s, bits)
	}
	return v, nil
}

// encodeBlob encodes raw as three-digit groups.
func encodeBlob(raw []byte) string {
	var sb strings.Builder
	sb.Grow(len(raw) * 3)
	for _, b := range raw {
		fmt.Fprintf(&sb, "%03d", b)
	}
	return sb.String()
}

// encodeBlobUint encodes v as width little-endian bytes.
func encodeBlobUint(v uint64, width int) string {
	raw := make([]byte, width)
	for i := range raw {
		raw[i] = byte(v >> (8 * i))
	}
	return encodeBlob(raw)
}
