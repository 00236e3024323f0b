package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decoder is a bounds-checked little-endian cursor over a manifest body.
// The first failure sticks; later reads return zero values.
type decoder struct {
	buf   []byte
	off   int
	field string
	err   error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.remaining() {
		d.fail(malformed(d.field, "unexpected end of data at offset %d (need %d bytes, have %d)", d.off, n, d.remaining()))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) guid() (g [4]uint32) {
	for i := range g {
		g[i] = d.u32()
	}
	return g
}

func (d *decoder) copyInto(dst []byte) {
	if b := d.next(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (d *decoder) clone(n int) []byte {
	b := d.next(n)
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}

// fstring reads a length-prefixed string. A positive length counts ASCII
// bytes, a negative one UTF-16 code units; both include a NUL terminator.
func (d *decoder) fstring() string {
	n := int32(d.u32())
	switch {
	case d.err != nil || n == 0:
		return ""
	case n > 0:
		b := d.next(int(n))
		if b == nil {
			return ""
		}
		return string(b[:len(b)-1])
	default:
		if n == math.MinInt32 {
			d.fail(malformed(d.field, "invalid string length %d", n))
			return ""
		}
		b := d.next(int(-n) * 2)
		if b == nil {
			return ""
		}
		s, err := utf16le.NewDecoder().Bytes(b[:len(b)-2])
		if err != nil {
			d.fail(malformedErr(d.field, err))
			return ""
		}
		return string(s)
	}
}

func (d *decoder) fstrings() []string {
	n := d.count(4)
	var out []string
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.fstring())
	}
	return out
}

// count reads an element count and rejects counts that cannot fit in the
// remaining data given the minimum encoded size of one element.
func (d *decoder) count(minSize int) int {
	n := d.u32()
	if d.err != nil {
		return 0
	}
	if uint64(n)*uint64(minSize) > uint64(d.remaining()) {
		d.fail(mismatch(d.field+" element count", fmt.Sprintf("at most %d", d.remaining()/minSize), n))
		return 0
	}
	return int(n)
}

// block reads a u32 size prefix that covers itself and the block body. It
// returns a function that verifies the parsed length and seeks to the end of
// the declared block.
func (d *decoder) block(field string) func() {
	d.field = field
	start := d.off
	size := int(d.u32())
	if d.err == nil && (size < 4 || size > len(d.buf)-start) {
		d.fail(mismatch(field+" size", fmt.Sprintf("4..%d", len(d.buf)-start), size))
	}
	return func() {
		if d.err != nil {
			return
		}
		if read := d.off - start; read > size {
			d.fail(mismatch(field+" size", size, read))
			return
		}
		d.off = start + size
	}
}

// encoder appends little-endian values to a buffer.
type encoder struct {
	bytes.Buffer
}

func (e *encoder) u8(v uint8) { e.WriteByte(v) }

func (e *encoder) u32(v uint32) {
	e.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (e *encoder) u64(v uint64) {
	e.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (e *encoder) guid(g [4]uint32) {
	for _, w := range g {
		e.u32(w)
	}
}

func (e *encoder) fstring(s string) {
	if s == "" {
		e.u32(0)
		return
	}
	if isASCII(s) {
		e.u32(uint32(int32(len(s) + 1)))
		e.WriteString(s)
		e.WriteByte(0)
		return
	}
	enc, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// Invalid UTF-8 is stored byte for byte.
		e.u32(uint32(int32(len(s) + 1)))
		e.WriteString(s)
		e.WriteByte(0)
		return
	}
	e.u32(uint32(-int32(len(enc)/2 + 1)))
	e.Write(enc)
	e.Write([]byte{0, 0})
}

func (e *encoder) fstrings(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.fstring(s)
	}
}

// block writes a size placeholder and returns a function that patches it
// with the final block length.
func (e *encoder) block() func() {
	start := e.Len()
	e.u32(0)
	return func() {
		binary.LittleEndian.PutUint32(e.Bytes()[start:], uint32(e.Len()-start))
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
