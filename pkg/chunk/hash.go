package chunk

import (
	"hash/crc64"
	"math/bits"
	"sync"
)

// hashTable is the CRC-64 table for polynomial 0xC96C5795D7870F42, built once
// on first use and read-only afterwards.
var hashTable = sync.OnceValue(func() *crc64.Table {
	return crc64.MakeTable(crc64.ECMA)
})

// Hash returns the rolling hash of data.
//
// For every byte the accumulator is rotated left by one bit and XORed with
// the table entry for that byte. Hash(nil) is 0.
func Hash(data []byte) uint64 {
	t := hashTable()
	var h uint64
	for _, b := range data {
		h = bits.RotateLeft64(h, 1) ^ t[b]
	}
	return h
}
