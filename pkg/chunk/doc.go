// Package chunk implements chunk identity and the chunk wire format.
//
// A chunk is an independently downloadable, content-addressed unit of file
// data. Chunks are identified by a 128-bit [GUID] and carry a 64-bit rolling
// hash ([Hash]) plus an optional SHA-1 of the decompressed payload.
//
// # Wire Format
//
// All integers are little-endian.
//
//	magic            u32  0xB1FE3AA2
//	header_version   u32
//	header_size      u32
//	compressed_size  u32
//	guid             4 x u32
//	hash             u64
//	stored_as        u8   (0x1 = zlib)
//	sha1             [20] (header_version >= 2)
//	hash_type        u8   (header_version >= 2, 0x1 rolling, 0x2 sha1)
//	uncompressed     u32  (header_version >= 3)
//	payload          compressed_size bytes
//
// Use [Read] to parse a downloaded chunk and [Chunk.Data] to get the
// decompressed payload. [New] and [Chunk.Encode] build chunks, which is mostly
// useful for mirrors and tests.
package chunk
