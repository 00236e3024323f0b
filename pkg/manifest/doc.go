// Package manifest reads and writes build manifests.
//
// A [Manifest] describes a versioned file set. Its chunk data list holds one
// [ChunkInfo] per distinct chunk; its file manifest list holds one
// [FileManifest] per destination file, each made of ordered [ChunkPart]s
// that reference chunks by GUID.
//
// # Formats
//
// Manifests arrive in two interchangeable encodings:
//
//   - Binary ([ReadBinary], [EncodeBinary]): a 41-byte header followed by an
//     optionally zlib-compressed body of size-prefixed meta, chunk, file and
//     custom field blocks. Lists are stored column by column.
//   - JSON ([ReadJSON], [EncodeJSON]): numbers and file digests are strings of
//     three-digit decimal byte groups, least significant byte first, and GUIDs
//     are 32 hex characters.
//
// [Parse] picks the reader by looking at the first byte. Both readers compute
// chunk part file offsets and file sizes and reject parts that reference
// unknown chunks.
//
// # Errors
//
// Missing or undecodable required fields return [*MalformedManifestError].
// Digest, size and count disagreements return [*ChecksumMismatchError].
// Unknown JSON keys are not errors; they are listed in Manifest.Unconsumed.
//
// # Chunk Paths
//
// [Manifest.ChunkPath] builds the CDN path of a chunk:
//
//	ChunksV4/07/1A2B3C4D5E6F7081_0123456789ABCDEF0123456789ABCDEF.chunk
//
// The folder depends on the feature level, see [ChunkDir].
package manifest
