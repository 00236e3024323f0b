package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/ligustah/vaultfetch/pkg/chunk"
)

func fixture(t *testing.T) *Manifest {
	t.Helper()
	g1 := chunk.GUID{0x11111111, 0x22222222, 0x33333333, 0x44444444}
	g2 := chunk.GUID{0xAAAAAAAA, 0xBBBBBBBB, 0xCCCCCCCC, 0xDDDDDDDD}
	m := &Manifest{
		Version: 18,
		Meta: Meta{
			FeatureLevel:  18,
			AppID:         7,
			AppName:       "Démo ✓",
			BuildVersion:  "1.2.3-CL-42",
			LaunchExe:     "Bin/Demo",
			LaunchCommand: "-nosplash",
			PrereqIDs:     []string{"vcredist"},
			PrereqName:    "Runtime",
		},
		ChunkDataList: ChunkDataList{Elements: []ChunkInfo{
			{GUID: g1, Hash: 0x1A2B3C4D5E6F7081, SHAHash: sha1.Sum([]byte("one")), GroupNum: 7, WindowSize: chunk.DefaultWindowSize, FileSize: 1200},
			{GUID: g2, Hash: 0xFFFFFFFFFFFFFFFF, SHAHash: sha1.Sum([]byte("two")), GroupNum: 99, WindowSize: chunk.DefaultWindowSize, FileSize: 64},
		}},
		FileManifestList: FileManifestList{Elements: []FileManifest{
			{
				Filename: "Bin/Demo",
				Hash:     sha1.Sum([]byte("demo")),
				Flags:    FlagExecutable,
				ChunkParts: []ChunkPart{
					{GUID: g1, Offset: 0, Size: 100},
					{GUID: g2, Offset: 10, Size: 50},
					{GUID: g1, Offset: 100, Size: 25},
				},
			},
			{
				Filename:    "Content/extra.pak",
				Hash:        sha1.Sum([]byte("extra")),
				Flags:       FlagReadOnly,
				InstallTags: []string{"extras"},
				ChunkParts:  []ChunkPart{{GUID: g2, Offset: 0, Size: 10}},
			},
			{Filename: "empty.ini", Hash: sha1.Sum(nil)},
		}},
		CustomFields: CustomFields{{Key: "CloudSaveFolder", Value: "saves"}, {Key: "Alpha", Value: "ü"}},
	}
	if err := m.link(); err != nil {
		t.Fatalf("link fixture: %v", err)
	}
	return m
}

func TestBinaryRoundTrip(t *testing.T) {
	for _, storedAs := range []uint8{0, StoredCompressed} {
		t.Run(fmt.Sprintf("stored_as=%d", storedAs), func(t *testing.T) {
			m := fixture(t)
			m.StoredAs = storedAs

			data, err := EncodeBinary(m)
			if err != nil {
				t.Fatalf("EncodeBinary failed: %v", err)
			}
			got, err := ReadBinary(data)
			if err != nil {
				t.Fatalf("ReadBinary failed: %v", err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Errorf("round trip mismatch:\nexpected %+v\ngot      %+v", m, got)
			}
		})
	}
}

func TestBinaryRoundTripVersionedFields(t *testing.T) {
	m := fixture(t)
	m.Meta.DataVersion = 2
	m.Meta.BuildID = "explicit-build"
	m.Meta.UninstallActionPath = "uninstall.exe"
	m.Meta.UninstallActionArgs = "/quiet"
	m.FileManifestList.Version = 2
	for i := range m.FileManifestList.Elements {
		f := &m.FileManifestList.Elements[i]
		f.MimeType = "application/octet-stream"
		f.HashSHA256 = bytes.Repeat([]byte{byte(i + 1)}, 32)
	}
	m.FileManifestList.Elements[0].HashMD5 = bytes.Repeat([]byte{0xAB}, 16)

	data, err := EncodeBinary(m)
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}
	got, err := ReadBinary(data)
	if err != nil {
		t.Fatalf("ReadBinary failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\nexpected %+v\ngot      %+v", m, got)
	}
}

func TestJSONMatchesBinary(t *testing.T) {
	m := fixture(t)

	js, err := EncodeJSON(m)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	bin, err := EncodeBinary(m)
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}

	fromJSON, err := Parse(js)
	if err != nil {
		t.Fatalf("Parse(json) failed: %v", err)
	}
	fromBinary, err := Parse(bin)
	if err != nil {
		t.Fatalf("Parse(binary) failed: %v", err)
	}
	if len(fromJSON.Unconsumed) != 0 {
		t.Errorf("expected no unconsumed keys, got %v", fromJSON.Unconsumed)
	}
	if !reflect.DeepEqual(fromJSON, fromBinary) {
		t.Errorf("json and binary readers disagree:\njson   %+v\nbinary %+v", fromJSON, fromBinary)
	}
}

func TestReadJSON(t *testing.T) {
	const guid = "0000000100000002000000030000000A"
	doc := fmt.Sprintf(`{
		"ManifestFileVersion": "013000000000",
		"bIsFileData": false,
		"AppID": "001000000000",
		"AppNameString": "Demo",
		"BuildVersionString": "1.0",
		"LaunchExeString": "Demo.exe",
		"FileManifestList": [
			{
				"Filename": "a.txt",
				"FileHash": %q,
				"bIsUnixExecutable": true,
				"InstallTags": ["core"],
				"FileChunkParts": [
					{"Guid": %q, "Offset": "000000000000", "Size": "004000000000"},
					{"Guid": %q, "Offset": "004000000000", "Size": "006000000000"}
				],
				"SomethingNew": 1
			}
		],
		"ChunkHashList": {%q: "255000000000000000000000"},
		"ChunkShaList": {%q: "0102030405060708090A0B0C0D0E0F1011121314"},
		"DataGroupList": {%q: "007"},
		"ChunkFilesizeList": {%q: "100000000000000000000000"},
		"CustomFields": {"CloudSaveFolder": "saves", "Alpha": "1"},
		"FutureKey": {}
	}`, strings.Repeat("001", 20), guid, guid, guid, guid, guid, guid)

	m, err := ReadJSON([]byte(doc))
	if err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}

	if m.Version != 13 || m.Meta.FeatureLevel != 13 {
		t.Errorf("expected version 13, got %d/%d", m.Version, m.Meta.FeatureLevel)
	}
	if m.Meta.AppID != 1 {
		t.Errorf("expected app id 1, got %d", m.Meta.AppID)
	}
	if m.Meta.BuildID == "" {
		t.Error("expected derived build id")
	}

	if len(m.ChunkDataList.Elements) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(m.ChunkDataList.Elements))
	}
	c := m.ChunkDataList.Elements[0]
	if c.GUID != (chunk.GUID{1, 2, 3, 10}) {
		t.Errorf("unexpected guid %v", c.GUID)
	}
	if c.Hash != 255 || c.FileSize != 100 || c.GroupNum != 7 || c.WindowSize != chunk.DefaultWindowSize {
		t.Errorf("unexpected chunk info %+v", c)
	}
	for i, b := range c.SHAHash {
		if b != byte(i+1) {
			t.Fatalf("sha byte %d: expected %d, got %d", i, i+1, b)
		}
	}

	f := m.FileManifestList.Elements[0]
	if !f.Executable() || f.ReadOnly() {
		t.Errorf("unexpected flags %#x", f.Flags)
	}
	if f.FileSize != 10 {
		t.Errorf("expected file size 10, got %d", f.FileSize)
	}
	if f.ChunkParts[1].FileOffset != 4 || f.ChunkParts[1].Offset != 4 {
		t.Errorf("unexpected second part %+v", f.ChunkParts[1])
	}
	if f.Hash != [20]byte(bytes.Repeat([]byte{1}, 20)) {
		t.Errorf("unexpected file hash %x", f.Hash)
	}
	if !reflect.DeepEqual(f.InstallTags, []string{"core"}) {
		t.Errorf("unexpected install tags %v", f.InstallTags)
	}

	wantFields := CustomFields{{Key: "CloudSaveFolder", Value: "saves"}, {Key: "Alpha", Value: "1"}}
	if !reflect.DeepEqual(m.CustomFields, wantFields) {
		t.Errorf("expected custom fields %v, got %v", wantFields, m.CustomFields)
	}

	wantUnconsumed := []string{"FileManifestList[0].SomethingNew", "FutureKey"}
	if !reflect.DeepEqual(m.Unconsumed, wantUnconsumed) {
		t.Errorf("expected unconsumed %v, got %v", wantUnconsumed, m.Unconsumed)
	}
}

func TestReadJSONErrors(t *testing.T) {
	const guid = "0000000100000002000000030000000A"
	base := func(fileHash, sha, group, partGUID string) string {
		return fmt.Sprintf(`{
			"FileManifestList": [{"Filename": "a", %s "FileChunkParts": [{"Guid": %q, "Offset": "000", "Size": "001"}]}],
			"ChunkHashList": {%q: "001"},
			"ChunkShaList": {%q: %q},
			"DataGroupList": {%q: %q},
			"ChunkFilesizeList": {%q: "001"}
		}`, fileHash, partGUID, guid, guid, sha, guid, group, guid)
	}
	goodHash := fmt.Sprintf(`"FileHash": %q,`, strings.Repeat("000", 20))
	goodSHA := strings.Repeat("00", 20)

	if _, err := ReadJSON([]byte(base(goodHash, goodSHA, "001", guid))); err != nil {
		t.Fatalf("baseline document failed: %v", err)
	}

	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"missing file hash", base("", goodSHA, "001", guid), nil},
		{"short file hash", base(fmt.Sprintf(`"FileHash": %q,`, strings.Repeat("000", 19)), goodSHA, "001", guid), nil},
		{"short chunk sha", base(goodHash, strings.Repeat("00", 19), "001", guid), nil},
		{"group out of range", base(goodHash, goodSHA, "256", guid), nil},
		{"non-digit blob", base(goodHash, goodSHA, "0x1", guid), nil},
		{"blob length", base(goodHash, goodSHA, "0001", guid), nil},
		{"unknown chunk", base(goodHash, goodSHA, "001", "0000000F00000002000000030000000A"), ErrUnknownChunk},
		{"not an object", `[1, 2]`, nil},
		{"missing chunk list", `{"FileManifestList": []}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadJSON([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !IsMalformed(err) {
				t.Errorf("expected MalformedManifestError, got %T: %v", err, err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReadJSONWithoutDataGroups(t *testing.T) {
	const guid = "0000000100000002000000030000000A"
	doc := fmt.Sprintf(`{
		"FileManifestList": [],
		"ChunkHashList": {%q: "001"},
		"ChunkShaList": {%q: %q},
		"ChunkFilesizeList": {%q: "001"}
	}`, guid, guid, strings.Repeat("00", 20), guid)

	m, err := ReadJSON([]byte(doc))
	if err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	g := chunk.GUID{1, 2, 3, 10}
	if got, want := m.ChunkDataList.Elements[0].GroupNum, defaultGroupNum(g); got != want {
		t.Errorf("expected derived group %d, got %d", want, got)
	}
	if want := uint8(99); defaultGroupNum(g) > want {
		t.Errorf("derived group must be below 100, got %d", defaultGroupNum(g))
	}
}

func TestReadBinaryErrors(t *testing.T) {
	m := fixture(t)
	data, err := EncodeBinary(m)
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}

	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[0] = 0
		if _, err := ReadBinary(bad); !errors.Is(err, ErrBadMagic) {
			t.Errorf("expected ErrBadMagic, got %v", err)
		}
	})

	t.Run("body digest", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[len(bad)-1] ^= 0xFF
		if _, err := ReadBinary(bad); !IsChecksumMismatch(err) {
			t.Errorf("expected ChecksumMismatchError, got %v", err)
		}
	})

	t.Run("short header", func(t *testing.T) {
		if _, err := ReadBinary(data[:10]); !IsMalformed(err) {
			t.Errorf("expected MalformedManifestError, got %v", err)
		}
	})

	// Every truncation of the body must fail, except a cut right before the
	// optional custom fields block.
	body := data[headerSize:]
	cf := &encoder{}
	writeCustomFields(cf, m.CustomFields)
	cfStart := len(body) - cf.Len()
	for n := 0; n < len(body); n++ {
		if n == cfStart {
			continue
		}
		truncated := *m
		raw := rebuild(t, body[:n], &truncated)
		if _, err := ReadBinary(raw); err == nil {
			t.Fatalf("expected error for body truncated to %d of %d bytes", n, len(body))
		}
	}
}

func TestReadBinaryHugeCount(t *testing.T) {
	e := &encoder{}
	writeMeta(e, &Meta{})
	end := e.block()
	e.u8(0)
	e.u32(0xFFFFFFFF)
	end()

	_, err := ReadBinary(rebuild(t, e.Bytes(), &Manifest{}))
	if !IsChecksumMismatch(err) {
		t.Errorf("expected ChecksumMismatchError for impossible count, got %v", err)
	}
}

// rebuild wraps body in a valid uncompressed header.
func rebuild(t *testing.T, body []byte, m *Manifest) []byte {
	t.Helper()
	digest := sha1.Sum(body)
	out := &encoder{}
	out.u32(HeaderMagic)
	out.u32(headerSize)
	out.u32(uint32(len(body)))
	out.u32(uint32(len(body)))
	out.Write(digest[:])
	out.u8(0)
	out.u32(m.Version)
	out.Write(body)
	return out.Bytes()
}

func TestFileOffsetsContiguous(t *testing.T) {
	data, err := EncodeBinary(fixture(t))
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}
	m, err := ReadBinary(data)
	if err != nil {
		t.Fatalf("ReadBinary failed: %v", err)
	}
	for _, f := range m.FileManifestList.Elements {
		var next int64
		for i, p := range f.ChunkParts {
			if p.FileOffset != next {
				t.Errorf("%s part %d: expected file offset %d, got %d", f.Filename, i, next, p.FileOffset)
			}
			next += int64(p.Size)
		}
		if next != f.FileSize {
			t.Errorf("%s: expected file size %d, got %d", f.Filename, next, f.FileSize)
		}
	}
}

func TestFString(t *testing.T) {
	for _, s := range []string{"", "ascii", "naïve", "日本語", "emoji 🎮"} {
		e := &encoder{}
		e.fstring(s)
		d := &decoder{buf: e.Bytes()}
		if got := d.fstring(); got != s || d.err != nil {
			t.Errorf("expected %q, got %q (err %v)", s, got, d.err)
		}
		if d.remaining() != 0 {
			t.Errorf("%q: %d bytes left over", s, d.remaining())
		}
	}

	e := &encoder{}
	e.fstring("abc")
	if want := []byte{4, 0, 0, 0, 'a', 'b', 'c', 0}; !bytes.Equal(e.Bytes(), want) {
		t.Errorf("expected %v, got %v", want, e.Bytes())
	}
	e.Reset()
	e.fstring("é")
	if want := []byte{0xFE, 0xFF, 0xFF, 0xFF, 0xE9, 0x00, 0x00, 0x00}; !bytes.Equal(e.Bytes(), want) {
		t.Errorf("expected %v, got %v", want, e.Bytes())
	}
}

func TestBlob(t *testing.T) {
	v, err := decodeBlobUint("000012034", 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint64(12<<8 | 34<<16); v != want {
		t.Errorf("expected %d, got %d", want, v)
	}

	if v, _ := decodeBlobUint(defaultManifestVersion, 32); v != 13 {
		t.Errorf("expected 13, got %d", v)
	}
	if got := encodeBlobUint(13, 4); got != defaultManifestVersion {
		t.Errorf("expected %q, got %q", defaultManifestVersion, got)
	}
	if _, err := decodeBlobUint("000000000000000000000000001", 64); err == nil {
		t.Error("expected overflow error for nine significant bytes")
	}
	if v, err := decodeBlobUint("001000000000000000000000000000", 64); err != nil || v != 1 {
		t.Errorf("expected zero high groups to be accepted, got %d, %v", v, err)
	}
	if _, err := decodeBlobUint("000001", 8); err == nil {
		t.Error("expected error for value wider than 8 bits")
	}
}

func TestChunkPath(t *testing.T) {
	m := fixture(t)
	c := &m.ChunkDataList.Elements[0]
	want := "ChunksV4/07/1A2B3C4D5E6F7081_11111111222222223333333344444444.chunk"
	if got := m.ChunkPath(c); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if got := m.ChunkURL("https://cdn.example.com/Builds/x/", c); got != "https://cdn.example.com/Builds/x/"+want {
		t.Errorf("unexpected url %q", got)
	}

	dirs := map[uint32]string{0: "Chunks", 2: "Chunks", 3: "ChunksV2", 5: "ChunksV2", 6: "ChunksV3", 14: "ChunksV3", 15: "ChunksV4", 21: "ChunksV4"}
	for level, want := range dirs {
		if got := ChunkDir(level); got != want {
			t.Errorf("level %d: expected %q, got %q", level, want, got)
		}
	}
}

func TestFilterByTags(t *testing.T) {
	m := fixture(t)
	names := func(files []*FileManifest) []string {
		var out []string
		for _, f := range files {
			out = append(out, f.Filename)
		}
		return out
	}

	if got := names(m.FilterByTags(nil)); len(got) != 3 {
		t.Errorf("expected all files, got %v", got)
	}
	if got, want := names(m.FilterByTags([]string{})), []string{"Bin/Demo", "empty.ini"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := names(m.FilterByTags([]string{"extras"})); len(got) != 3 {
		t.Errorf("expected tagged file to be selected, got %v", got)
	}
}

func TestCompare(t *testing.T) {
	old := fixture(t)
	m := fixture(t)
	m.FileManifestList.Elements[0].Hash = sha1.Sum([]byte("demo v2"))
	m.FileManifestList.Elements = append(m.FileManifestList.Elements[:2], FileManifest{Filename: "new.txt"})

	c := Compare(m, old)
	if !reflect.DeepEqual(c.Added, []string{"new.txt"}) {
		t.Errorf("unexpected added %v", c.Added)
	}
	if !reflect.DeepEqual(c.Removed, []string{"empty.ini"}) {
		t.Errorf("unexpected removed %v", c.Removed)
	}
	if !reflect.DeepEqual(c.Changed, []string{"Bin/Demo"}) {
		t.Errorf("unexpected changed %v", c.Changed)
	}
	if !reflect.DeepEqual(c.Unchanged, []string{"Content/extra.pak"}) {
		t.Errorf("unexpected unchanged %v", c.Unchanged)
	}

	if got := Compare(m, nil); len(got.Added) != 3 {
		t.Errorf("expected all files added without an old manifest, got %v", got.Added)
	}
}

func TestDuplicateChunk(t *testing.T) {
	m := fixture(t)
	m.ChunkDataList.Elements = append(m.ChunkDataList.Elements, m.ChunkDataList.Elements[0])
	data, err := EncodeBinary(m)
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}
	if _, err := ReadBinary(data); !errors.Is(err, ErrDuplicateChunk) {
		t.Errorf("expected ErrDuplicateChunk, got %v", err)
	}
}

func TestReadBinaryBodyLimit(t *testing.T) {
	m := fixture(t)
	m.StoredAs = StoredCompressed
	data, err := EncodeBinary(m)
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}

	t.Run("declared size over limit", func(t *testing.T) {
		bad := bytes.Clone(data)
		binary.LittleEndian.PutUint32(bad[8:], 0xFFFFFFF0)
		if _, err := ReadBinary(bad); !IsMalformed(err) {
			t.Errorf("expected MalformedManifestError, got %v", err)
		}
	})

	t.Run("body longer than declared", func(t *testing.T) {
		bad := bytes.Clone(data)
		binary.LittleEndian.PutUint32(bad[8:], 10)
		if _, err := ReadBinary(bad); !IsChecksumMismatch(err) {
			t.Errorf("expected ChecksumMismatchError, got %v", err)
		}
	})

	if _, err := ReadBinary(data); err != nil {
		t.Errorf("unmodified compressed manifest should parse, got %v", err)
	}
}

func TestReadJSONNullCustomFields(t *testing.T) {
	js, err := EncodeJSON(fixture(t))
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(js, &top); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	top["CustomFields"] = json.RawMessage("null")
	js, err = json.Marshal(top)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	m, err := ReadJSON(js)
	if err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if len(m.CustomFields) != 0 {
		t.Errorf("expected no custom fields, got %v", m.CustomFields)
	}
	for _, k := range m.Unconsumed {
		if k == "CustomFields" {
			t.Errorf("expected null CustomFields to count as consumed")
		}
	}
}
