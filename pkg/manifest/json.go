package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ligustah/vaultfetch/pkg/chunk"
)

const (
	defaultManifestVersion = "013000000000"
	defaultAppID           = "000000000000"
)

// object is a decoded JSON object whose members are removed as they are
// consumed, so whatever is left at the end is unknown input.
type object map[string]json.RawMessage

type member struct {
	Key   string
	Value json.RawMessage
}

// members returns the members of a JSON object in document order.
func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func members(raw json.RawMessage) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected object")
	}
	var out []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, member{Key: key, Value: v})
	}
	return out, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// jsonReader consumes typed values out of objects. The first error sticks.
type jsonReader struct {
	err        error
	unconsumed []string
}

func (r *jsonReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *jsonReader) object(raw json.RawMessage, path string) object {
	if r.err != nil {
		return nil
	}
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		r.fail(malformedErr(path, err))
		return nil
	}
	if o == nil {
		o = object{}
	}
	return o
}

func (r *jsonReader) take(o object, path, key string, required bool) (json.RawMessage, bool) {
	if r.err != nil {
		return nil, false
	}
	raw, ok := o[key]
	if !ok {
		if required {
			r.fail(malformed(join(path, key), "required field is missing"))
		}
		return nil, false
	}
	delete(o, key)
	return raw, true
}

func (r *jsonReader) decode(raw json.RawMessage, field string, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		r.fail(malformedErr(field, err))
	}
}

func (r *jsonReader) str(o object, path, key string, required bool) string {
	raw, ok := r.take(o, path, key, required)
	if !ok {
		return ""
	}
	var s string
	r.decode(raw, join(path, key), &s)
	return s
}

func (r *jsonReader) boolean(o object, path, key string) bool {
	raw, ok := r.take(o, path, key, false)
	if !ok {
		return false
	}
	var b bool
	r.decode(raw, join(path, key), &b)
	return b
}

func (r *jsonReader) strings(o object, path, key string) []string {
	raw, ok := r.take(o, path, key, false)
	if !ok {
		return nil
	}
	var ss []string
	r.decode(raw, join(path, key), &ss)
	if len(ss) == 0 {
		return nil
	}
	return ss
}

// blobUint reads a blob-encoded number. An empty def makes the field required.
func (r *jsonReader) blobUint(o object, path, key, def string, bits int) uint64 {
	s := def
	if raw, ok := r.take(o, path, key, def == ""); ok {
		r.decode(raw, join(path, key), &s)
	}
	if r.err != nil {
		return 0
	}
	v, err := decodeBlobUint(s, bits)
	if err != nil {
		r.fail(malformedErr(join(path, key), err))
	}
	return v
}

func (r *jsonReader) leftovers(o object, path string) {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, join(path, k))
	}
	slices.Sort(keys)
	r.unconsumed = append(r.unconsumed, keys...)
}

// ReadJSON parses a JSON manifest. Unknown keys do not fail the read; they
// are listed in Manifest.Unconsumed.
func ReadJSON(data []byte) (*Manifest, error) {
	r := &jsonReader{}
	top := r.object(data, "")
	if r.err != nil {
		return nil, r.err
	}

	m := &Manifest{}
	m.Version = uint32(r.blobUint(top, "", "ManifestFileVersion", defaultManifestVersion, 32))
	m.Meta.FeatureLevel = m.Version
	m.Meta.IsFileData = r.boolean(top, "", "bIsFileData")
	m.Meta.AppID = uint32(r.blobUint(top, "", "AppID", defaultAppID, 32))
	m.Meta.AppName = r.str(top, "", "AppNameString", false)
	m.Meta.BuildVersion = r.str(top, "", "BuildVersionString", false)
	m.Meta.LaunchExe = r.str(top, "", "LaunchExeString", false)
	m.Meta.LaunchCommand = r.str(top, "", "LaunchCommand", false)
	m.Meta.PrereqIDs = r.strings(top, "", "PrereqIds")
	m.Meta.PrereqName = r.str(top, "", "PrereqName", false)
	m.Meta.PrereqPath = r.str(top, "", "PrereqPath", false)
	m.Meta.PrereqArgs = r.str(top, "", "PrereqArgs", false)

	r.readChunkLists(top, m)
	r.readFiles(top, m)

	if raw, ok := r.take(top, "", "CustomFields", false); ok && !isNull(raw) {
		fields, err := members(raw)
		if err != nil {
			r.fail(malformedErr("CustomFields", err))
		}
		for _, f := range fields {
			var v string
			if json.Unmarshal(f.Value, &v) != nil {
				v = string(f.Value)
			}
			m.CustomFields.Set(f.Key, v)
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	r.leftovers(top, "")
	m.Unconsumed = r.unconsumed
	if err := m.link(); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *jsonReader) readChunkLists(top object, m *Manifest) {
	sizesRaw, _ := r.take(top, "", "ChunkFilesizeList", true)
	hashesRaw, _ := r.take(top, "", "ChunkHashList", true)
	shasRaw, _ := r.take(top, "", "ChunkShaList", true)
	groupsRaw, hasGroups := r.take(top, "", "DataGroupList", false)
	if r.err != nil {
		return
	}

	order, err := members(sizesRaw)
	if err != nil {
		r.fail(malformedErr("ChunkFilesizeList", err))
		return
	}
	sizes := r.object(sizesRaw, "ChunkFilesizeList")
	hashes := r.object(hashesRaw, "ChunkHashList")
	shas := r.object(shasRaw, "ChunkShaList")
	var groups object
	if hasGroups {
		groups = r.object(groupsRaw, "DataGroupList")
	}

	for _, mem := range order {
		if r.err != nil {
			return
		}
		key := mem.Key
		if _, ok := sizes[key]; !ok {
			continue // duplicate key
		}
		guid, err := chunk.ParseGUID(key)
		if err != nil {
			r.fail(malformedErr(join("ChunkFilesizeList", key), err))
			return
		}
		ci := ChunkInfo{GUID: guid, WindowSize: chunk.DefaultWindowSize}
		ci.FileSize = int64(r.blobUint(sizes, "ChunkFilesizeList", key, "", 63))
		ci.Hash = r.blobUint(hashes, "ChunkHashList", key, "", 64)
		sha, err := hex.DecodeString(r.str(shas, "ChunkShaList", key, true))
		switch {
		case r.err != nil:
			return
		case err != nil:
			r.fail(malformedErr(join("ChunkShaList", key), err))
			return
		case len(sha) != len(ci.SHAHash):
			r.fail(malformed(join("ChunkShaList", key), "sha1 is %d bytes, want %d", len(sha), len(ci.SHAHash)))
			return
		}
		copy(ci.SHAHash[:], sha)
		if hasGroups {
			ci.GroupNum = uint8(r.blobUint(groups, "DataGroupList", key, "", 8))
		} else {
			ci.GroupNum = defaultGroupNum(guid)
		}
		m.ChunkDataList.Elements = append(m.ChunkDataList.Elements, ci)
	}

	r.leftovers(hashes, "ChunkHashList")
	r.leftovers(shas, "ChunkShaList")
	r.leftovers(groups, "DataGroupList")
}

func (r *jsonReader) readFiles(top object, m *Manifest) {
	raw, ok := r.take(top, "", "FileManifestList", true)
	if !ok {
		return
	}
	var entries []json.RawMessage
	r.decode(raw, "FileManifestList", &entries)

	for i, entry := range entries {
		if r.err != nil {
			return
		}
		path := fmt.Sprintf("FileManifestList[%d]", i)
		o := r.object(entry, path)

		var f FileManifest
		f.Filename = r.str(o, path, "Filename", true)
		if raw, ok := r.take(o, path, "FileHash", true); ok {
			var s string
			r.decode(raw, join(path, "FileHash"), &s)
			digest, err := decodeBlob(s)
			switch {
			case r.err != nil:
			case err != nil:
				r.fail(malformedErr(join(path, "FileHash"), err))
			case len(digest) != len(f.Hash):
				r.fail(malformed(join(path, "FileHash"), "sha1 is %d bytes, want %d", len(digest), len(f.Hash)))
			default:
				copy(f.Hash[:], digest)
			}
		}
		if r.boolean(o, path, "bIsReadOnly") {
			f.Flags |= FlagReadOnly
		}
		if r.boolean(o, path, "bIsCompressed") {
			f.Flags |= FlagCompressed
		}
		if r.boolean(o, path, "bIsUnixExecutable") {
			f.Flags |= FlagExecutable
		}
		f.InstallTags = r.strings(o, path, "InstallTags")

		if raw, ok := r.take(o, path, "FileChunkParts", true); ok {
			var parts []json.RawMessage
			r.decode(raw, join(path, "FileChunkParts"), &parts)
			for j, praw := range parts {
				ppath := fmt.Sprintf("%s.FileChunkParts[%d]", path, j)
				po := r.object(praw, ppath)
				guid, err := chunk.ParseGUID(r.str(po, ppath, "Guid", true))
				if r.err != nil {
					return
				}
				if err != nil {
					r.fail(malformedErr(join(ppath, "Guid"), err))
					return
				}
				p := ChunkPart{GUID: guid}
				p.Offset = uint32(r.blobUint(po, ppath, "Offset", "", 32))
				p.Size = uint32(r.blobUint(po, ppath, "Size", "", 32))
				r.leftovers(po, ppath)
				f.ChunkParts = append(f.ChunkParts, p)
			}
		}
		r.leftovers(o, path)
		m.FileManifestList.Elements = append(m.FileManifestList.Elements, f)
	}
}

// orderedObject marshals its members in slice order.
type orderedObject []jsonMember

type jsonMember struct {
	Key   string
	Value any
}

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, mem := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(mem.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(mem.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EncodeJSON serializes m in the JSON format. Fields the JSON format cannot
// carry (build id, uninstall actions, md5 and sha256 digests) are dropped.
func EncodeJSON(m *Manifest) ([]byte, error) {
	sizes := orderedObject{}
	hashes := orderedObject{}
	shas := orderedObject{}
	groups := orderedObject{}
	for _, c := range m.ChunkDataList.Elements {
		key := c.GUID.Hex()
		sizes = append(sizes, jsonMember{key, encodeBlobUint(uint64(c.FileSize), 8)})
		hashes = append(hashes, jsonMember{key, encodeBlobUint(c.Hash, 8)})
		shas = append(shas, jsonMember{key, fmt.Sprintf("%X", c.SHAHash[:])})
		groups = append(groups, jsonMember{key, encodeBlobUint(uint64(c.GroupNum), 4)})
	}

	files := make([]orderedObject, 0, len(m.FileManifestList.Elements))
	for _, f := range m.FileManifestList.Elements {
		parts := make([]orderedObject, 0, len(f.ChunkParts))
		for _, p := range f.ChunkParts {
			parts = append(parts, orderedObject{
				{"Guid", p.GUID.Hex()},
				{"Offset", encodeBlobUint(uint64(p.Offset), 4)},
				{"Size", encodeBlobUint(uint64(p.Size), 4)},
			})
		}
		entry := orderedObject{
			{"Filename", f.Filename},
			{"FileHash", encodeBlob(f.Hash[:])},
		}
		if f.ReadOnly() {
			entry = append(entry, jsonMember{"bIsReadOnly", true})
		}
		if f.Compressed() {
			entry = append(entry, jsonMember{"bIsCompressed", true})
		}
		if f.Executable() {
			entry = append(entry, jsonMember{"bIsUnixExecutable", true})
		}
		if len(f.InstallTags) > 0 {
			entry = append(entry, jsonMember{"InstallTags", f.InstallTags})
		}
		entry = append(entry, jsonMember{"FileChunkParts", parts})
		files = append(files, entry)
	}

	custom := orderedObject{}
	for _, f := range m.CustomFields {
		custom = append(custom, jsonMember{f.Key, f.Value})
	}

	prereqs := m.Meta.PrereqIDs
	if prereqs == nil {
		prereqs = []string{}
	}
	doc := orderedObject{
		{"ManifestFileVersion", encodeBlobUint(uint64(m.Version), 4)},
		{"bIsFileData", m.Meta.IsFileData},
		{"AppID", encodeBlobUint(uint64(m.Meta.AppID), 4)},
		{"AppNameString", m.Meta.AppName},
		{"BuildVersionString", m.Meta.BuildVersion},
		{"LaunchExeString", m.Meta.LaunchExe},
		{"LaunchCommand", m.Meta.LaunchCommand},
		{"PrereqIds", prereqs},
		{"PrereqName", m.Meta.PrereqName},
		{"PrereqPath", m.Meta.PrereqPath},
		{"PrereqArgs", m.Meta.PrereqArgs},
		{"FileManifestList", files},
		{"ChunkHashList", hashes},
		{"ChunkShaList", shas},
		{"DataGroupList", groups},
		{"ChunkFilesizeList", sizes},
		{"CustomFields", custom},
	}
	return json.MarshalIndent(doc, "", "\t")
}
