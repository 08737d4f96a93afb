package ledger

import (
	"bytes"
	"encoding/json"
)

// MetaPayloadHash is the entry metadata key holding the transaction fingerprint.
const MetaPayloadHash = "payload_hash"

// reservedMetadataKeys are written by the poster itself and never take part in
// the fingerprint.
var reservedMetadataKeys = []string{MetaPayloadHash}

// Metadata is a free-form JSON object attached to transactions and entries.
type Metadata map[string]any

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key string, value any) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

// Without returns a copy of m lacking keys.
func (m Metadata) Without(keys ...string) Metadata {
	out := m.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Text returns the string stored under key, if any.
func (m Metadata) Text(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Canonical serialises m with object keys sorted at every depth. Values are
// normalised through a JSON round trip so that in-memory values and values
// read back from storage serialise identically. An empty or nil map yields {}.
func (m Metadata) Canonical() ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalised any
	if err := dec.Decode(&normalised); err != nil {
		return nil, err
	}
	// encoding/json emits map keys in sorted order, recursively.
	return json.Marshal(normalised)
}

// DecodeMetadata parses a stored JSON object. NULL and empty input decode to
// an empty map.
func DecodeMetadata(raw []byte) (Metadata, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Metadata{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = Metadata{}
	}
	return m, nil
}
