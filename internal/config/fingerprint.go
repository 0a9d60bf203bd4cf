package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
)

// fingerprint identifies the effective content of a config; formatting and
// comments in the source file do not affect it.
func fingerprint(cfg *Config) ([sha256.Size]byte, bool) {
	if cfg == nil {
		return [sha256.Size]byte{}, false
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return [sha256.Size]byte{}, false
	}
	return sha256.Sum256(b), true
}

// sameJSON compares two raw JSON documents after re-encoding, so key order
// and whitespace do not count as changes. Invalid JSON compares bytewise.
func sameJSON(a, b json.RawMessage) bool {
	ca, okA := canonicalJSON(a)
	cb, okB := canonicalJSON(b)
	if !okA || !okB {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca, cb)
}

func canonicalJSON(raw json.RawMessage) ([]byte, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	b, err := json.Marshal(v)
	return b, err == nil
}
