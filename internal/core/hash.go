package core

import (
	"encoding/json"
	"hash/fnv"
)

// configHash fingerprints a plugin's raw config blob so reloads can skip
// plugins whose section did not change. The blob is canonicalized through an
// unmarshal/marshal round trip first, making the hash insensitive to key
// order and whitespace; invalid JSON is hashed as-is.
func configHash(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	b := []byte(raw)
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if cb, err := json.Marshal(v); err == nil {
			b = cb
		}
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
