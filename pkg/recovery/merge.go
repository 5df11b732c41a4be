package recovery

import (
	"encoding/json"
	"fmt"
)

// CanonicalKey keys a chunk by its JSON encoding. encoding/json sorts map keys,
// so structurally equal values share a key.
func CanonicalKey[C any](c C) string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%#v", c)
	}
	return string(b)
}

// MergeChunks returns existing followed by the incoming chunks whose key has
// not been seen yet, in delivery order. A nil keyFn uses CanonicalKey.
// Merging the same incoming set twice is a no-op.
func MergeChunks[C any](existing, incoming []C, keyFn func(C) string) []C {
	if keyFn == nil {
		keyFn = CanonicalKey[C]
	}

	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]C, 0, len(existing)+len(incoming))
	for _, c := range existing {
		seen[keyFn(c)] = struct{}{}
		out = append(out, c)
	}
	for _, c := range incoming {
		k := keyFn(c)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
