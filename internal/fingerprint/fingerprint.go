// Package fingerprint canonicalizes tool invocations into stable cache keys.
// All functions are pure and deterministic: the same (tool, action,
// parameters) always produces the same key regardless of map iteration order.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"strconv"
)

// Version prefix on every fingerprint. Bump when the canonical encoding
// changes so old cache rows read as misses instead of stale hits.
const v1Prefix = "v1:"

// Compute produces a versioned SHA-256 hex digest over the canonical
// serialization of a tool invocation. Parameters are encoded with keys
// sorted lexicographically at every nesting level, and each field is
// length-prefixed so freeform values cannot collide across field boundaries.
func Compute(toolID, action string, params map[string]any) (string, error) {
	h := sha256.New()
	writeField(h, toolID)
	writeField(h, action)
	if err := writeValue(h, params); err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return v1Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// writeField encodes s as a 4-byte big-endian length prefix followed by the
// field bytes.
func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// writeValue encodes a parameter value canonically. Maps are walked in
// sorted key order; slices in element order; primitives via a type tag plus
// a normalized string form. JSON numbers and Go float64s normalize to the
// same representation so a decoded request fingerprints identically to the
// literal that produced it.
func writeValue(h hash.Hash, v any) error {
	switch val := v.(type) {
	case nil:
		writeField(h, "z")
	case bool:
		writeField(h, "b"+strconv.FormatBool(val))
	case string:
		writeField(h, "s")
		writeField(h, val)
	case float64:
		writeField(h, "n"+strconv.FormatFloat(val, 'g', -1, 64))
	case int:
		writeField(h, "n"+strconv.FormatFloat(float64(val), 'g', -1, 64))
	case int64:
		writeField(h, "n"+strconv.FormatFloat(float64(val), 'g', -1, 64))
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		writeField(h, "n"+strconv.FormatFloat(f, 'g', -1, 64))
	case map[string]any:
		writeField(h, "m"+strconv.Itoa(len(val)))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(h, k)
			if err := writeValue(h, val[k]); err != nil {
				return err
			}
		}
	case []any:
		writeField(h, "a"+strconv.Itoa(len(val)))
		for _, elem := range val {
			if err := writeValue(h, elem); err != nil {
				return err
			}
		}
	default:
		// Uncommon parameter types (structs, typed slices) fall back to
		// their JSON form. Deterministic for any fixed Go type.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("unsupported parameter type %T: %w", v, err)
		}
		writeField(h, "j")
		writeField(h, string(raw))
	}
	return nil
}
