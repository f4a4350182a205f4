// Package canonicalize provides a deterministic, byte-exact serialization of
// tool-argument values — the sole basis for the integrity hash that binds a
// ProposedTool to the args the risk engine evaluated.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"unicode/utf8"
)

// IntegrityError is returned when a value cannot be canonicalized: NaN,
// infinity, cyclic structures, non-string map keys, or a type outside the
// permitted set (null, bool, finite number, string, sequence, mapping).
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("canonicalize: %s", e.Reason)
}

// Canonicalize serializes args into its canonical byte form. Map keys are
// sorted lexicographically by code point, numbers are rendered in shortest
// round-trip decimal form, strings use the minimal JSON escape set with HTML
// escaping disabled, and sequences preserve order.
//
// args is also checked for cyclic structure before the JSON round-trip:
// encoding/json recurses without a depth guard on maps/slices of interface{}
// and a cycle there would otherwise overflow the stack instead of failing
// cleanly with IntegrityError.
func Canonicalize(args any) ([]byte, error) {
	if err := checkCyclic(args, nil); err != nil {
		return nil, err
	}

	// Round-trip through json.Marshal/Decode so struct tags and standard Go
	// types (structs, typed maps/slices) normalize to the permitted value
	// set (nil, bool, json.Number, string, []any, map[string]any) before the
	// recursive canonical encoder runs.
	intermediate, err := json.Marshal(args)
	if err != nil {
		return nil, &IntegrityError{Reason: fmt.Sprintf("pre-marshal failed: %v", err)}
	}

	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, &IntegrityError{Reason: fmt.Sprintf("intermediate decode failed: %v", err)}
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkCyclic walks maps, slices, arrays, and pointers looking for a
// reference-type value that already appears on the current path.
func checkCyclic(v any, path []uintptr) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
	}

	var ptr uintptr
	hasPtr := false
	switch rv.Kind() {
	case reflect.Map:
		ptr = rv.Pointer()
		hasPtr = true
	case reflect.Slice:
		ptr = rv.Pointer()
		hasPtr = true
	case reflect.Ptr:
		ptr = rv.Pointer()
		hasPtr = true
	}

	if hasPtr {
		for _, seen := range path {
			if seen == ptr {
				return &IntegrityError{Reason: "cyclic structure"}
			}
		}
		path = append(path, ptr)
	}

	switch rv.Kind() {
	case reflect.Map:
		for _, key := range rv.MapKeys() {
			if err := checkCyclic(rv.MapIndex(key).Interface(), path); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := checkCyclic(rv.Index(i).Interface(), path); err != nil {
				return err
			}
		}
	case reflect.Ptr, reflect.Interface:
		if !rv.IsNil() {
			return checkCyclic(rv.Elem().Interface(), path)
		}
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Field(i)
			if !f.CanInterface() {
				continue
			}
			if err := checkCyclic(f.Interface(), path); err != nil {
				return err
			}
		}
	}
	return nil
}

// Hash returns the SHA-256 hex digest of canonical bytes (UTF-8).
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// CanonicalizeAndHash is a convenience wrapper used by the Executor and
// RiskGate to derive both the canonical bytes and their hash in one call —
// the RiskGate calls this independently of the Executor to recompute rather
// than trust the proposal's self-reported hash.
func CanonicalizeAndHash(args any) ([]byte, string, error) {
	canonical, err := Canonicalize(args)
	if err != nil {
		return nil, "", err
	}
	return canonical, Hash(canonical), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return &IntegrityError{Reason: "NaN/Infinity not permitted"}
		}
		return encodeNumber(buf, json.Number(fmt.Sprintf("%g", t)))
	case string:
		return encodeString(buf, t)
	case []any:
		return encodeArray(buf, t)
	case map[string]any:
		return encodeObject(buf, t)
	default:
		return &IntegrityError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	f, err := n.Float64()
	if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return &IntegrityError{Reason: "NaN/Infinity not permitted"}
	}
	buf.WriteString(s)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return &IntegrityError{Reason: "string is not valid UTF-8"}
	}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return &IntegrityError{Reason: fmt.Sprintf("string encode failed: %v", err)}
	}
	// json.Encoder.Encode appends a trailing newline; strip it.
	b := buf.Bytes()
	buf.Truncate(len(b) - 1)
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
