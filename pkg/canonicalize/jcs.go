// Package canonicalize implements the deterministic JSON serialization used
// as the hash and signature preimage for every artifact in the kernel
// (§4.1). It follows the RFC 8785 JSON Canonicalization Scheme shape: sorted
// object keys, no HTML escaping, minimal string escapes, and an unambiguous
// number representation.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrNonFinite is returned when a numeric value is NaN or +/-Inf.
var ErrNonFinite = errors.New("canonicalize: non-finite number")

// ErrNonStringKey is returned when an object carries a non-string key.
// encoding/json can only ever produce map[string]any, so this only surfaces
// through malformed json.RawMessage input.
var ErrNonStringKey = errors.New("canonicalize: non-string object key")

// maxSafeInteger is the largest integer exactly representable in an IEEE-754
// double; per §4.1, integers at or below this bound are emitted without an
// exponent.
const maxSafeInteger = 1 << 53

// Bytes returns the canonical JSON encoding of v. Every hash and signature in
// the kernel is computed over these bytes; callers must never substitute
// json.Marshal output instead.
func Bytes(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode intermediate: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String is Bytes rendered as a string.
func String(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lowercase hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
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
	case string:
		return encodeString(buf, t)
	case []any:
		return encodeArray(buf, t)
	case map[string]any:
		return encodeObject(buf, t)
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonicalize: invalid number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFinite
	}

	s := n.String()
	// Integers within the safe range, without an exponent or fraction, are
	// already in shortest round-trip form — emit as-is.
	if !strings.ContainsAny(s, ".eE") {
		if f >= -maxSafeInteger && f <= maxSafeInteger {
			buf.WriteString(s)
			return nil
		}
	}
	// Fall back to Go's shortest round-trip float formatting, which never
	// emits a leading '+' and matches JS's Number.prototype.toString for the
	// ranges JCS cares about.
	formatted := strings.ToLower(fmt.Sprintf("%v", f))
	buf.WriteString(formatted)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonicalize: encode string: %w", err)
	}
	b := buf.Bytes()
	buf.Truncate(len(b) - 1) // trim the trailing newline json.Encoder adds
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

// encodeObject sorts keys by UTF-16 code unit order per RFC 8785 §3.2.3,
// which for the BMP-only identifiers the kernel uses coincides with raw byte
// order; non-BMP keys are re-sorted by their UTF-16 surrogate pair values.
func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

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

func lessUTF16(a, b string) bool {
	au := utf16Units(a)
	bu := utf16Units(b)
	for i := 0; i < len(au) && i < len(bu); i++ {
		if au[i] != bu[i] {
			return au[i] < bu[i]
		}
	}
	return len(au) < len(bu)
}

func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r > 0xFFFF {
			r -= 0x10000
			units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
			continue
		}
		units = append(units, uint16(r))
	}
	return units
}
