package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for hashed projections. The version suffix allows the
// encoding to change without silently colliding with old digests.
const (
	DomainState    = "storesync/state/v1"
	DomainPayload  = "storesync/payload/v1"
	DomainRevision = "storesync/revision/v1"
)

// Canonical encodes v as canonical JSON: object keys sorted bytewise, strings
// NFC-normalised without HTML escaping, integral numbers printed without a
// fraction so 1 and 1.0 encode identically.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	if f, ok := toFloat(v); ok {
		return writeNumber(buf, f)
	}

	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, val)
	case State:
		return writeObject(buf, val)
	case map[string]any:
		return writeObject(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	default:
		if s, ok := toSlice(v); ok {
			return writeCanonical(buf, s)
		}
		n, err := Normalize(v)
		if err != nil {
			return fmt.Errorf("unsupported value %T: %w", v, err)
		}
		return writeCanonical(buf, n)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return fmt.Errorf("%q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

func writeNumber(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// Digest computes SHA256(domain + 0x00 + canonical(v)) as hex.
func Digest(domain string, v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Hash digests the projection of s that excludes the given noise fields.
// Two states that differ only in noise fields hash identically.
func Hash(s State, noise []string) (string, error) {
	return Digest(DomainState, Project(s, noise))
}

// MustHash is like Hash but panics on error.
// Use only in tests or when the state is known to be JSON-shaped.
func MustHash(s State, noise []string) string {
	h, err := Hash(s, noise)
	if err != nil {
		panic(err)
	}
	return h
}

// Project returns a shallow copy of s without the excluded top-level fields.
func Project(s State, exclude []string) State {
	if len(exclude) == 0 {
		return s
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, f := range exclude {
		skip[f] = struct{}{}
	}
	out := make(State, len(s))
	for k, v := range s {
		if _, ok := skip[k]; !ok {
			out[k] = v
		}
	}
	return out
}
