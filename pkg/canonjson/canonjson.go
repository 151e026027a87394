// Package canonjson produces a deterministic byte representation of
// JSON-compatible values. The same canonical form is used for idempotency
// fingerprints, audit chain hashing, and task envelopes, so equality of
// canonical bytes is equality of meaning.
//
// Rules: object keys sorted lexicographically by their UTF-8 bytes; numbers
// normalized (integers without exponent or trailing zeros when lossless,
// shortest round-trip form otherwise); strings normalized to Unicode NFC
// and minimally escaped; booleans and null lowercase; no insignificant
// whitespace.
package canonjson

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Marshal canonicalizes v. It accepts the same value space as encoding/json;
// values are first marshaled and re-decoded so struct tags apply.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=canonjson.Marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize re-encodes raw JSON into canonical form. It fails on invalid
// JSON, NaN/Inf, and numbers that cannot be represented without loss.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("op=canonjson.Canonicalize: %w", err)
	}
	// Reject trailing content after the first value.
	if dec.More() {
		return nil, fmt.Errorf("op=canonjson.Canonicalize: trailing data after JSON value")
	}
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return nil, fmt.Errorf("op=canonjson.Canonicalize: %w", err)
	}
	return []byte(b.String()), nil
}

func encode(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		s, err := normalizeNumber(t)
		if err != nil {
			return err
		}
		b.WriteString(s)
	case string:
		encodeString(b, t)
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encode(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, norm.NFC.String(k))
		}
		sort.Strings(keys)
		// NFC can collapse distinct source keys into one; that is a
		// genuine ambiguity in the input, so refuse it.
		for i := 1; i < len(keys); i++ {
			if keys[i] == keys[i-1] {
				return fmt.Errorf("duplicate key after normalization: %q", keys[i])
			}
		}
		b.WriteByte('{')
		byNormKey := make(map[string]any, len(t))
		for k, e := range t {
			byNormKey[norm.NFC.String(k)] = e
		}
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeString(b, k)
			b.WriteByte(':')
			if err := encode(b, byNormKey[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	return nil
}

// normalizeNumber renders integers without fraction or exponent when the
// value is integral and fits int64/uint64; everything else uses the shortest
// float64 round-trip form.
func normalizeNumber(n json.Number) (string, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return strconv.FormatUint(u, 10), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("invalid number %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite number %q", s)
	}
	// Integral floats within the exact range collapse to integer form.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	out := strconv.FormatFloat(f, 'g', -1, 64)
	// strconv uses e+05 style; keep it, but lowercase is already guaranteed.
	return out, nil
}

// encodeString writes s NFC-normalized with minimal escaping: the two
// mandatory escapes (quote, backslash), control characters as \uXXXX with
// the common short forms, and everything else as literal UTF-8.
func encodeString(b *strings.Builder, s string) {
	s = norm.NFC.String(s)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				b.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else if r == utf8.RuneError {
				// Invalid UTF-8 input bytes decode to RuneError; make the
				// replacement explicit so output stays valid UTF-8.
				b.WriteRune(utf8.RuneError)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// Equal reports whether two raw JSON documents share one canonical form.
func Equal(a, b []byte) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return string(ca) == string(cb), nil
}
