package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Transform rewrites a JSON document into its canonical encoding: object keys
// sorted by code point, arrays order-preserving, minimal separators, UTF-8
// output. Duplicate object keys are rejected.
func Transform(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var buf bytes.Buffer
	if err := writeValue(&buf, dec); err != nil {
		return nil, err
	}
	// Anything after the first value makes the document invalid.
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}
	return buf.Bytes(), nil
}

// Marshal encodes v through encoding/json and canonicalizes the result.
func Marshal(v any) ([]byte, error) {
	var staged bytes.Buffer
	enc := json.NewEncoder(&staged)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return Transform(staged.Bytes())
}

// HashHex returns the lowercase hex SHA-256 of the canonical form of raw.
func HashHex(raw []byte) (string, error) {
	canon, err := Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the SHA-256 digest of the canonical form of raw.
func HashBytes(raw []byte) ([]byte, error) {
	canon, err := Transform(raw)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

func writeValue(buf *bytes.Buffer, dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	return writeToken(buf, dec, tok)
}

func writeToken(buf *bytes.Buffer, dec *json.Decoder, tok json.Token) error {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return writeObject(buf, dec)
		case '[':
			return writeArray(buf, dec)
		default:
			return fmt.Errorf("canonical: unexpected delimiter %q", t)
		}
	case string:
		writeString(buf, t)
		return nil
	case json.Number:
		return writeNumber(buf, t)
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case nil:
		buf.WriteString("null")
		return nil
	default:
		return fmt.Errorf("canonical: unsupported token %T", tok)
	}
}

func writeObject(buf *bytes.Buffer, dec *json.Decoder) error {
	type member struct {
		key   string
		value []byte
	}
	members := make([]member, 0, 8)
	seen := make(map[string]struct{})

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("canonical: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("canonical: object key is not a string")
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("canonical: duplicate object key %q", key)
		}
		seen[key] = struct{}{}

		var val bytes.Buffer
		if err := writeValue(&val, dec); err != nil {
			return err
		}
		members = append(members, member{key: key, value: val.Bytes()})
	}
	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("canonical: %w", err)
	}

	sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })

	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, m.key)
		buf.WriteByte(':')
		buf.Write(m.value)
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, dec *json.Decoder) error {
	buf.WriteByte('[')
	first := true
	for dec.More() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := writeValue(buf, dec); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	buf.WriteByte(']')
	return nil
}

// writeNumber normalises numeric literals so structurally equal values share
// one encoding: integral values print without fraction or exponent, the rest
// use the shortest float64 representation.
func writeNumber(buf *bytes.Buffer, num json.Number) error {
	f, err := num.Float64()
	if err != nil {
		return fmt.Errorf("canonical: invalid number %q: %w", num.String(), err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canonical: number %q out of range", num.String())
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString emits a JSON string with the minimal escape set: two-character
// sequences for the common control characters, \u00xx for the rest below
// 0x20, and raw UTF-8 for everything else.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[byte(r)>>4])
				buf.WriteByte(hexDigits[byte(r)&0xf])
			} else if r == utf8.RuneError {
				// Preserve replacement semantics for invalid input bytes.
				buf.WriteRune(utf8.RuneError)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
