package cryptoutil

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize produces a canonical JSON encoding of v (RFC 8785-style):
// object keys sorted lexicographically at every nesting level, no
// insignificant whitespace, and numbers rendered in their shortest
// round-tripping decimal form. Two JSON values that differ only in key
// order or whitespace canonicalize to identical bytes.
//
// v is expected to already be decoded Go-native JSON (map[string]interface{},
// []interface{}, string, float64, bool, nil), the shape encoding/json
// produces by default when unmarshaling into interface{}.
func Canonicalize(v interface{}) ([]byte, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case string:
		writeCanonicalString(b, val)
		return nil
	case float64:
		b.WriteString(canonicalNumber(val))
		return nil
	case int:
		b.WriteString(strconv.Itoa(val))
		return nil
	case []interface{}:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalString(b, k)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("cryptoutil: cannot canonicalize value of type %T", v)
	}
}

func writeCanonicalString(b *strings.Builder, s string) {
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
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// canonicalNumber renders a float64 the way JSON.stringify/RFC 8785 would,
// always with the shortest round-tripping digits: magnitudes in [1e-6, 1e21)
// in plain decimal form (integral values without a decimal point), others in
// exponent form without leading exponent zeros (1e-7, 1.5e+21).
func canonicalNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mant, exp, ok := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	if !ok {
		return mant
	}
	n, _ := strconv.Atoi(exp)
	return fmt.Sprintf("%se%+d", mant, n)
}
