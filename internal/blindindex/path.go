package blindindex

import (
	"strings"

	"github.com/kenneth/edv-client/pkg/edverrors"
)

// ParsePath splits an attribute path on unescaped '.', unescaping `\.` into
// a literal dot within a segment. The first segment must be "content" or
// "meta". Empty paths and invalid prefixes are rejected.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "attribute path must not be empty", nil)
	}

	var segments []string
	var current strings.Builder
	escaped := false
	for _, r := range path {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	segments = append(segments, current.String())

	if segments[0] != "content" && segments[0] != "meta" {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "attribute path must begin with \"content\" or \"meta\", got "+path, nil)
	}
	for _, seg := range segments {
		if seg == "" {
			return nil, edverrors.New(edverrors.KindInvalidArgument, "attribute path has an empty segment: "+path, nil)
		}
	}

	return segments, nil
}

// Dereference walks segments through doc, recursively descending into
// arrays encountered at intermediate positions and flattening their
// results. A missing key at any point yields no values for that branch
// (spec's "undefined" — the attribute simply does not participate).
func Dereference(doc map[string]interface{}, segments []string) []interface{} {
	return dereference(doc, segments)
}

func dereference(node interface{}, segments []string) []interface{} {
	// Arrays recurse-and-flatten regardless of position — including the
	// terminal one, so "content.tags" over tags:[a,b,c] yields 3 values,
	// not one array value.
	if arr, ok := node.([]interface{}); ok {
		var out []interface{}
		for _, elem := range arr {
			out = append(out, dereference(elem, segments)...)
		}
		return out
	}
	if len(segments) == 0 {
		return []interface{}{node}
	}

	m, ok := node.(map[string]interface{})
	if !ok {
		return nil
	}
	child, ok := m[segments[0]]
	if !ok {
		return nil
	}
	return dereference(child, segments[1:])
}
