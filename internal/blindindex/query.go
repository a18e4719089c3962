package blindindex

import (
	"context"
	"sort"

	"github.com/kenneth/edv-client/pkg/edverrors"
)

// hasSentinelValue is the fixed placeholder "value" blinded into a has()
// query token. The server never inspects it — existence queries only ever
// match on the blinded name — but the blinding stage always needs a value
// to salt, so a constant stands in for "any value".
var hasSentinelValue = []byte("edv:has-sentinel")

// BuildQuery constructs the blinded query tokens for q, resolving compound
// index matches the same way for both equals and has clauses: for each
// compound declaration, the longest present prefix of its attribute paths
// is replaced by one compound token instead of per-attribute simple tokens.
func (b *Builder) BuildQuery(ctx context.Context, q Query) ([]QueryToken, error) {
	hasEquals := len(q.Equals) > 0
	hasHas := len(q.Has) > 0
	if hasEquals == hasHas {
		return nil, errExactlyOne
	}
	if q.Limit != 0 && (q.Limit < 1 || q.Limit > 1000) {
		return nil, edverrors.New(edverrors.KindInvalidArgument, "limit must be in [1, 1000]", nil)
	}

	if hasHas {
		return b.buildHasQuery(ctx, q.Has)
	}

	var tokens []QueryToken
	for _, clause := range q.Equals {
		clauseTokens, err := b.buildEqualsClause(ctx, clause)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, clauseTokens...)
	}
	return tokens, nil
}

// buildEqualsClause blinds one equals() clause: a map from attribute path to
// an expected plain value.
func (b *Builder) buildEqualsClause(ctx context.Context, clause map[string]interface{}) ([]QueryToken, error) {
	paths := make([]string, 0, len(clause))
	for p := range clause {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	used := make(map[string]bool, len(paths))
	var tokens []QueryToken

	for _, decl := range b.decls.Compound {
		k := longestPresentPrefix(decl.Paths, clause)
		if k < 2 {
			continue
		}
		nameHashes := make([][]byte, k)
		valueHashes := make([][]byte, k)
		for i := 0; i < k; i++ {
			nameHashes[i] = hashName(decl.Paths[i])
			hv, err := hashValue(clause[decl.Paths[i]])
			if err != nil {
				return nil, err
			}
			valueHashes[i] = hv
		}
		name, value, err := blindPair(ctx, b.signer, b.cache, concatHash(nameHashes), concatHash(valueHashes))
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, QueryToken{Name: name, Value: value})
		for i := 0; i < k; i++ {
			used[decl.Paths[i]] = true
		}
	}

	for _, path := range paths {
		if used[path] {
			continue
		}
		hValue, err := hashValue(clause[path])
		if err != nil {
			return nil, err
		}
		name, value, err := blindPair(ctx, b.signer, b.cache, hashName(path), hValue)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, QueryToken{Name: name, Value: value})
	}

	return tokens, nil
}

// buildHasQuery blinds a has() query: existence-only tokens for each named
// attribute, with the same compound-prefix collapsing as equals().
func (b *Builder) buildHasQuery(ctx context.Context, names []string) ([]QueryToken, error) {
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}

	used := make(map[string]bool, len(names))
	var tokens []QueryToken

	for _, decl := range b.decls.Compound {
		k := longestPresentNames(decl.Paths, present)
		if k < 2 {
			continue
		}
		nameHashes := make([][]byte, k)
		valueHashes := make([][]byte, k)
		for i := 0; i < k; i++ {
			nameHashes[i] = hashName(decl.Paths[i])
			valueHashes[i] = hasSentinelValue
		}
		name, value, err := blindPair(ctx, b.signer, b.cache, concatHash(nameHashes), concatHash(valueHashes))
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, QueryToken{Name: name, Value: value})
		for i := 0; i < k; i++ {
			used[decl.Paths[i]] = true
		}
	}

	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	for _, path := range sorted {
		if used[path] {
			continue
		}
		name, value, err := blindPair(ctx, b.signer, b.cache, hashName(path), hasSentinelValue)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, QueryToken{Name: name, Value: value})
	}

	return tokens, nil
}

// longestPresentPrefix returns the longest k such that paths[0:k] are all
// keys of clause (0 if paths[0] itself is absent).
func longestPresentPrefix(paths []string, clause map[string]interface{}) int {
	k := 0
	for _, p := range paths {
		if _, ok := clause[p]; !ok {
			break
		}
		k++
	}
	return k
}

func longestPresentNames(paths []string, present map[string]bool) int {
	k := 0
	for _, p := range paths {
		if !present[p] {
			break
		}
		k++
	}
	return k
}
