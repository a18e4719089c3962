package blindindex

import (
	"context"

	"github.com/kenneth/edv-client/internal/cryptoutil"
)

// compoundRecord is one emitted compound attribute before blinding: the
// prefix length it covers and its unblinded name/value hashes.
type compoundRecord struct {
	prefixLen int
	name      []byte
	value     []byte
}

// expandCompound computes every combinatorial compound-prefix record for
// decl against the per-path dereferenced values in pathValues (indexed the
// same as decl.Paths). Per spec.md §4.2: for each prefix length k in
// [2, len(decl.Paths)], compoundName_k hashes the first k attribute *names*
// (independent of which values are present) and compoundValue_k hashes one
// cross-product combination of the first k attribute *values*; the full
// cross-product over multi-valued (array) attributes is emitted.
func expandCompound(decl CompoundIndexDecl, pathValues [][]interface{}) []compoundRecord {
	n := len(decl.Paths)
	nameHashes := make([][]byte, n)
	for i, p := range decl.Paths {
		nameHashes[i] = hashName(p)
	}

	var out []compoundRecord
	for k := 2; k <= n; k++ {
		prefixValues := pathValues[:k]
		if anyEmpty(prefixValues) {
			continue
		}

		compoundName := concatHash(nameHashes[:k])

		combos := crossProduct(prefixValues)
		for _, combo := range combos {
			valueHashes := make([][]byte, k)
			ok := true
			for i, v := range combo {
				hv, err := hashValue(v)
				if err != nil {
					ok = false
					break
				}
				valueHashes[i] = hv
			}
			if !ok {
				continue
			}
			out = append(out, compoundRecord{
				prefixLen: k,
				name:      compoundName,
				value:     concatHash(valueHashes),
			})
		}
	}
	return out
}

func concatHash(parts [][]byte) []byte {
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return cryptoutil.SHA256(buf)
}

func anyEmpty(lists [][]interface{}) bool {
	for _, l := range lists {
		if len(l) == 0 {
			return true
		}
	}
	return false
}

// crossProduct returns the cartesian product of lists, preserving the order
// of lists[0] as the outer-most varying dimension to match spec.md's
// worked example ordering.
func crossProduct(lists [][]interface{}) [][]interface{} {
	if len(lists) == 0 {
		return nil
	}
	combos := [][]interface{}{{}}
	for _, list := range lists {
		var next [][]interface{}
		for _, combo := range combos {
			for _, v := range list {
				extended := make([]interface{}, len(combo)+1)
				copy(extended, combo)
				extended[len(combo)] = v
				next = append(next, extended)
			}
		}
		combos = next
	}
	return combos
}

// blindCompound blinds every compoundRecord through signer, marking unique
// only the full-length (k == len(decl.Paths)) records when decl.Unique is
// set — spec's uniqueness policy (b): a compound unique constraint applies
// only when all attributes of the compound index have values present.
func blindCompound(ctx context.Context, signer Signer, cache *hmacCache, decl CompoundIndexDecl, records []compoundRecord) ([]AttributeRecord, error) {
	out := make([]AttributeRecord, 0, len(records))
	for _, r := range records {
		name, value, err := blindPair(ctx, signer, cache, r.name, r.value)
		if err != nil {
			return nil, err
		}
		out = append(out, AttributeRecord{
			Name:   name,
			Value:  value,
			Unique: decl.Unique && r.prefixLen == len(decl.Paths),
		})
	}
	return out, nil
}
