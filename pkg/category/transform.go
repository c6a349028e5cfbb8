package category

import (
	"errors"
	"fmt"
)

// ErrUnmappedCode reports a category code with no entry in the mapping
// the transform was built from. Discovery guarantees every observed code
// a mapping entry, so hitting this means the transform is being applied
// to data it was not built from (or to already-transformed data).
var ErrUnmappedCode = errors.New("category code not present in mapping")

// Transform maps raw category codes to their dense 0..n-1 indices. It is
// built once from the Mappings of a discovery pass and reused for every
// batch during serialisation; it is never mutated after construction.
type Transform struct {
	lookup []map[Code]Code
}

// NewTransform builds the per-feature code-to-index lookup tables from
// the given mappings.
func NewTransform(mappings [][]Code) *Transform {
	t := &Transform{lookup: make([]map[Code]Code, len(mappings))}
	for c, m := range mappings {
		t.lookup[c] = make(map[Code]Code, len(m))
		for i, v := range m {
			t.lookup[c][v] = Code(i)
		}
	}
	return t
}

// Features returns the number of feature columns the transform covers.
func (t *Transform) Features() int {
	return len(t.lookup)
}

// Apply returns a same-shape copy of v with every code replaced by its
// dense index. The feature count must match the mappings the transform
// was built from, and every code must be mapped.
func (t *Transform) Apply(v Values) (Values, error) {
	if v.Features != len(t.lookup) {
		return Values{}, fmt.Errorf("values have %d features, transform covers %d", v.Features, len(t.lookup))
	}
	out := Values{Data: make([]Code, len(v.Data)), Features: v.Features}
	for i, raw := range v.Data {
		c := i % v.Features
		idx, ok := t.lookup[c][raw]
		if !ok {
			return Values{}, fmt.Errorf("feature %d code %d: %w", c, raw, ErrUnmappedCode)
		}
		out.Data[i] = idx
	}
	return out, nil
}
