package store

import (
	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	"loam/pkg/category"
	"loam/pkg/stats"
)

// CategoricalArray serves row slices of the stored categorical
// covariates. It satisfies category.Source.
type CategoricalArray struct {
	db    *DB
	attrs attrs
}

// Categorical opens the categorical array.
func (d *DB) Categorical() (*CategoricalArray, error) {
	a, err := d.readMeta(catPrefix)
	if err != nil {
		return nil, err
	}
	return &CategoricalArray{db: d, attrs: a}, nil
}

func (a *CategoricalArray) Rows() int                 { return a.attrs.Rows }
func (a *CategoricalArray) Features() int             { return len(a.attrs.Columns) }
func (a *CategoricalArray) Columns() []string         { return a.attrs.Columns }
func (a *CategoricalArray) Missing() []*category.Code { return a.attrs.missing() }

// Slice returns rows [start, end) by reading the overlapping chunks.
func (a *CategoricalArray) Slice(start, end int) (category.Values, error) {
	data, err := sliceRows(a.db, catPrefix, a.attrs, start, end, 4)
	if err != nil {
		return category.Values{}, err
	}
	return category.Values{Data: decodeCodes(data), Features: len(a.attrs.Columns)}, nil
}

// OrdinalArray serves row slices of the stored continuous covariates.
// It satisfies stats.Source.
type OrdinalArray struct {
	db     *DB
	prefix string
	attrs  attrs
}

// Ordinal opens the continuous-covariate array.
func (d *DB) Ordinal() (*OrdinalArray, error) {
	a, err := d.readMeta(ordPrefix)
	if err != nil {
		return nil, err
	}
	return &OrdinalArray{db: d, prefix: ordPrefix, attrs: a}, nil
}

// Target opens the target array.
func (d *DB) Target() (*OrdinalArray, error) {
	a, err := d.readMeta(tgtPrefix)
	if err != nil {
		return nil, err
	}
	return &OrdinalArray{db: d, prefix: tgtPrefix, attrs: a}, nil
}

func (a *OrdinalArray) Rows() int         { return a.attrs.Rows }
func (a *OrdinalArray) Features() int     { return len(a.attrs.Columns) }
func (a *OrdinalArray) Columns() []string { return a.attrs.Columns }

// Labels returns the target label names for categorical targets, nil
// otherwise.
func (a *OrdinalArray) Labels() []string { return a.attrs.Labels }

// Slice returns rows [start, end) by reading the overlapping chunks.
func (a *OrdinalArray) Slice(start, end int) (stats.Values, error) {
	data, err := sliceRows(a.db, a.prefix, a.attrs, start, end, 8)
	if err != nil {
		return stats.Values{}, err
	}
	return stats.Values{Data: decodeFloats(data), Features: len(a.attrs.Columns)}, nil
}

// sliceRows reads the raw bytes of rows [start, end) of a chunked array
// with elemSize-byte elements.
func sliceRows(db *DB, prefix string, a attrs, start, end, elemSize int) ([]byte, error) {
	if start < 0 || end < start || end > a.Rows {
		return nil, errors.Errorf("slice [%d, %d) out of range for %d rows", start, end, a.Rows)
	}
	features := len(a.Columns)
	rowBytes := features * elemSize
	out := make([]byte, 0, (end-start)*rowBytes)
	if start == end || features == 0 {
		return out, nil
	}
	for chunk := start / a.ChunkRows; chunk <= (end-1)/a.ChunkRows; chunk++ {
		val, err := db.readChunk(prefix, chunk)
		if err != nil {
			return nil, err
		}
		chunkStart := chunk * a.ChunkRows
		lo := 0
		if start > chunkStart {
			lo = (start - chunkStart) * rowBytes
		}
		hi := len(val)
		if end-chunkStart < len(val)/rowBytes {
			hi = (end - chunkStart) * rowBytes
		}
		out = append(out, val[lo:hi]...)
	}
	return out, nil
}

// Features bundles the opened arrays of one store and checks that their
// row counts agree.
type Features struct {
	Cat *CategoricalArray
	Ord *OrdinalArray
	Tgt *OrdinalArray
}

// OpenFeatures opens all arrays present in the store. At least one
// covariate array must exist, and all arrays must agree on row count.
func (d *DB) OpenFeatures() (*Features, error) {
	f := &Features{}
	var err error
	if f.Cat, err = d.Categorical(); err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		f.Cat = nil
	}
	if f.Ord, err = d.Ordinal(); err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		f.Ord = nil
	}
	if f.Tgt, err = d.Target(); err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		f.Tgt = nil
	}
	if f.Cat == nil && f.Ord == nil {
		return nil, errors.New("store holds neither categorical nor continuous covariates")
	}
	if f.Cat != nil && f.Ord != nil && f.Cat.Rows() != f.Ord.Rows() {
		return nil, errors.Errorf("continuous and categorical sources mismatch with %d and %d rows",
			f.Ord.Rows(), f.Cat.Rows())
	}
	if f.Tgt != nil && f.Tgt.Rows() != f.Rows() {
		return nil, errors.Errorf("target array has %d rows, covariates have %d", f.Tgt.Rows(), f.Rows())
	}
	return f, nil
}

// Rows returns the common covariate row count.
func (f *Features) Rows() int {
	if f.Cat != nil {
		return f.Cat.Rows()
	}
	return f.Ord.Rows()
}

func isNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound)
}
