// Package store is a chunked, out-of-core feature store backed by
// badger. It holds the categorical and continuous covariate arrays plus
// the target column, and serves arbitrary row slices to the discovery
// and serialisation passes.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	"loam/pkg/category"
	"loam/pkg/stats"
)

const (
	catPrefix = "cat"
	ordPrefix = "ord"
	tgtPrefix = "tgt"

	// DefaultChunkRows is the row count per stored chunk.
	DefaultChunkRows = 4096
)

// DB wraps the badger database holding the feature arrays.
type DB struct {
	db *badger.DB
}

// Open opens (or creates) a feature store at path.
func Open(path string) (*DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening feature store at %s", path)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// attrs describes one stored array. Missing sentinels are stored as a
// value/flag pair per column because gob rejects nil pointers.
type attrs struct {
	Columns      []string
	MissingValue []category.Code // categorical arrays only, aligned with Columns
	MissingSet   []bool
	Labels       []string // target arrays only, categorical targets
	Rows         int
	ChunkRows    int
}

func (a attrs) missing() []*category.Code {
	if a.MissingSet == nil {
		return nil
	}
	out := make([]*category.Code, len(a.Columns))
	for i := range out {
		if a.MissingSet[i] {
			v := a.MissingValue[i]
			out[i] = &v
		}
	}
	return out
}

func metaKey(prefix string) []byte {
	return []byte(prefix + "/meta")
}

func chunkKey(prefix string, i int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", prefix, i))
}

func (d *DB) writeMeta(prefix string, a attrs) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return errors.Wrap(err, "encoding array attributes")
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(prefix), buf.Bytes())
	})
}

func (d *DB) readMeta(prefix string) (attrs, error) {
	var a attrs
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(prefix))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return gob.NewDecoder(bytes.NewReader(val)).Decode(&a)
	})
	if err != nil {
		return attrs{}, errors.Wrapf(err, "reading %s array attributes", prefix)
	}
	return a, nil
}

func (d *DB) readChunk(prefix string, i int) ([]byte, error) {
	var val []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(prefix, i))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s chunk %d", prefix, i)
	}
	return val, nil
}

func encodeCodes(codes []category.Code) []byte {
	out := make([]byte, 4*len(codes))
	for i, c := range codes {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(c))
	}
	return out
}

func decodeCodes(b []byte) []category.Code {
	out := make([]category.Code, len(b)/4)
	for i := range out {
		out[i] = category.Code(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func encodeFloats(xs []float64) []byte {
	out := make([]byte, 8*len(xs))
	for i, x := range xs {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(x))
	}
	return out
}

func decodeFloats(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out
}

// CategoricalWriter appends categorical rows to the store in chunks.
type CategoricalWriter struct {
	db        *DB
	columns   []string
	missing   []*category.Code
	chunkRows int
	buf       []category.Code
	rows      int
	chunks    int
	closed    bool
}

// NewCategoricalWriter starts a categorical array with the given columns
// and per-column missing sentinels. chunkRows <= 0 selects the default.
func (d *DB) NewCategoricalWriter(columns []string, missing []*category.Code, chunkRows int) (*CategoricalWriter, error) {
	if len(missing) != len(columns) {
		return nil, errors.Errorf("%d missing sentinels for %d columns", len(missing), len(columns))
	}
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	return &CategoricalWriter{db: d, columns: columns, missing: missing, chunkRows: chunkRows}, nil
}

// Append adds a block of rows. The feature count must match the columns
// the writer was created with.
func (w *CategoricalWriter) Append(v category.Values) error {
	if v.Features != len(w.columns) {
		return errors.Errorf("appending %d-feature block to %d-column array", v.Features, len(w.columns))
	}
	w.buf = append(w.buf, v.Data...)
	w.rows += v.Rows()
	return w.flush(false)
}

func (w *CategoricalWriter) flush(all bool) error {
	perChunk := w.chunkRows * len(w.columns)
	if perChunk == 0 {
		return nil
	}
	for len(w.buf) >= perChunk || (all && len(w.buf) > 0) {
		n := perChunk
		if n > len(w.buf) {
			n = len(w.buf)
		}
		val := encodeCodes(w.buf[:n])
		err := w.db.db.Update(func(txn *badger.Txn) error {
			return txn.Set(chunkKey(catPrefix, w.chunks), val)
		})
		if err != nil {
			return errors.Wrapf(err, "writing categorical chunk %d", w.chunks)
		}
		w.buf = w.buf[n:]
		w.chunks++
	}
	return nil
}

// Close flushes the trailing partial chunk and writes the array
// attributes. The array is not readable until Close returns.
func (w *CategoricalWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flush(true); err != nil {
		return err
	}
	a := attrs{
		Columns:      w.columns,
		MissingValue: make([]category.Code, len(w.columns)),
		MissingSet:   make([]bool, len(w.columns)),
		Rows:         w.rows,
		ChunkRows:    w.chunkRows,
	}
	for i, m := range w.missing {
		if m != nil {
			a.MissingValue[i] = *m
			a.MissingSet[i] = true
		}
	}
	return w.db.writeMeta(catPrefix, a)
}

// OrdinalWriter appends continuous rows to the store in chunks.
type OrdinalWriter struct {
	db        *DB
	prefix    string
	columns   []string
	labels    []string
	chunkRows int
	buf       []float64
	rows      int
	chunks    int
	closed    bool
}

// NewOrdinalWriter starts a continuous-covariate array.
func (d *DB) NewOrdinalWriter(columns []string, chunkRows int) *OrdinalWriter {
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	return &OrdinalWriter{db: d, prefix: ordPrefix, columns: columns, chunkRows: chunkRows}
}

// NewTargetWriter starts the single-column target array. labels is
// non-nil for categorical targets, giving the name of each target index.
func (d *DB) NewTargetWriter(column string, labels []string, chunkRows int) *OrdinalWriter {
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	return &OrdinalWriter{db: d, prefix: tgtPrefix, columns: []string{column}, labels: labels, chunkRows: chunkRows}
}

// Append adds a block of rows.
func (w *OrdinalWriter) Append(v stats.Values) error {
	if v.Features != len(w.columns) {
		return errors.Errorf("appending %d-feature block to %d-column array", v.Features, len(w.columns))
	}
	w.buf = append(w.buf, v.Data...)
	w.rows += v.Rows()
	return w.flush(false)
}

func (w *OrdinalWriter) flush(all bool) error {
	perChunk := w.chunkRows * len(w.columns)
	if perChunk == 0 {
		return nil
	}
	for len(w.buf) >= perChunk || (all && len(w.buf) > 0) {
		n := perChunk
		if n > len(w.buf) {
			n = len(w.buf)
		}
		val := encodeFloats(w.buf[:n])
		err := w.db.db.Update(func(txn *badger.Txn) error {
			return txn.Set(chunkKey(w.prefix, w.chunks), val)
		})
		if err != nil {
			return errors.Wrapf(err, "writing %s chunk %d", w.prefix, w.chunks)
		}
		w.buf = w.buf[n:]
		w.chunks++
	}
	return nil
}

// SetLabels replaces the label list before Close. Used when target
// labels are only complete after the import pass.
func (w *OrdinalWriter) SetLabels(labels []string) {
	w.labels = labels
}

// Close flushes the trailing partial chunk and writes the array
// attributes.
func (w *OrdinalWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flush(true); err != nil {
		return err
	}
	return w.db.writeMeta(w.prefix, attrs{
		Columns:   w.columns,
		Labels:    w.labels,
		Rows:      w.rows,
		ChunkRows: w.chunkRows,
	})
}
