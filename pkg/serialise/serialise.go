// Package serialise writes and reads the compressed record files
// consumed by the training and query sides. Each record carries one
// batch of examples with the categorical codes already remapped to
// dense indices and the continuous covariates standardised.
package serialise

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"

	"github.com/DataDog/zstd"
	"github.com/RoaringBitmap/roaring"

	"loam/pkg/category"
	"loam/pkg/stats"
)

// Record is one serialised batch. Masks are roaring bitmaps over the
// flattened row-major positions of missing entries.
type Record struct {
	Rows        int
	OrdFeatures int
	CatFeatures int

	Ordinal     []float64
	OrdinalMask []byte

	Categorical     []category.Code
	CategoricalMask []byte

	// Targets is empty for query records.
	Targets []float64
}

// OrdinalMissing decodes the ordinal missing-position bitmap.
func (r *Record) OrdinalMissing() (*roaring.Bitmap, error) {
	return decodeMask(r.OrdinalMask)
}

// CategoricalMissing decodes the categorical missing-position bitmap.
func (r *Record) CategoricalMissing() (*roaring.Bitmap, error) {
	return decodeMask(r.CategoricalMask)
}

func decodeMask(b []byte) (*roaring.Bitmap, error) {
	rb := roaring.New()
	if len(b) == 0 {
		return rb, nil
	}
	if err := rb.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decoding missing mask: %w", err)
	}
	return rb, nil
}

// Encoder turns raw covariate batches into Records by applying the
// category transform and the normalisation statistics discovered for
// the same source. Stateless after construction.
type Encoder struct {
	transform  *category.Transform
	catMissing []*category.Code
	norm       stats.Norm
}

// NewEncoder builds an encoder. transform and catMissing come from the
// discovery pass, norm from the statistics pass; either side may be nil
// or empty when the store has no array of that kind.
func NewEncoder(transform *category.Transform, catMissing []*category.Code, norm stats.Norm) *Encoder {
	return &Encoder{transform: transform, catMissing: catMissing, norm: norm}
}

// Encode builds one record from aligned covariate batches. Either block
// may have zero features; non-empty blocks must agree on row count.
func (e *Encoder) Encode(cat category.Values, ord stats.Values, targets []float64) (Record, error) {
	rows := cat.Rows()
	if rows == 0 {
		rows = ord.Rows()
	}
	if cat.Features > 0 && ord.Features > 0 && cat.Rows() != ord.Rows() {
		return Record{}, fmt.Errorf("categorical batch has %d rows, continuous batch %d", cat.Rows(), ord.Rows())
	}
	if targets != nil && len(targets) != rows {
		return Record{}, fmt.Errorf("%d targets for %d rows", len(targets), rows)
	}

	rec := Record{
		Rows:        rows,
		OrdFeatures: ord.Features,
		CatFeatures: cat.Features,
		Targets:     targets,
	}

	if ord.Features > 0 {
		mask := roaring.New()
		masked := stats.Values{Data: make([]float64, len(ord.Data)), Features: ord.Features}
		copy(masked.Data, ord.Data)
		for i, x := range masked.Data {
			if math.IsNaN(x) {
				mask.Add(uint32(i))
				masked.Data[i] = 0
			}
		}
		normed, err := e.norm.Apply(masked)
		if err != nil {
			return Record{}, err
		}
		for _, i := range mask.ToArray() {
			normed.Data[i] = 0
		}
		rec.Ordinal = normed.Data
		if rec.OrdinalMask, err = mask.MarshalBinary(); err != nil {
			return Record{}, fmt.Errorf("encoding ordinal mask: %w", err)
		}
	}

	if cat.Features > 0 {
		mask := roaring.New()
		for i, v := range cat.Data {
			if m := e.catMissing[i%cat.Features]; m != nil && v == *m {
				mask.Add(uint32(i))
			}
		}
		mapped, err := e.transform.Apply(cat)
		if err != nil {
			return Record{}, err
		}
		rec.Categorical = mapped.Data
		if rec.CategoricalMask, err = mask.MarshalBinary(); err != nil {
			return Record{}, fmt.Errorf("encoding categorical mask: %w", err)
		}
	}

	return rec, nil
}

// Writer writes length-prefixed zstd-compressed records to a stream.
type Writer struct {
	w     io.Writer
	level int
}

// NewWriter wraps w. level <= 0 selects the default compression level.
func NewWriter(w io.Writer, level int) *Writer {
	if level <= 0 {
		level = zstd.DefaultCompression
	}
	return &Writer{w: w, level: level}
}

// Write appends one record frame.
func (w *Writer) Write(rec Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	compressed, err := zstd.CompressLevel(nil, buf.Bytes(), w.level)
	if err != nil {
		return fmt.Errorf("compressing record: %w", err)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(compressed)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing record header: %w", err)
	}
	if _, err := w.w.Write(compressed); err != nil {
		return fmt.Errorf("writing record body: %w", err)
	}
	return nil
}

// Reader reads record frames written by Writer.
type Reader struct {
	r io.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read returns the next record, or io.EOF at a clean end of stream. A
// frame cut short surfaces as an unexpected-EOF error.
func (r *Reader) Read() (Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("reading record header: %w", err)
	}
	body := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(r.r, body); err != nil {
		return Record{}, fmt.Errorf("reading record body: %w", err)
	}
	raw, err := zstd.Decompress(nil, body)
	if err != nil {
		return Record{}, fmt.Errorf("decompressing record: %w", err)
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}
