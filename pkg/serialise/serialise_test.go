package serialise

import (
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"loam/pkg/category"
	"loam/pkg/stats"
)

func codePtr(v category.Code) *category.Code { return &v }

func testEncoder() *Encoder {
	transform := category.NewTransform([][]category.Code{{-1, 5, 7}})
	norm := stats.Norm{Mean: []float64{10}, SD: []float64{2}, N: []int64{4}}
	return NewEncoder(transform, []*category.Code{codePtr(-1)}, norm)
}

func TestEncodeAppliesTransformAndNorm(t *testing.T) {
	enc := testEncoder()

	rec, err := enc.Encode(
		category.Values{Data: []category.Code{5, -1, 7}, Features: 1},
		stats.Values{Data: []float64{12, math.NaN(), 8}, Features: 1},
		[]float64{0, 1, 0},
	)
	require.NoError(t, err)

	require.Equal(t, 3, rec.Rows)
	require.Equal(t, []category.Code{1, 0, 2}, rec.Categorical)
	require.Equal(t, []float64{1, 0, -1}, rec.Ordinal)
	require.Equal(t, []float64{0, 1, 0}, rec.Targets)

	catMask, err := rec.CategoricalMissing()
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, catMask.ToArray())

	ordMask, err := rec.OrdinalMissing()
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, ordMask.ToArray())
}

func TestEncodeValidation(t *testing.T) {
	enc := testEncoder()

	_, err := enc.Encode(
		category.Values{Data: []category.Code{5}, Features: 1},
		stats.Values{Data: []float64{1, 2}, Features: 1},
		nil,
	)
	require.ErrorContains(t, err, "rows")

	_, err = enc.Encode(
		category.Values{Data: []category.Code{5, 7}, Features: 1},
		stats.Values{},
		[]float64{0},
	)
	require.ErrorContains(t, err, "targets")

	// A code outside the discovery mapping is a contract violation.
	_, err = enc.Encode(
		category.Values{Data: []category.Code{99}, Features: 1},
		stats.Values{},
		nil,
	)
	require.ErrorIs(t, err, category.ErrUnmappedCode)
}

func TestWriterReaderRoundTrip(t *testing.T) {
	enc := testEncoder()
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	var want []Record
	for i := 0; i < 3; i++ {
		rec, err := enc.Encode(
			category.Values{Data: []category.Code{5, 7}, Features: 1},
			stats.Values{Data: []float64{10, 12}, Features: 1},
			[]float64{float64(i), 0},
		)
		require.NoError(t, err)
		require.NoError(t, w.Write(rec))
		want = append(want, rec)
	}

	r := NewReader(&buf)
	for i := 0; i < 3; i++ {
		got, err := r.Read()
		require.NoError(t, err)
		require.Equal(t, want[i], got)
	}
	_, err := r.Read()
	require.Equal(t, io.EOF, err)
}

func TestReaderTruncatedFrame(t *testing.T) {
	enc := testEncoder()
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	rec, err := enc.Encode(
		category.Values{Data: []category.Code{5}, Features: 1},
		stats.Values{},
		nil,
	)
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	r := NewReader(truncated)
	_, err = r.Read()
	require.ErrorContains(t, err, "record body")
}
