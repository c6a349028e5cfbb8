package category

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// rowSource is an in-memory Source over row-major data.
type rowSource struct {
	data     []Code
	features int
	missing  []*Code
	failFrom int // fail Slice for spans starting at or after this row, -1 disables
}

func newRowSource(features int, missing []*Code, rows ...[]Code) *rowSource {
	s := &rowSource{features: features, missing: missing, failFrom: -1}
	for _, r := range rows {
		s.data = append(s.data, r...)
	}
	return s
}

func (s *rowSource) Rows() int {
	if s.features == 0 {
		return 0
	}
	return len(s.data) / s.features
}

func (s *rowSource) Features() int    { return s.features }
func (s *rowSource) Missing() []*Code { return s.missing }

func (s *rowSource) Slice(start, end int) (Values, error) {
	if s.failFrom >= 0 && start >= s.failFrom {
		return Values{}, fmt.Errorf("injected failure at row %d", start)
	}
	return Values{
		Data:     s.data[start*s.features : end*s.features],
		Features: s.features,
	}, nil
}

// serialPool runs tasks inline in index order.
type serialPool struct{}

func (serialPool) Map(ctx context.Context, tasks int, fn func(i int) error) error {
	for i := 0; i < tasks; i++ {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

func codePtr(v Code) *Code { return &v }

func TestGetCategoriesExample(t *testing.T) {
	src := newRowSource(1, []*Code{codePtr(-1)}, []Code{5}, []Code{5}, []Code{7})

	info, err := GetCategories(context.Background(), src, 2, serialPool{})
	require.NoError(t, err)

	require.Equal(t, [][]Code{{-1, 5, 7}}, info.Mappings)
	require.Equal(t, [][]int64{{0, 2, 1}}, info.Counts)
	require.NotNil(t, info.Missing[0])
	require.Equal(t, Code(0), *info.Missing[0])

	tr := NewTransform(info.Mappings)
	out, err := tr.Apply(Values{Data: []Code{5, 7, -1}, Features: 1})
	require.NoError(t, err)
	require.Equal(t, []Code{1, 2, 0}, out.Data)
}

func TestGetCategoriesEmptySource(t *testing.T) {
	src := newRowSource(1, []*Code{codePtr(0)})

	info, err := GetCategories(context.Background(), src, 10, serialPool{})
	require.NoError(t, err)
	require.Equal(t, [][]Code{{0}}, info.Mappings)
	require.Equal(t, [][]int64{{0}}, info.Counts)
}

func TestGetCategoriesNoSentinel(t *testing.T) {
	src := newRowSource(2, []*Code{nil, nil},
		[]Code{3, 9}, []Code{3, 8}, []Code{4, 9})

	info, err := GetCategories(context.Background(), src, 2, serialPool{})
	require.NoError(t, err)
	require.Equal(t, [][]Code{{3, 4}, {8, 9}}, info.Mappings)
	require.Equal(t, [][]int64{{2, 1}, {1, 2}}, info.Counts)
	require.Nil(t, info.Missing[0])
	require.Nil(t, info.Missing[1])
}

func TestGetCategoriesBatchSizeInvariance(t *testing.T) {
	src := newRowSource(2, []*Code{codePtr(-9), nil},
		[]Code{1, 100}, []Code{2, 100}, []Code{1, 101}, []Code{-9, 102},
		[]Code{3, 100}, []Code{2, 102}, []Code{1, 100})

	counts := func(info Info, feature int) map[Code]int64 {
		m := map[Code]int64{}
		for i, v := range info.Mappings[feature] {
			m[v] = info.Counts[feature][i]
		}
		return m
	}

	reference, err := GetCategories(context.Background(), src, 1, serialPool{})
	require.NoError(t, err)

	for _, batchSize := range []int{2, 3, 5, 100} {
		info, err := GetCategories(context.Background(), src, batchSize, serialPool{})
		require.NoError(t, err)
		for f := 0; f < src.Features(); f++ {
			require.Equal(t, counts(reference, f), counts(info, f), "batch size %d feature %d", batchSize, f)
		}
	}

	// Observed counts per feature sum to the row count; the sentinel of
	// feature 0 was also observed so no seed-only entry remains.
	var total int64
	for _, c := range reference.Counts[0] {
		total += c
	}
	require.Equal(t, int64(src.Rows()), total)
}

func TestGetCategoriesSeedOnlySentinelStaysZero(t *testing.T) {
	src := newRowSource(1, []*Code{codePtr(-1)}, []Code{5}, []Code{6})

	info, err := GetCategories(context.Background(), src, 10, serialPool{})
	require.NoError(t, err)
	require.Equal(t, []Code{-1, 5, 6}, info.Mappings[0])
	require.Equal(t, []int64{0, 1, 1}, info.Counts[0])
}

func TestGetCategoriesValidation(t *testing.T) {
	src := newRowSource(1, []*Code{nil}, []Code{1})

	_, err := GetCategories(context.Background(), src, 0, serialPool{})
	require.ErrorContains(t, err, "batch size")

	mismatched := newRowSource(2, []*Code{nil}, []Code{1, 2})
	_, err = GetCategories(context.Background(), mismatched, 1, serialPool{})
	require.ErrorContains(t, err, "missing sentinels")
}

func TestGetCategoriesWorkerFailureAborts(t *testing.T) {
	src := newRowSource(1, []*Code{nil}, []Code{1}, []Code{2}, []Code{3})
	src.failFrom = 2

	_, err := GetCategories(context.Background(), src, 1, serialPool{})
	require.ErrorContains(t, err, "injected failure")
}

func TestAccumulatorRejectsMalformedBatches(t *testing.T) {
	acc := newAccumulator()
	require.ErrorContains(t, acc.update([]Code{1, 2}, []int64{1}), "length mismatch")
	require.ErrorContains(t, acc.update([]Code{1}, []int64{-1}), "negative count")
}

func TestBatchSpans(t *testing.T) {
	require.Empty(t, batchSpans(4, 0))
	require.Equal(t, []span{{0, 4}, {4, 8}, {8, 10}}, batchSpans(4, 10))
	require.Equal(t, []span{{0, 3}}, batchSpans(10, 3))
}

func TestUniqueColumnValues(t *testing.T) {
	got := uniqueColumnValues(Values{
		Data:     []Code{7, 1, 5, 1, 7, 2, -3, 1},
		Features: 2,
	})
	require.Equal(t, [][]Code{{-3, 5, 7}, {1, 2}}, got.values)
	require.Equal(t, [][]int64{{1, 1, 2}, {3, 1}}, got.counts)
}

func TestTransformRoundTrip(t *testing.T) {
	src := newRowSource(2, []*Code{codePtr(-1), nil},
		[]Code{10, 4}, []Code{20, 5}, []Code{10, 6}, []Code{-1, 4})

	info, err := GetCategories(context.Background(), src, 2, serialPool{})
	require.NoError(t, err)

	tr := NewTransform(info.Mappings)
	full, err := src.Slice(0, src.Rows())
	require.NoError(t, err)
	out, err := tr.Apply(full)
	require.NoError(t, err)

	require.Equal(t, full.Features, out.Features)
	for i, idx := range out.Data {
		f := i % out.Features
		require.GreaterOrEqual(t, int(idx), 0)
		require.Less(t, int(idx), len(info.Mappings[f]))
		// Index lookup recovers the original code.
		require.Equal(t, full.Data[i], info.Mappings[f][idx])
	}
}

func TestTransformErrors(t *testing.T) {
	tr := NewTransform([][]Code{{1, 2}})

	_, err := tr.Apply(Values{Data: []Code{1, 2}, Features: 2})
	require.ErrorContains(t, err, "features")

	_, err = tr.Apply(Values{Data: []Code{3}, Features: 1})
	require.True(t, errors.Is(err, ErrUnmappedCode))
}
