package category

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// Code is the fixed-width integer type used for raw category codes.
// Counts are always int64 to avoid overflow on large sources.
type Code = int32

// Values holds a row-contiguous block of category codes whose trailing
// axis indexes features. Any leading axes of the original array are
// assumed to be pre-flattened into rows.
type Values struct {
	Data     []Code
	Features int
}

// Rows returns the number of flattened rows in the block.
func (v Values) Rows() int {
	if v.Features == 0 {
		return 0
	}
	return len(v.Data) / v.Features
}

// Source is an out-of-core, row-sliceable source of categorical values.
// It is read-only for the duration of a discovery pass.
type Source interface {
	// Rows returns the total row count of the source.
	Rows() int

	// Features returns the number of feature columns.
	Features() int

	// Missing returns the per-feature missing-value sentinel. A nil entry
	// means the feature has no missing-value convention. The slice length
	// must equal Features().
	Missing() []*Code

	// Slice returns rows [start, end).
	Slice(start, end int) (Values, error)
}

// Pool is a task-parallel executor. Map runs fn for every task index in
// [0, tasks) with bounded concurrency and returns the first error,
// cancelling outstanding tasks.
type Pool interface {
	Map(ctx context.Context, tasks int, fn func(i int) error) error
}

// Info is the immutable result of a discovery pass. Mappings holds the
// distinct codes of each feature, the array position giving the code's
// assigned dense index. Counts is aligned with Mappings and holds only
// real observations: an entry seeded from a missing sentinel that never
// occurs in the data stays at zero. Missing holds the normalised dense
// index of the sentinel for features that declared one, nil otherwise.
type Info struct {
	Mappings [][]Code
	Counts   [][]int64
	Missing  []*Code
}

// accumulator is an insertion-ordered value/count table for one feature:
// a map from code to slot paired with append-only value and count lists,
// updated together. Mutated only by the sequential merge.
type accumulator struct {
	slot   map[Code]int
	values []Code
	counts []int64
}

func newAccumulator() *accumulator {
	return &accumulator{slot: map[Code]int{}}
}

func (a *accumulator) update(values []Code, counts []int64) error {
	if len(values) != len(counts) {
		return fmt.Errorf("value/count length mismatch: %d values, %d counts", len(values), len(counts))
	}
	for i, v := range values {
		if counts[i] < 0 {
			return fmt.Errorf("negative count %d for category code %d", counts[i], v)
		}
		if s, ok := a.slot[v]; ok {
			a.counts[s] += counts[i]
		} else {
			a.slot[v] = len(a.values)
			a.values = append(a.values, v)
			a.counts = append(a.counts, counts[i])
		}
	}
	return nil
}

type span struct {
	start, end int
}

// batchSpans partitions [0, rows) into contiguous ascending spans of at
// most batchSize rows, the last span possibly shorter.
func batchSpans(batchSize, rows int) []span {
	spans := make([]span, 0, (rows+batchSize-1)/batchSize)
	for start := 0; start < rows; start += batchSize {
		end := start + batchSize
		if end > rows {
			end = rows
		}
		spans = append(spans, span{start: start, end: end})
	}
	return spans
}

// columnUniques holds the sorted distinct values and their in-batch
// counts for every feature column of one batch.
type columnUniques struct {
	values [][]Code
	counts [][]int64
}

// uniqueColumnValues computes, independently for each feature column, the
// sorted distinct codes present in the batch and their occurrence counts.
// Pure function over one batch; safe to run concurrently across batches.
func uniqueColumnValues(v Values) columnUniques {
	rows := v.Rows()
	out := columnUniques{
		values: make([][]Code, v.Features),
		counts: make([][]int64, v.Features),
	}
	col := make([]Code, rows)
	for c := 0; c < v.Features; c++ {
		for r := 0; r < rows; r++ {
			col[r] = v.Data[r*v.Features+c]
		}
		sort.Slice(col, func(i, j int) bool { return col[i] < col[j] })
		for r := 0; r < rows; r++ {
			n := len(out.values[c])
			if n > 0 && out.values[c][n-1] == col[r] {
				out.counts[c][n-1]++
			} else {
				out.values[c] = append(out.values[c], col[r])
				out.counts[c] = append(out.counts[c], 1)
			}
		}
	}
	return out
}

// GetCategories scans the source in batches of at most batchSize rows,
// extracting distinct codes and counts in parallel on the given pool and
// merging them sequentially in ascending batch order, so the first-seen
// ordering of Mappings is deterministic regardless of task completion
// order. Features with a declared missing sentinel have the sentinel
// seeded at count zero, guaranteeing it a dense index even when never
// observed. Any worker failure or malformed batch aborts the whole pass.
func GetCategories(ctx context.Context, source Source, batchSize int, workers Pool) (Info, error) {
	if batchSize <= 0 {
		return Info{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	nFeatures := source.Features()
	missing := source.Missing()
	if len(missing) != nFeatures {
		return Info{}, fmt.Errorf("source declares %d missing sentinels for %d features", len(missing), nFeatures)
	}

	accums := make([]*accumulator, nFeatures)
	for i := range accums {
		accums[i] = newAccumulator()
		if m := missing[i]; m != nil {
			if err := accums[i].update([]Code{*m}, []int64{0}); err != nil {
				return Info{}, err
			}
		}
	}

	spans := batchSpans(batchSize, source.Rows())
	results := make([]columnUniques, len(spans))

	log.Info().Int("batches", len(spans)).Int("features", nFeatures).
		Msg("Computing unique values in categorical features")

	err := workers.Map(ctx, len(spans), func(i int) error {
		batch, err := source.Slice(spans[i].start, spans[i].end)
		if err != nil {
			return fmt.Errorf("slicing rows [%d, %d): %w", spans[i].start, spans[i].end, err)
		}
		if batch.Features != nFeatures {
			return fmt.Errorf("batch has %d features, source declares %d", batch.Features, nFeatures)
		}
		if want := (spans[i].end - spans[i].start) * nFeatures; len(batch.Data) != want {
			return fmt.Errorf("batch for rows [%d, %d) has %d values, want %d",
				spans[i].start, spans[i].end, len(batch.Data), want)
		}
		results[i] = uniqueColumnValues(batch)
		return nil
	})
	if err != nil {
		return Info{}, err
	}

	// Results are slotted by batch index, so merging the slice front to
	// back processes batches in ascending row order.
	for i, res := range results {
		for c, acc := range accums {
			if err := acc.update(res.values[c], res.counts[c]); err != nil {
				return Info{}, fmt.Errorf("merging batch %d feature %d: %w", i, c, err)
			}
		}
		log.Debug().Int("batch", i).Msg("Merged categorical batch")
	}

	info := Info{
		Mappings: make([][]Code, nFeatures),
		Counts:   make([][]int64, nFeatures),
		Missing:  make([]*Code, nFeatures),
	}
	for i, acc := range accums {
		info.Mappings[i] = acc.values
		info.Counts[i] = acc.counts
		if missing[i] != nil {
			idx := Code(acc.slot[*missing[i]])
			info.Missing[i] = &idx
		}
	}
	return info, nil
}
