// Package stats computes per-feature normalisation statistics for
// continuous covariates with the same batched, pool-parallel shape as
// category discovery.
package stats

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

// Values holds a row-contiguous block of continuous covariates, trailing
// axis = features. NaN marks a missing observation.
type Values struct {
	Data     []float64
	Features int
}

// Rows returns the number of flattened rows in the block.
func (v Values) Rows() int {
	if v.Features == 0 {
		return 0
	}
	return len(v.Data) / v.Features
}

// Source is an out-of-core, row-sliceable source of continuous values.
type Source interface {
	Rows() int
	Features() int
	Columns() []string
	Slice(start, end int) (Values, error)
}

// Pool is the task-parallel executor used to run batch moment
// extraction concurrently.
type Pool interface {
	Map(ctx context.Context, tasks int, fn func(i int) error) error
}

// ZeroDeviationError reports feature columns whose observed values have
// no spread, which would make normalisation divide by zero.
type ZeroDeviationError struct {
	Columns []string
}

func (e *ZeroDeviationError) Error() string {
	return fmt.Sprintf("columns with zero standard deviation: %s", strings.Join(e.Columns, ", "))
}

// Norm holds the per-feature mean, standard deviation and observation
// count of a source, NaN entries excluded.
type Norm struct {
	Mean []float64
	SD   []float64
	N    []int64
}

// Apply returns a copy of v with every observed value standardised to
// (x - mean) / sd. NaN entries stay NaN.
func (n Norm) Apply(v Values) (Values, error) {
	if v.Features != len(n.Mean) {
		return Values{}, fmt.Errorf("values have %d features, norm covers %d", v.Features, len(n.Mean))
	}
	out := Values{Data: make([]float64, len(v.Data)), Features: v.Features}
	for i, x := range v.Data {
		c := i % v.Features
		out.Data[i] = (x - n.Mean[c]) / n.SD[c]
	}
	return out, nil
}

// moments is the mergeable running (count, mean, M2) triple for one
// feature column.
type moments struct {
	n    int64
	mean float64
	m2   float64
}

func (m *moments) merge(o moments) {
	if o.n == 0 {
		return
	}
	if m.n == 0 {
		*m = o
		return
	}
	delta := o.mean - m.mean
	total := m.n + o.n
	m.m2 += o.m2 + delta*delta*float64(m.n)*float64(o.n)/float64(total)
	m.mean += delta * float64(o.n) / float64(total)
	m.n = total
}

// batchMoments computes per-column moments for one batch, skipping NaN.
func batchMoments(v Values) []moments {
	rows := v.Rows()
	out := make([]moments, v.Features)
	col := make([]float64, 0, rows)
	for c := 0; c < v.Features; c++ {
		col = col[:0]
		for r := 0; r < rows; r++ {
			if x := v.Data[r*v.Features+c]; !math.IsNaN(x) {
				col = append(col, x)
			}
		}
		switch len(col) {
		case 0:
		case 1:
			// MeanVariance yields a NaN variance for a single value.
			out[c] = moments{n: 1, mean: col[0]}
		default:
			mean, variance := stat.MeanVariance(col, nil)
			out[c] = moments{
				n:    int64(len(col)),
				mean: mean,
				m2:   variance * float64(len(col)-1),
			}
		}
	}
	return out
}

// Collect scans the source in batches of at most batchSize rows and
// returns the per-feature normalisation statistics. The per-batch moment
// extraction runs on the pool; merging is sequential in batch order.
// A feature whose observed values never vary is an error, since the
// resulting statistics could not be used for standardisation.
func Collect(ctx context.Context, source Source, batchSize int, workers Pool) (Norm, error) {
	if batchSize <= 0 {
		return Norm{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	nFeatures := source.Features()
	rows := source.Rows()

	spans := make([][2]int, 0, (rows+batchSize-1)/batchSize)
	for start := 0; start < rows; start += batchSize {
		end := start + batchSize
		if end > rows {
			end = rows
		}
		spans = append(spans, [2]int{start, end})
	}
	results := make([][]moments, len(spans))

	log.Info().Int("batches", len(spans)).Int("features", nFeatures).
		Msg("Computing normalisation statistics for continuous features")

	err := workers.Map(ctx, len(spans), func(i int) error {
		batch, err := source.Slice(spans[i][0], spans[i][1])
		if err != nil {
			return fmt.Errorf("slicing rows [%d, %d): %w", spans[i][0], spans[i][1], err)
		}
		if batch.Features != nFeatures {
			return fmt.Errorf("batch has %d features, source declares %d", batch.Features, nFeatures)
		}
		results[i] = batchMoments(batch)
		return nil
	})
	if err != nil {
		return Norm{}, err
	}

	merged := make([]moments, nFeatures)
	for _, res := range results {
		for c := range merged {
			merged[c].merge(res[c])
		}
	}

	norm := Norm{
		Mean: make([]float64, nFeatures),
		SD:   make([]float64, nFeatures),
		N:    make([]int64, nFeatures),
	}
	var flat []string
	for c, m := range merged {
		norm.Mean[c] = m.mean
		norm.N[c] = m.n
		if m.n > 1 {
			norm.SD[c] = math.Sqrt(m.m2 / float64(m.n-1))
		}
		if m.n > 0 && norm.SD[c] == 0 {
			flat = append(flat, source.Columns()[c])
		}
	}
	if flat != nil {
		return Norm{}, &ZeroDeviationError{Columns: flat}
	}
	return norm, nil
}
