package pkg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"loam/pkg/category"
	"loam/pkg/meta"
	"loam/pkg/serialise"
	"loam/pkg/stats"
	"loam/pkg/store"
	"loam/pkg/work"
)

// ExtractParameters controls an extraction run.
type ExtractParameters struct {
	StorePath string
	OutputDir string

	// BatchSize is the row count per discovery and serialisation batch.
	BatchSize int

	// Workers bounds the parallelism of the discovery passes. Zero
	// selects the number of CPUs.
	Workers int

	// TestEvery routes every n-th batch to the test record file. Zero
	// writes everything to the train file.
	TestEvery int

	CompressionLevel int
	Halfwidth        int
}

// TrainRecordsFile and TestRecordsFile are the record file names written
// into the output directory.
const (
	TrainRecordsFile = "train.records"
	TestRecordsFile  = "test.records"
)

// Extract runs category discovery and normalisation statistics over the
// feature store, then serialises the transformed covariates into
// compressed record files and writes the training metadata. Any failure
// aborts the run; there are no partial results.
func Extract(ctx context.Context, p ExtractParameters) error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", p.BatchSize)
	}

	db, err := store.Open(p.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	features, err := db.OpenFeatures()
	if err != nil {
		return err
	}
	workers := work.New(p.Workers)

	var info category.Info
	var transform *category.Transform
	var catMissing []*category.Code
	if features.Cat != nil && features.Cat.Features() > 0 {
		info, err = category.GetCategories(ctx, features.Cat, p.BatchSize, workers)
		if err != nil {
			return fmt.Errorf("category discovery: %w", err)
		}
		transform = category.NewTransform(info.Mappings)
		catMissing = features.Cat.Missing()
	}

	var norm stats.Norm
	if features.Ord != nil && features.Ord.Features() > 0 {
		norm, err = stats.Collect(ctx, features.Ord, p.BatchSize, workers)
		if err != nil {
			return fmt.Errorf("normalisation statistics: %w", err)
		}
	}

	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", p.OutputDir, err)
	}

	trainFile, err := os.Create(filepath.Join(p.OutputDir, TrainRecordsFile))
	if err != nil {
		return fmt.Errorf("creating train records: %w", err)
	}
	defer trainFile.Close()
	trainWriter := serialise.NewWriter(trainFile, p.CompressionLevel)

	var testWriter *serialise.Writer
	if p.TestEvery > 0 {
		testFile, err := os.Create(filepath.Join(p.OutputDir, TestRecordsFile))
		if err != nil {
			return fmt.Errorf("creating test records: %w", err)
		}
		defer testFile.Close()
		testWriter = serialise.NewWriter(testFile, p.CompressionLevel)
	}

	encoder := serialise.NewEncoder(transform, catMissing, norm)
	rows := features.Rows()
	nTrain := 0

	for start, batch := 0, 0; start < rows; start, batch = start+p.BatchSize, batch+1 {
		end := start + p.BatchSize
		if end > rows {
			end = rows
		}

		var cat category.Values
		if features.Cat != nil {
			if cat, err = features.Cat.Slice(start, end); err != nil {
				return err
			}
		}
		var ord stats.Values
		if features.Ord != nil {
			if ord, err = features.Ord.Slice(start, end); err != nil {
				return err
			}
		}
		var targets []float64
		if features.Tgt != nil {
			tgt, err := features.Tgt.Slice(start, end)
			if err != nil {
				return err
			}
			targets = tgt.Data
		}

		rec, err := encoder.Encode(cat, ord, targets)
		if err != nil {
			return fmt.Errorf("encoding rows [%d, %d): %w", start, end, err)
		}

		w := trainWriter
		if testWriter != nil && (batch+1)%p.TestEvery == 0 {
			w = testWriter
		} else {
			nTrain += end - start
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}

	m := &meta.TrainingMetadata{
		NFeaturesOrd: ordFeatures(features),
		Norm:         norm,
		Halfwidth:    p.Halfwidth,
		N:            nTrain,
	}
	m.FromCategories(info)
	if features.Tgt != nil {
		m.TargetLabels = features.Tgt.Labels()
		m.NTargets = len(m.TargetLabels)
	}
	if err := meta.Write(p.OutputDir, m); err != nil {
		return err
	}

	log.Info().Int("rows", rows).Int("trainRows", nTrain).
		Str("output", p.OutputDir).Msg("Extraction complete")
	return nil
}

func ordFeatures(f *store.Features) int {
	if f.Ord == nil {
		return 0
	}
	return f.Ord.Features()
}
