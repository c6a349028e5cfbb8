package pkg

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"loam/pkg/category"
	"loam/pkg/meta"
	"loam/pkg/serialise"
)

func TestImportExtractPipeline(t *testing.T) {
	dataFile := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte(`soil,elev,class
1,1.0,sand
2,2.0,clay
1,3.0,sand
?,4.0,clay
3,5.0,sand
1,6.0,clay
`), 0o644))
	storeDir := filepath.Join(t.TempDir(), "store")
	outDir := filepath.Join(t.TempDir(), "out")

	require.NoError(t, Import(ImportParameters{
		DataFile:           dataFile,
		StorePath:          storeDir,
		TargetColumn:       "class",
		CategoricalColumns: []string{"soil"},
		MissingSentinel:    -1,
	}))

	require.NoError(t, Extract(context.Background(), ExtractParameters{
		StorePath: storeDir,
		OutputDir: outDir,
		BatchSize: 2,
		TestEvery: 2,
	}))

	m, err := meta.Load(filepath.Join(outDir, meta.MetadataFile))
	require.NoError(t, err)
	require.Equal(t, 1, m.NFeaturesCat)
	require.Equal(t, 1, m.NFeaturesOrd)
	require.Equal(t, []category.Code{-1, 1, 2, 3}, m.Mappings[0])
	require.Equal(t, []int64{1, 3, 1, 1}, m.Counts[0])
	require.Equal(t, []int{0}, m.MissingIndex)
	require.Equal(t, []string{"sand", "clay"}, m.TargetLabels)
	require.Equal(t, 2, m.NTargets)
	require.Equal(t, 4, m.N) // one of three batches held out
	require.InDelta(t, 3.5, m.Norm.Mean[0], 1e-12)

	trainRecords := readRecords(t, filepath.Join(outDir, TrainRecordsFile))
	testRecords := readRecords(t, filepath.Join(outDir, TestRecordsFile))
	require.Len(t, trainRecords, 2)
	require.Len(t, testRecords, 1)

	// Batch 0 goes to train, batch 1 to test, batch 2 to train.
	require.Equal(t, []category.Code{1, 2}, trainRecords[0].Categorical)
	require.Equal(t, []category.Code{1, 0}, testRecords[0].Categorical)
	require.Equal(t, []category.Code{3, 1}, trainRecords[1].Categorical)
	require.Equal(t, []float64{0, 1}, trainRecords[0].Targets)

	// The held-out batch row with the missing sentinel is masked.
	mask, err := testRecords[0].CategoricalMissing()
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, mask.ToArray())

	// Every transformed code stays inside the dense index range.
	for _, rec := range append(trainRecords, testRecords...) {
		for _, idx := range rec.Categorical {
			require.GreaterOrEqual(t, int(idx), 0)
			require.Less(t, int(idx), len(m.Mappings[0]))
		}
	}
}

func TestExtractValidation(t *testing.T) {
	err := Extract(context.Background(), ExtractParameters{StorePath: t.TempDir(), OutputDir: t.TempDir()})
	require.ErrorContains(t, err, "batch size")
}

func readRecords(t *testing.T, path string) []serialise.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []serialise.Record
	r := serialise.NewReader(f)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return records
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
}
