// Package meta defines the training metadata persisted alongside
// serialised records so the model side can reconstruct feature shapes
// without touching the feature store.
package meta

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"loam/pkg/category"
	"loam/pkg/stats"
)

// MetadataFile is the file name used inside an output directory.
const MetadataFile = "METADATA.bin"

// ImageSpec describes the raster grid the covariates were extracted
// from: the coordinate vectors of pixel centres and the CRS string.
type ImageSpec struct {
	XCoordinates []float64
	YCoordinates []float64
	CRS          string
}

// Width and Height of the raster grid in pixels.
func (s ImageSpec) Width() int  { return len(s.XCoordinates) }
func (s ImageSpec) Height() int { return len(s.YCoordinates) }

// TrainingMetadata captures everything the training side needs about an
// extraction: feature counts, category mappings, normalisation
// statistics and target labels.
type TrainingMetadata struct {
	NTargets     int
	TargetLabels []string

	NFeaturesOrd int
	NFeaturesCat int

	// NCategories holds, per categorical feature, the number of distinct
	// codes (the embedding vocabulary size).
	NCategories []int

	// Mappings and Counts are the per-feature category tables from
	// discovery. MissingIndex holds the dense index of each feature's
	// missing sentinel, -1 for features without one. gob cannot encode
	// the nil entries of category.Info.Missing directly.
	Mappings     [][]category.Code
	Counts       [][]int64
	MissingIndex []int

	Norm stats.Norm

	Halfwidth int
	N         int

	ImageSpec ImageSpec
}

// FromCategories records a discovery result.
func (m *TrainingMetadata) FromCategories(info category.Info) {
	m.Mappings = info.Mappings
	m.Counts = info.Counts
	m.NFeaturesCat = len(info.Mappings)
	m.NCategories = make([]int, len(info.Mappings))
	m.MissingIndex = make([]int, len(info.Mappings))
	for i, mapping := range info.Mappings {
		m.NCategories[i] = len(mapping)
		m.MissingIndex[i] = -1
		if info.Missing[i] != nil {
			m.MissingIndex[i] = int(*info.Missing[i])
		}
	}
}

// Write persists the metadata as METADATA.bin in the given directory.
func Write(directory string, m *TrainingMetadata) error {
	path := filepath.Join(directory, MetadataFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metadata file %s: %w", path, err)
	}
	if err := gob.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return f.Close()
}

// Load reads metadata previously written with Write.
func Load(path string) (*TrainingMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata file %s: %w", path, err)
	}
	defer f.Close()
	m := &TrainingMetadata{}
	if err := gob.NewDecoder(f).Decode(m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}
