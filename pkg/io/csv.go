// Package io ingests delimited text data into the feature store.
package io

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"loam/pkg/category"
	"loam/pkg/stats"
	"loam/pkg/store"
)

type void struct{}

// Set is a string set used to mark categorical columns.
type Set map[string]void

// NewSet builds a Set from its arguments.
func NewSet(values ...string) Set {
	set := Set{}
	for _, val := range values {
		set[val] = void{}
	}
	return set
}

// Parameters controls a CSV import.
type Parameters struct {
	DataFile           string
	TargetColumn       string
	CategoricalColumns Set

	// MissingTokens are field values treated as absent observations.
	MissingTokens Set

	// MissingSentinel is the code stored for absent categorical values
	// and declared as the per-feature sentinel.
	MissingSentinel category.Code

	ChunkRows int
}

// DataError records a non-fatal parse failure on one input line. The
// offending line is skipped, not imported.
type DataError struct {
	Line  int
	Error string
}

// Summary describes a completed import.
type Summary struct {
	Rows               int
	CategoricalColumns []string
	OrdinalColumns     []string
	TargetLabels       []string
}

// DefaultMissingTokens are the field values treated as missing when the
// caller does not override them.
func DefaultMissingTokens() Set {
	return NewSet("", "NA", "?")
}

// ImportCSV reads the data file and writes its columns into the store:
// categorical columns as int32 codes with the configured missing
// sentinel, remaining non-target columns as float64 with NaN for
// missing, and the target column as a label-indexed float64 array.
// Lines that fail to parse are reported and skipped.
func ImportCSV(p Parameters, db *store.DB) (*Summary, []DataError, error) {
	inputFile, err := os.Open(p.DataFile)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening file: %w", err)
	}
	defer inputFile.Close()

	reader := csv.NewReader(inputFile)
	reader.Comma = ','

	// First line is expected to be a header
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("error reading data header: %w", err)
	}

	if p.MissingTokens == nil {
		p.MissingTokens = DefaultMissingTokens()
	}

	var catCols, ordCols []int
	targetCol := -1
	for i, col := range header {
		switch {
		case col == p.TargetColumn:
			targetCol = i
		case containsKey(p.CategoricalColumns, col):
			catCols = append(catCols, i)
		default:
			ordCols = append(ordCols, i)
		}
	}
	if p.TargetColumn != "" && targetCol == -1 {
		return nil, nil, fmt.Errorf("target column %s not found in data header", p.TargetColumn)
	}

	catNames := columnNames(header, catCols)
	ordNames := columnNames(header, ordCols)

	missing := make([]*category.Code, len(catCols))
	for i := range missing {
		m := p.MissingSentinel
		missing[i] = &m
	}

	// Arrays with no columns are not written at all, so the store only
	// advertises the covariate kinds actually present.
	var catWriter *store.CategoricalWriter
	if len(catCols) > 0 {
		if catWriter, err = db.NewCategoricalWriter(catNames, missing, p.ChunkRows); err != nil {
			return nil, nil, err
		}
	}
	var ordWriter *store.OrdinalWriter
	if len(ordCols) > 0 {
		ordWriter = db.NewOrdinalWriter(ordNames, p.ChunkRows)
	}
	var tgtWriter *store.OrdinalWriter
	labels := newLabelMap()
	if targetCol != -1 {
		tgtWriter = db.NewTargetWriter(header[targetCol], nil, p.ChunkRows)
	}

	var dataErrors []DataError
	rows := 0
	line := 0
	for record, err := reader.Read(); err == nil; record, err = reader.Read() {
		line++
		catRow, ordRow, target, perr := parseRow(p, record, catCols, ordCols, targetCol, labels)
		if perr != nil {
			dataErrors = append(dataErrors, DataError{Line: line, Error: perr.Error()})
			continue
		}
		if catWriter != nil {
			if err := catWriter.Append(category.Values{Data: catRow, Features: len(catCols)}); err != nil {
				return nil, dataErrors, err
			}
		}
		if ordWriter != nil {
			if err := ordWriter.Append(stats.Values{Data: ordRow, Features: len(ordCols)}); err != nil {
				return nil, dataErrors, err
			}
		}
		if tgtWriter != nil {
			if err := tgtWriter.Append(stats.Values{Data: []float64{target}, Features: 1}); err != nil {
				return nil, dataErrors, err
			}
		}
		rows++
	}

	if catWriter != nil {
		if err := catWriter.Close(); err != nil {
			return nil, dataErrors, err
		}
	}
	if ordWriter != nil {
		if err := ordWriter.Close(); err != nil {
			return nil, dataErrors, err
		}
	}
	if tgtWriter != nil {
		tgtWriter.SetLabels(labels.names)
		if err := tgtWriter.Close(); err != nil {
			return nil, dataErrors, err
		}
	}

	return &Summary{
		Rows:               rows,
		CategoricalColumns: catNames,
		OrdinalColumns:     ordNames,
		TargetLabels:       labels.names,
	}, dataErrors, nil
}

func parseRow(p Parameters, record []string, catCols, ordCols []int, targetCol int, labels *labelMap) ([]category.Code, []float64, float64, error) {
	catRow := make([]category.Code, len(catCols))
	for i, col := range catCols {
		if col >= len(record) {
			return nil, nil, 0, fmt.Errorf("line has %d fields, need column %d", len(record), col+1)
		}
		field := record[col]
		if containsKey(p.MissingTokens, field) {
			catRow[i] = p.MissingSentinel
			continue
		}
		v, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("error parsing categorical feature %d: %w", col+1, err)
		}
		catRow[i] = category.Code(v)
	}

	ordRow := make([]float64, len(ordCols))
	for i, col := range ordCols {
		if col >= len(record) {
			return nil, nil, 0, fmt.Errorf("line has %d fields, need column %d", len(record), col+1)
		}
		field := record[col]
		if containsKey(p.MissingTokens, field) {
			ordRow[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("error parsing continuous feature %d: %w", col+1, err)
		}
		ordRow[i] = v
	}

	target := 0.0
	if targetCol != -1 {
		if targetCol >= len(record) {
			return nil, nil, 0, fmt.Errorf("line has %d fields, need target column %d", len(record), targetCol+1)
		}
		target = float64(labels.valueFor(record[targetCol]))
	}
	return catRow, ordRow, target, nil
}

// labelMap assigns dense indices to target labels in first-seen order.
type labelMap struct {
	index map[string]int
	names []string
}

func newLabelMap() *labelMap {
	return &labelMap{index: map[string]int{}}
}

func (m *labelMap) valueFor(name string) int {
	if i, ok := m.index[name]; ok {
		return i
	}
	i := len(m.names)
	m.index[name] = i
	m.names = append(m.names, name)
	return i
}

func containsKey(s Set, key string) bool {
	_, ok := s[key]
	return ok
}

func columnNames(header []string, cols []int) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = header[c]
	}
	return names
}
