package pkg

import (
	"github.com/rs/zerolog/log"

	"loam/pkg/category"
	"loam/pkg/io"
	"loam/pkg/store"
)

// ImportParameters controls a CSV import into a feature store.
type ImportParameters struct {
	DataFile           string
	StorePath          string
	TargetColumn       string
	CategoricalColumns []string
	MissingSentinel    int32
	ChunkRows          int
}

// Import ingests the data file into a feature store at StorePath. Lines
// that fail to parse are logged and skipped; any other failure aborts
// the import.
func Import(p ImportParameters) error {
	db, err := store.Open(p.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	summary, dataErrors, err := io.ImportCSV(io.Parameters{
		DataFile:           p.DataFile,
		TargetColumn:       p.TargetColumn,
		CategoricalColumns: io.NewSet(p.CategoricalColumns...),
		MissingSentinel:    category.Code(p.MissingSentinel),
		ChunkRows:          p.ChunkRows,
	}, db)
	if err != nil {
		return err
	}
	printDataErrors(dataErrors)

	log.Info().Int("rows", summary.Rows).
		Int("categorical", len(summary.CategoricalColumns)).
		Int("continuous", len(summary.OrdinalColumns)).
		Int("targetLabels", len(summary.TargetLabels)).
		Msg("Import complete")
	return nil
}

func printDataErrors(errors []io.DataError) {
	for _, err := range errors {
		log.Error().Msgf("Error parsing data at line %d: %s", err.Line, err.Error)
	}
}
