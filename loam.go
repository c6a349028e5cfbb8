package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loam/pkg"
)

func ImportCommand() *cobra.Command {
	var params pkg.ImportParameters

	var cmd = &cobra.Command{
		Use:   "import -i dataFile -s storeDir",
		Short: "Imports CSV covariate data into a feature store",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fillInt(cmd, "chunk-rows", &params.ChunkRows)
			return pkg.Import(params)
		},
	}

	cmd.Flags().StringVarP(&params.DataFile, "input", "i", "", "name of input CSV file")
	cmd.Flags().StringVarP(&params.StorePath, "store", "s", "", "directory of the feature store to create")
	cmd.Flags().StringVarP(&params.TargetColumn, "target-column", "t", "", "target column (optional)")
	cmd.Flags().StringSliceVarP(&params.CategoricalColumns, "categorical-columns", "", nil, "list of columns holding categorical data")
	cmd.Flags().Int32VarP(&params.MissingSentinel, "missing-sentinel", "", -1, "code stored for missing categorical values")
	cmd.Flags().IntVarP(&params.ChunkRows, "chunk-rows", "", 0, "rows per stored chunk")

	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}

func ExtractCommand() *cobra.Command {
	var params pkg.ExtractParameters

	var cmd = &cobra.Command{
		Use:   "extract -s storeDir -o outputDir",
		Short: "Discovers category mappings and statistics, then serialises training records",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fillInt(cmd, "batch-size", &params.BatchSize)
			fillInt(cmd, "workers", &params.Workers)
			fillInt(cmd, "compression-level", &params.CompressionLevel)
			return pkg.Extract(cmd.Context(), params)
		},
	}

	cmd.Flags().StringVarP(&params.StorePath, "store", "s", "", "directory of the feature store to read")
	cmd.Flags().StringVarP(&params.OutputDir, "output", "o", "", "directory to write records and metadata to")
	cmd.Flags().IntVarP(&params.BatchSize, "batch-size", "b", 4096, "rows per batch")
	cmd.Flags().IntVarP(&params.Workers, "workers", "w", 0, "worker count, 0 for the number of CPUs")
	cmd.Flags().IntVarP(&params.TestEvery, "test-every", "", 0, "route every n-th batch to the test records, 0 for no split")
	cmd.Flags().IntVarP(&params.CompressionLevel, "compression-level", "", 0, "zstd compression level, 0 for default")
	cmd.Flags().IntVarP(&params.Halfwidth, "halfwidth", "", 0, "patch halfwidth recorded in the metadata")

	_ = cmd.MarkFlagRequired("store")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

// fillInt overrides an unset flag with the config file value of the same
// name, when one is present.
func fillInt(cmd *cobra.Command, name string, dst *int) {
	if !cmd.Flags().Changed(name) && viper.IsSet(name) {
		*dst = viper.GetInt(name)
	}
}

var logLevel string
var logFormat string
var configFile string

func main() {

	Main := &cobra.Command{Use: "loam", PersistentPreRunE: setup}

	Main.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	Main.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")
	Main.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Optional config file with default parameters")

	Main.AddCommand(ImportCommand())
	Main.AddCommand(ExtractCommand())

	if err := Main.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	setupLogging()
	if configFile == "" {
		return nil
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return nil
}

func setupLogging() {

	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		panic("Invalid logging level specified")
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
	default:
		panic("Invalid log format specified")

	}

}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}

	}
	log.Logger = log.Output(writer)

}
