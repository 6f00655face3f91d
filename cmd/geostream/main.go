package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geostreamio/geostream/internal/pipeline"
	"github.com/geostreamio/geostream/pkg/config"
	"github.com/geostreamio/geostream/pkg/format"
	"github.com/geostreamio/geostream/pkg/logger"
	"github.com/geostreamio/geostream/pkg/schema"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var logLevel string

	root := &cobra.Command{
		Use:   "geostream",
		Short: "geostream - streaming geospatial format conversion",
		Long: `geostream converts vector geospatial data between formats with bounded
memory: schemas are inferred from a sample, records stream through fixed
size batches, and geometries are re-encoded for the target format.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: logLevel, Encoding: "json"})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("geostream v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "formats",
		Short: "List supported formats",
		Run: func(cmd *cobra.Command, args []string) {
			for _, n := range []format.Name{format.GeoJSON, format.NDJSON, format.CSV, format.GeoParquet} {
				traits := make([]string, 0, 2)
				if format.SingleWriter(n) {
					traits = append(traits, "single-writer")
				}
				if format.SupportsAppend(n) {
					traits = append(traits, "append")
				}
				fmt.Printf("  %-12s %v\n", n, traits)
			}
		},
	})

	root.AddCommand(newConvertCommand())
	root.AddCommand(newSchemaCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newConvertCommand() *cobra.Command {
	var configFile string
	cfg := config.New()

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a source dataset to another format",
		Long: `Convert a source dataset to another format.

The job can be described in a YAML file (--config) or directly through
flags. Flags override the file.

Example:
  geostream convert --source cities.geojson --source-format geojson \
    --target cities.parquet --target-format geoparquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				loaded, err := config.Load(configFile)
				if err != nil {
					return err
				}
				mergeFlags(cmd, cfg, loaded)
				cfg = loaded
			}
			return runConvert(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to job configuration YAML file")
	cmd.Flags().StringVarP(&cfg.Source.Path, "source", "s", "", "Source path")
	cmd.Flags().StringVar(&cfg.Source.Format, "source-format", "", "Source format (geojson, ndjson, csv, geoparquet)")
	cmd.Flags().StringVarP(&cfg.Target.Path, "target", "t", "", "Target path")
	cmd.Flags().StringVar(&cfg.Target.Format, "target-format", "", "Target format (geojson, ndjson, csv, geoparquet)")
	cmd.Flags().StringVar(&cfg.Target.Mode, "mode", cfg.Target.Mode, "Write mode (overwrite, append)")
	cmd.Flags().IntVar(&cfg.Target.Partitions, "partitions", cfg.Target.Partitions, "Target partition count; collapsed to one for single-writer formats")
	cmd.Flags().IntVar(&cfg.Source.Partitions, "read-partitions", cfg.Source.Partitions, "Concurrent readers when the source is a directory of partition files")
	cmd.Flags().IntVar(&cfg.Batch.Size, "batch-size", cfg.Batch.Size, "Records per batch")
	cmd.Flags().StringVar(&cfg.Geometry.Column, "geometry-column", cfg.Geometry.Column, "Geometry column name")
	cmd.Flags().StringVar(&cfg.Geometry.TypeHint, "geometry-type", "", "Geometry type hint when the sample is ambiguous")
	cmd.Flags().Int64Var(&cfg.Sample.MaxBytes, "sample-bytes", cfg.Sample.MaxBytes, "Schema inference byte budget")
	cmd.Flags().IntVar(&cfg.Sample.MaxRecords, "sample-records", cfg.Sample.MaxRecords, "Schema inference record budget")

	return cmd
}

// mergeFlags overlays explicitly set flags onto a file-loaded config
func mergeFlags(cmd *cobra.Command, flags, loaded *config.Config) {
	if cmd.Flags().Changed("source") {
		loaded.Source.Path = flags.Source.Path
	}
	if cmd.Flags().Changed("source-format") {
		loaded.Source.Format = flags.Source.Format
	}
	if cmd.Flags().Changed("target") {
		loaded.Target.Path = flags.Target.Path
	}
	if cmd.Flags().Changed("target-format") {
		loaded.Target.Format = flags.Target.Format
	}
	if cmd.Flags().Changed("mode") {
		loaded.Target.Mode = flags.Target.Mode
	}
	if cmd.Flags().Changed("partitions") {
		loaded.Target.Partitions = flags.Target.Partitions
	}
	if cmd.Flags().Changed("read-partitions") {
		loaded.Source.Partitions = flags.Source.Partitions
	}
	if cmd.Flags().Changed("batch-size") {
		loaded.Batch.Size = flags.Batch.Size
	}
	if cmd.Flags().Changed("geometry-column") {
		loaded.Geometry.Column = flags.Geometry.Column
	}
	if cmd.Flags().Changed("geometry-type") {
		loaded.Geometry.TypeHint = flags.Geometry.TypeHint
	}
	if cmd.Flags().Changed("sample-bytes") {
		loaded.Sample.MaxBytes = flags.Sample.MaxBytes
	}
	if cmd.Flags().Changed("sample-records") {
		loaded.Sample.MaxRecords = flags.Sample.MaxRecords
	}
}

func runConvert(cfg *config.Config) error {
	job, err := pipeline.Plan(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	result, err := job.Run(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("done",
		zap.String("job_id", result.JobID),
		zap.Int64("records", result.Records),
		zap.Duration("elapsed", time.Since(start)))
	fmt.Printf("converted %d records in %s\n", result.Records, result.Duration.Round(time.Millisecond))
	return nil
}

func newSchemaCommand() *cobra.Command {
	var sourceFormat, geometryColumn, crs string
	var sampleBytes int64
	var sampleRecords int

	cmd := &cobra.Command{
		Use:   "schema <source>",
		Short: "Infer and print the schema of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := format.Parse(sourceFormat)
			if err != nil {
				return err
			}
			s, err := format.InferSchema(cmd.Context(), name, args[0], format.Options{
				GeometryColumn: geometryColumn,
				CRS:            crs,
				BufferLimit:    1 << 20,
				SampleBytes:    sampleBytes,
				SampleRecords:  sampleRecords,
			})
			if err != nil {
				return err
			}
			printSchema(s)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceFormat, "format", "geojson", "Source format")
	cmd.Flags().StringVar(&geometryColumn, "geometry-column", "geometry", "Geometry column name")
	cmd.Flags().StringVar(&crs, "crs", "", "Coordinate reference system identifier")
	cmd.Flags().Int64Var(&sampleBytes, "sample-bytes", schema.DefaultSampleBytes, "Schema inference byte budget")
	cmd.Flags().IntVar(&sampleRecords, "sample-records", schema.DefaultSampleRecords, "Schema inference record budget")

	return cmd
}

func printSchema(s *schema.Schema) {
	fmt.Printf("fields: %d  fingerprint: %016x\n", len(s.Fields), s.Fingerprint())
	for _, f := range s.Fields {
		if f.Geometry {
			fmt.Printf("  %-24s geometry (%s)\n", f.Name, f.GeometryType)
			continue
		}
		fmt.Printf("  %-24s %s\n", f.Name, f.Type)
	}
}
