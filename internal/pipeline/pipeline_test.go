package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostreamio/geostream/pkg/config"
	"github.com/geostreamio/geostream/pkg/metrics"
)

const citiesDoc = `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Point","coordinates":[10.75,59.91]},"properties":{"name":"Oslo","population":700000}},
{"type":"Feature","geometry":{"type":"Point","coordinates":[18.07,59.33]},"properties":{"name":"Stockholm","population":975000}},
{"type":"Feature","geometry":null,"properties":{"name":"Atlantis","population":null}}
]}`

func jobConfig(t *testing.T, srcFormat, dstFormat string) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New()
	cfg.Source.Path = filepath.Join(dir, "in."+srcFormat)
	cfg.Source.Format = srcFormat
	cfg.Target.Path = filepath.Join(dir, "out."+dstFormat)
	cfg.Target.Format = dstFormat
	return cfg, dir
}

func TestGeoJSONToCSV(t *testing.T) {
	cfg, _ := jobConfig(t, "geojson", "csv")
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(citiesDoc), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)
	result, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.Records)
	assert.Equal(t, int64(1), result.Batches)
	assert.NotEmpty(t, result.JobID)

	out, err := os.ReadFile(cfg.Target.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "name,population,geometry", lines[0])
	assert.Equal(t, "Atlantis,,", lines[3])
}

func TestCSVToGeoJSONAndBack(t *testing.T) {
	cfg, _ := jobConfig(t, "csv", "geojson")
	src := "name,population,geometry\nOslo,700000,POINT (10.75 59.91)\n"
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(src), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)
	result, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Records)

	out, err := os.ReadFile(cfg.Target.Path)
	require.NoError(t, err)

	var doc struct {
		Features []struct {
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, gojson.Unmarshal(out, &doc))
	require.Len(t, doc.Features, 1)
	assert.Equal(t, "Oslo", doc.Features[0].Properties["name"])
	assert.Equal(t, float64(700000), doc.Features[0].Properties["population"])
}

func TestGeoJSONToGeoParquetRoundTrip(t *testing.T) {
	cfg, dir := jobConfig(t, "geojson", "geoparquet")
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(citiesDoc), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.NoError(t, err)

	// Convert the parquet back to newline-delimited features.
	back := config.New()
	back.Source.Path = cfg.Target.Path
	back.Source.Format = "geoparquet"
	back.Target.Path = filepath.Join(dir, "back.ndjson")
	back.Target.Format = "ndjson"

	job, err = Plan(back)
	require.NoError(t, err)
	result, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Records)

	out, err := os.ReadFile(back.Target.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"Oslo"`)
}

func TestPartitionCollapseForSingleWriterTarget(t *testing.T) {
	cfg, _ := jobConfig(t, "geojson", "csv")
	cfg.Target.Partitions = 4
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(citiesDoc), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Target.Partitions)

	_, err = job.Run(context.Background())
	require.NoError(t, err)

	// The collapsed run must produce the same bytes as an explicit
	// single-writer run over the same input.
	single, _ := jobConfig(t, "geojson", "csv")
	require.NoError(t, os.WriteFile(single.Source.Path, []byte(citiesDoc), 0644))
	job, err = Plan(single)
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.NoError(t, err)

	collapsed, err := os.ReadFile(cfg.Target.Path)
	require.NoError(t, err)
	direct, err := os.ReadFile(single.Target.Path)
	require.NoError(t, err)
	assert.Equal(t, direct, collapsed)
}

func TestPartitionedGeoParquetTarget(t *testing.T) {
	cfg, _ := jobConfig(t, "geojson", "geoparquet")
	cfg.Target.Partitions = 2
	cfg.Batch.Size = 2
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(citiesDoc), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)
	result, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Batches)

	entries, err := os.ReadDir(cfg.Target.Path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAppendModeRejectedForGeoParquet(t *testing.T) {
	cfg, _ := jobConfig(t, "geojson", "geoparquet")
	cfg.Target.Mode = config.ModeAppend

	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support append")
}

func TestAppendModeCSV(t *testing.T) {
	cfg, _ := jobConfig(t, "geojson", "csv")
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(citiesDoc), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.NoError(t, err)

	cfg.Target.Mode = config.ModeAppend
	job, err = Plan(cfg)
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.NoError(t, err)

	out, err := os.ReadFile(cfg.Target.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	// One header plus three rows from each pass.
	assert.Len(t, lines, 7)
}

func TestByteCountersAdvance(t *testing.T) {
	readBefore := testutil.ToFloat64(metrics.BytesRead.WithLabelValues("geojson"))
	writeBefore := testutil.ToFloat64(metrics.BytesWritten.WithLabelValues("csv"))

	cfg, _ := jobConfig(t, "geojson", "csv")
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(citiesDoc), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.NoError(t, err)

	assert.Greater(t, testutil.ToFloat64(metrics.BytesRead.WithLabelValues("geojson")), readBefore)
	assert.Greater(t, testutil.ToFloat64(metrics.BytesWritten.WithLabelValues("csv")), writeBefore)
}

func TestDirectorySourceParallelDecode(t *testing.T) {
	cfg, dir := jobConfig(t, "geojson", "geoparquet")
	cfg.Target.Partitions = 2
	cfg.Batch.Size = 2
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(citiesDoc), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.NoError(t, err)

	// Read the partitioned directory back with two concurrent readers.
	back := config.New()
	back.Source.Path = cfg.Target.Path
	back.Source.Format = "geoparquet"
	back.Source.Partitions = 2
	back.Target.Path = filepath.Join(dir, "back.ndjson")
	back.Target.Format = "ndjson"

	job, err = Plan(back)
	require.NoError(t, err)
	result, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Records)

	out, err := os.ReadFile(back.Target.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3)

	var names []string
	for _, line := range lines {
		var feature struct {
			Properties map[string]interface{} `json:"properties"`
		}
		require.NoError(t, gojson.Unmarshal([]byte(line), &feature))
		names = append(names, feature.Properties["name"].(string))
	}
	assert.ElementsMatch(t, []string{"Oslo", "Stockholm", "Atlantis"}, names)
}

func TestEmptySourceDirectory(t *testing.T) {
	cfg, dir := jobConfig(t, "geojson", "csv")
	cfg.Source.Path = filepath.Join(dir, "empty")
	require.NoError(t, os.MkdirAll(cfg.Source.Path, 0755))

	job, err := Plan(cfg)
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files")
}

func TestRunCancellation(t *testing.T) {
	cfg, _ := jobConfig(t, "geojson", "csv")
	require.NoError(t, os.WriteFile(cfg.Source.Path, []byte(citiesDoc), 0644))

	job, err := Plan(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = job.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlanRejectsBadConfig(t *testing.T) {
	cfg := config.New()
	_, err := Plan(cfg)
	require.Error(t, err)

	cfg, _ = jobConfig(t, "geojson", "csv")
	cfg.Geometry.TypeHint = "Hexagon"
	_, err = Plan(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown geometry type hint")
}
