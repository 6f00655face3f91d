// Package format defines the closed set of supported vector formats and
// dispatches schema inference, decoding and sink construction to the
// per-format packages.
//
// The set is a deliberate enumeration rather than a plugin registry:
// every call site switches exhaustively over Name, so adding a format is
// a compile-visible change instead of a runtime registration.
package format

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/geostreamio/geostream/pkg/batch"
	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/format/csv"
	"github.com/geostreamio/geostream/pkg/format/geojson"
	"github.com/geostreamio/geostream/pkg/format/geoparquet"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/metrics"
	"github.com/geostreamio/geostream/pkg/record"
	"github.com/geostreamio/geostream/pkg/schema"
)

// Name identifies a supported format
type Name string

const (
	GeoJSON    Name = "geojson"
	NDJSON     Name = "ndjson"
	CSV        Name = "csv"
	GeoParquet Name = "geoparquet"
)

// Parse resolves a format name from configuration or a CLI flag
func Parse(s string) (Name, error) {
	switch Name(strings.ToLower(strings.TrimSpace(s))) {
	case GeoJSON:
		return GeoJSON, nil
	case NDJSON:
		return NDJSON, nil
	case CSV:
		return CSV, nil
	case GeoParquet:
		return GeoParquet, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unsupported format %q", s)
	}
}

// Options carries the per-job knobs the format packages need
type Options struct {
	GeometryColumn string
	GeometryHint   geom.Type
	CRS            string
	BufferLimit    int64
	SampleBytes    int64
	SampleRecords  int
	Append         bool
	Partitions     int
}

// Decoder produces records from a source, one at a time. Next returns
// io.EOF after the last record.
type Decoder interface {
	Next(ctx context.Context) (*record.Record, error)
	Close() error
}

// Sink consumes sealed batches. Close flushes any buffered state and
// finalizes the target; a sink that returned an error from WriteBatch
// still needs Close.
type Sink interface {
	WriteBatch(ctx context.Context, b *batch.Batch) error
	Close() error
}

// SingleWriter reports whether the format requires all output in one
// writer. Row-oriented text targets share one file handle; parquet
// targets can fan out over partitioned files.
func SingleWriter(n Name) bool {
	switch n {
	case GeoJSON, NDJSON, CSV:
		return true
	default:
		return false
	}
}

// SupportsAppend reports whether a sink can add to an existing target.
// FeatureCollection output embeds records inside a document wrapper and
// parquet files carry footer metadata, so both are overwrite only.
func SupportsAppend(n Name) bool {
	switch n {
	case NDJSON, CSV:
		return true
	default:
		return false
	}
}

// InferSchema samples the source at path and returns the inferred
// schema. The sample is bounded by opts.SampleBytes and
// opts.SampleRecords; a record cut off at the byte bound is discarded
// rather than failing the pass.
func InferSchema(ctx context.Context, n Name, path string, opts Options) (*schema.Schema, error) {
	if n == GeoParquet {
		return geoparquet.InferSchema(ctx, path, geoparquetOptions(opts))
	}

	r, err := openSource(path, n)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	sample := io.LimitReader(r, opts.SampleBytes)
	switch n {
	case GeoJSON:
		return geojson.InferSchema(ctx, sample, geojsonOptions(opts))
	case NDJSON:
		return geojson.InferSchemaLines(ctx, sample, geojsonOptions(opts))
	case CSV:
		return csv.InferSchema(ctx, sample, csvOptions(opts))
	default:
		return nil, errors.Newf(errors.ErrorTypeInternal, "unknown format %q", n)
	}
}

// OpenDecoder opens a streaming decoder over the source at path
func OpenDecoder(ctx context.Context, n Name, path string, s *schema.Schema, opts Options) (Decoder, error) {
	if n == GeoParquet {
		return geoparquet.NewDecoder(ctx, path, s)
	}

	r, err := openSource(path, n)
	if err != nil {
		return nil, err
	}
	switch n {
	case GeoJSON:
		return geojson.NewDecoder(r, s, opts.BufferLimit), nil
	case NDJSON:
		return geojson.NewLineDecoder(r, s, opts.BufferLimit), nil
	case CSV:
		return csv.NewDecoder(r, s, csvOptions(opts))
	default:
		r.Close()
		return nil, errors.Newf(errors.ErrorTypeInternal, "unknown format %q", n)
	}
}

// OpenSink opens a sink writing the target at path. Partition fan-out
// beyond one writer is only honored for formats where SingleWriter is
// false; callers are expected to have collapsed the partition count
// before getting here.
func OpenSink(ctx context.Context, n Name, path string, s *schema.Schema, opts Options) (Sink, error) {
	if opts.Append && !SupportsAppend(n) {
		return nil, errors.Newf(errors.ErrorTypeConfig, "format %q does not support append mode", n)
	}

	switch n {
	case GeoParquet:
		return geoparquet.NewSink(ctx, path, s, geoparquetOptions(opts))
	case GeoJSON:
		w, err := openTarget(path, n, false)
		if err != nil {
			return nil, err
		}
		return geojson.NewSink(w, s), nil
	case NDJSON:
		w, err := openTarget(path, n, opts.Append)
		if err != nil {
			return nil, err
		}
		return geojson.NewLineSink(w, s), nil
	case CSV:
		w, err := openTarget(path, n, opts.Append)
		if err != nil {
			return nil, err
		}
		return csv.NewSink(w, s, opts.Append), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeInternal, "unknown format %q", n)
	}
}

func geojsonOptions(opts Options) geojson.Options {
	return geojson.Options{
		GeometryColumn: opts.GeometryColumn,
		GeometryHint:   opts.GeometryHint,
		CRS:            opts.CRS,
		BufferLimit:    opts.BufferLimit,
		SampleRecords:  opts.SampleRecords,
	}
}

func csvOptions(opts Options) csv.Options {
	return csv.Options{
		GeometryColumn: opts.GeometryColumn,
		GeometryHint:   opts.GeometryHint,
		CRS:            opts.CRS,
		SampleRecords:  opts.SampleRecords,
	}
}

func geoparquetOptions(opts Options) geoparquet.Options {
	return geoparquet.Options{
		GeometryColumn: opts.GeometryColumn,
		CRS:            opts.CRS,
		Partitions:     opts.Partitions,
	}
}

// openSource opens a source file, transparently decompressing gzip
// based on the file extension. Bytes are counted raw, before
// decompression.
func openSource(path string, n Name) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from job config
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open source")
	}
	counted := &countingReadCloser{rc: f, format: string(n)}
	if filepath.Ext(path) != ".gz" {
		return counted, nil
	}
	zr, err := gzip.NewReader(counted)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open gzip source")
	}
	return &gzipReadCloser{zr: zr, rc: counted}, nil
}

// countingReadCloser reports consumed bytes to metrics.BytesRead
type countingReadCloser struct {
	rc     io.ReadCloser
	format string
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 {
		metrics.BytesRead.WithLabelValues(c.format).Add(float64(n))
	}
	return n, err
}

func (c *countingReadCloser) Close() error { return c.rc.Close() }

type gzipReadCloser struct {
	zr *gzip.Reader
	rc io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	zerr := g.zr.Close()
	ferr := g.rc.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

func openTarget(path string, n Name, append bool) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open target")
	}
	return &countingWriteCloser{wc: f, format: string(n)}, nil
}

// countingWriteCloser reports emitted bytes to metrics.BytesWritten
type countingWriteCloser struct {
	wc     io.WriteCloser
	format string
}

func (c *countingWriteCloser) Write(p []byte) (int, error) {
	n, err := c.wc.Write(p)
	if n > 0 {
		metrics.BytesWritten.WithLabelValues(c.format).Add(float64(n))
	}
	return n, err
}

func (c *countingWriteCloser) Close() error { return c.wc.Close() }
