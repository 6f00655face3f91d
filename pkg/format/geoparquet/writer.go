package geoparquet

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/geostreamio/geostream/pkg/batch"
	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/schema"
)

// Options carries the geoparquet-specific knobs
type Options struct {
	GeometryColumn string
	CRS            string
	Partitions     int
}

// partWriter is one output file with its builder
type partWriter struct {
	f       *os.File
	fw      *pqarrow.FileWriter
	builder *array.RecordBuilder
}

// Sink writes batches as one or more GeoParquet files. With a single
// partition the target path is the file itself; with more, the path is
// a directory of part files and sealed batches rotate across them.
type Sink struct {
	parts   []*partWriter
	next    int
	schema  *schema.Schema
	stats   *geoStats
	geomCol string
	crs     string
}

// NewSink creates a sink writing the target at path
func NewSink(ctx context.Context, path string, s *schema.Schema, opts Options) (*Sink, error) {
	arrowSchema, err := toArrowSchema(s)
	if err != nil {
		return nil, err
	}

	partitions := opts.Partitions
	if partitions < 1 {
		partitions = 1
	}

	paths := []string{path}
	if partitions > 1 {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to create target directory")
		}
		paths = make([]string, partitions)
		for i := range paths {
			paths[i] = filepath.Join(path, fmt.Sprintf("part-%05d.parquet", i))
		}
	}

	geomField, _, _ := s.GeometryField()
	geomCol := geomField.Name
	if geomCol == "" {
		geomCol = opts.GeometryColumn
	}

	sink := &Sink{
		schema:  s,
		stats:   newGeoStats(),
		geomCol: geomCol,
		crs:     opts.CRS,
	}

	pool := memory.NewGoAllocator()
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(pool),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(pool))

	for _, p := range paths {
		f, ferr := os.Create(p) //nolint:gosec // G304: path comes from job config
		if ferr != nil {
			sink.abandon()
			return nil, errors.Wrap(ferr, errors.ErrorTypeIO, "failed to create target")
		}
		fw, werr := pqarrow.NewFileWriter(arrowSchema, f, props, arrowProps)
		if werr != nil {
			f.Close()
			sink.abandon()
			return nil, errors.Wrap(werr, errors.ErrorTypeWrite, "failed to create parquet writer")
		}
		sink.parts = append(sink.parts, &partWriter{
			f:       f,
			fw:      fw,
			builder: array.NewRecordBuilder(pool, arrowSchema),
		})
	}
	return sink, nil
}

// WriteBatch writes one sealed batch as a buffered parquet record.
// Batches rotate across partitions so partition sizes stay even.
func (s *Sink) WriteBatch(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	part := s.parts[s.next]
	s.next = (s.next + 1) % len(s.parts)

	for row := 0; row < b.Len(); row++ {
		for i, field := range b.Schema().Fields {
			if err := appendValue(part.builder.Field(i), field, b.Value(row, i), s.stats); err != nil {
				return err
			}
		}
	}

	rec := part.builder.NewRecord()
	defer rec.Release()
	if err := part.fw.WriteBuffered(rec); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write parquet batch")
	}
	return nil
}

// Close attaches the geo metadata and finalizes every part file
func (s *Sink) Close() error {
	md, err := s.stats.render(s.geomCol, s.crs)
	if err != nil {
		s.abandon()
		return err
	}

	for _, part := range s.parts {
		if kerr := part.fw.AppendKeyValueMetadata(MetadataKey, md); kerr != nil {
			s.abandon()
			return errors.Wrap(kerr, errors.ErrorTypeWrite, "failed to attach geo metadata")
		}
		if cerr := part.fw.Close(); cerr != nil {
			s.abandon()
			return errors.Wrap(cerr, errors.ErrorTypeWrite, "failed to close parquet writer")
		}
		// The parquet writer may close the sink itself when writing the
		// footer; a second close is not an error.
		if ferr := part.f.Close(); ferr != nil && !stderrors.Is(ferr, os.ErrClosed) {
			s.abandon()
			return errors.Wrap(ferr, errors.ErrorTypeWrite, "failed to close target")
		}
		part.builder.Release()
	}
	s.parts = nil
	return nil
}

func (s *Sink) abandon() {
	for _, part := range s.parts {
		part.f.Close()
	}
	s.parts = nil
}

// toArrowSchema maps the inferred schema to arrow types, with the
// geometry column as WKB binary
func toArrowSchema(s *schema.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(s.Fields))
	for _, field := range s.Fields {
		var dt arrow.DataType
		switch {
		case field.Geometry:
			dt = arrow.BinaryTypes.Binary
		case field.Type == schema.TypeInt64:
			dt = arrow.PrimitiveTypes.Int64
		case field.Type == schema.TypeFloat64:
			dt = arrow.PrimitiveTypes.Float64
		case field.Type == schema.TypeBool:
			dt = arrow.FixedWidthTypes.Boolean
		case field.Type == schema.TypeUtf8, field.Type == schema.TypeNull:
			dt = arrow.BinaryTypes.String
		default:
			return nil, errors.Newf(errors.ErrorTypeSchema, "unsupported field type %q", field.Type)
		}
		fields = append(fields, arrow.Field{Name: field.Name, Type: dt, Nullable: field.Nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

func appendValue(builder array.Builder, field schema.Field, value interface{}, stats *geoStats) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.BinaryBuilder:
		g, ok := value.(*geom.Geometry)
		if !ok {
			return errors.Newf(errors.ErrorTypeWrite,
				"value of type %T in geometry column %q", value, field.Name)
		}
		wkb, err := geom.EncodeWKB(g)
		if err != nil {
			return err
		}
		stats.observe(g)
		b.Append(wkb)
	case *array.Int64Builder:
		v, ok := value.(int64)
		if !ok {
			return typeMismatch(field, value)
		}
		b.Append(v)
	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			b.Append(v)
		case int64:
			b.Append(float64(v))
		default:
			return typeMismatch(field, value)
		}
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return typeMismatch(field, value)
		}
		b.Append(v)
	case *array.StringBuilder:
		v, ok := value.(string)
		if !ok {
			return typeMismatch(field, value)
		}
		b.Append(v)
	default:
		return errors.Newf(errors.ErrorTypeInternal, "unsupported builder type %T", builder)
	}
	return nil
}

func typeMismatch(field schema.Field, value interface{}) error {
	return errors.Newf(errors.ErrorTypeWrite,
		"value of type %T cannot be stored in column %q", value, field.Name)
}
