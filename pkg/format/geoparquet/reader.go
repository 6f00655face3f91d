package geoparquet

import (
	"context"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/record"
	"github.com/geostreamio/geostream/pkg/schema"
)

// Decoder streams rows out of a GeoParquet file
type Decoder struct {
	f       *os.File
	pf      *file.Reader
	rr      pqarrow.RecordReader
	current arrow.Record
	row     int
	geomCol string
}

// NewDecoder opens the file at path. The geometry column is taken from
// the schema the caller inferred for this source.
func NewDecoder(ctx context.Context, path string, s *schema.Schema) (*Decoder, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from job config
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open source")
	}
	pf, err := file.NewParquetReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "failed to open parquet file")
	}
	ar, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: 4096}, memory.NewGoAllocator())
	if err != nil {
		pf.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "failed to read parquet file")
	}
	rr, err := ar.GetRecordReader(ctx, nil, nil)
	if err != nil {
		pf.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "failed to read parquet file")
	}

	geomCol := ""
	if field, _, ok := s.GeometryField(); ok {
		geomCol = field.Name
	}
	return &Decoder{f: f, pf: pf, rr: rr, geomCol: geomCol}, nil
}

// Next returns the next row as a record, or io.EOF after the last one
func (d *Decoder) Next(ctx context.Context) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for d.current == nil || d.row >= int(d.current.NumRows()) {
		if d.current != nil {
			d.current.Release()
			d.current = nil
		}
		if !d.rr.Next() {
			if err := d.rr.Err(); err != nil && err != io.EOF {
				return nil, errors.Wrap(err, errors.ErrorTypeDecode, "failed to read parquet batch")
			}
			return nil, io.EOF
		}
		d.current = d.rr.Record()
		d.current.Retain()
		d.row = 0
	}

	rec := record.Get()
	for i := 0; i < int(d.current.NumCols()); i++ {
		name := d.current.Schema().Field(i).Name
		col := d.current.Column(i)

		if name == d.geomCol {
			if col.IsNull(d.row) {
				rec.Geometry = nil
				continue
			}
			bin, ok := col.(*array.Binary)
			if !ok {
				rec.Release()
				return nil, errors.Newf(errors.ErrorTypeDecode,
					"geometry column %q is not binary", name)
			}
			g, err := geom.DecodeWKB(bin.Value(d.row))
			if err != nil {
				rec.Release()
				return nil, err
			}
			rec.Geometry = g
			continue
		}

		value, err := columnValue(col, d.row, name)
		if err != nil {
			rec.Release()
			return nil, err
		}
		rec.Set(name, value)
	}
	d.row++
	return rec, nil
}

// Close releases the readers and the file
func (d *Decoder) Close() error {
	if d.current != nil {
		d.current.Release()
		d.current = nil
	}
	d.rr.Release()
	return d.pf.Close()
}

func columnValue(col arrow.Array, row int, name string) (interface{}, error) {
	if col.IsNull(row) {
		return nil, nil
	}
	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(row), nil
	case *array.Int64:
		return c.Value(row), nil
	case *array.Int32:
		return int64(c.Value(row)), nil
	case *array.Float64:
		return c.Value(row), nil
	case *array.Float32:
		return float64(c.Value(row)), nil
	case *array.String:
		return c.Value(row), nil
	case *array.LargeString:
		return c.Value(row), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeDecode,
			"column %q has unsupported type %s", name, col.DataType())
	}
}

// InferSchema reads the parquet schema and the geo metadata; no row
// sampling is needed since the file already declares its types.
func InferSchema(ctx context.Context, path string, opts Options) (*schema.Schema, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from job config
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to open source")
	}
	defer f.Close()

	pf, err := file.NewParquetReader(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "failed to open parquet file")
	}
	defer pf.Close()

	ar, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "failed to read parquet file")
	}
	arrowSchema, err := ar.Schema()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "failed to read parquet schema")
	}

	geomCol := opts.GeometryColumn
	if geomCol == "" {
		geomCol = "geometry"
	}
	geomType := geom.TypeMixed
	crs := opts.CRS

	if kv := pf.MetaData().KeyValueMetadata(); kv != nil {
		if raw := kv.FindValue(MetadataKey); raw != nil {
			md, merr := parseGeoMetadata(*raw)
			if merr != nil {
				return nil, merr
			}
			if md.PrimaryColumn != "" {
				geomCol = md.PrimaryColumn
			}
			if col, ok := md.Columns[geomCol]; ok {
				if len(col.GeometryTypes) == 1 {
					geomType = parseGeometryType(col.GeometryTypes[0])
				}
				if s, ok := col.CRS.(string); ok && crs == "" {
					crs = s
				}
			}
		}
	}

	out := &schema.Schema{}
	for i := 0; i < arrowSchema.NumFields(); i++ {
		field := arrowSchema.Field(i)
		if field.Name == geomCol {
			out.Fields = append(out.Fields, schema.Field{
				Name:         field.Name,
				Type:         schema.TypeUtf8,
				Nullable:     true,
				Geometry:     true,
				GeometryType: geomType,
				CRS:          crs,
			})
			continue
		}
		ft, err := fromArrowType(field.Type, field.Name)
		if err != nil {
			return nil, err
		}
		out.Fields = append(out.Fields, schema.Field{Name: field.Name, Type: ft, Nullable: true})
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func fromArrowType(dt arrow.DataType, name string) (schema.FieldType, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return schema.TypeBool, nil
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return schema.TypeInt64, nil
	case arrow.FLOAT32, arrow.FLOAT64:
		return schema.TypeFloat64, nil
	case arrow.STRING, arrow.LARGE_STRING:
		return schema.TypeUtf8, nil
	default:
		return "", errors.Newf(errors.ErrorTypeSchema,
			"column %q has unsupported parquet type %s", name, dt)
	}
}

// parseGeometryType maps a geo metadata type name, with its optional
// " Z" suffix, onto the canonical type
func parseGeometryType(name string) geom.Type {
	if len(name) > 2 && name[len(name)-2:] == " Z" {
		name = name[:len(name)-2]
	}
	switch geom.Type(name) {
	case geom.TypePoint, geom.TypeLineString, geom.TypePolygon,
		geom.TypeMultiPoint, geom.TypeMultiLineString,
		geom.TypeMultiPolygon, geom.TypeGeometryCollection:
		return geom.Type(name)
	default:
		return geom.TypeMixed
	}
}
