// Package csv implements delimited-text decoding and encoding with the
// geometry column carried as well-known text.
package csv

import (
	"context"
	stdcsv "encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/geostreamio/geostream/pkg/batch"
	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/record"
	"github.com/geostreamio/geostream/pkg/schema"
)

// Options carries the csv-specific knobs
type Options struct {
	GeometryColumn string
	GeometryHint   geom.Type
	CRS            string
	SampleRecords  int
}

func (o Options) geometryColumn() string {
	if o.GeometryColumn == "" {
		return "geometry"
	}
	return o.GeometryColumn
}

// Decoder streams rows as records, parsing cells against the schema
type Decoder struct {
	r        io.ReadCloser
	cr       *stdcsv.Reader
	schema   *schema.Schema
	columns  []string // header order
	geomCol  string
	rowCount int64
}

// NewDecoder creates a decoder over r. The first row is consumed as the
// header; cells are parsed to the type the schema assigns their column.
func NewDecoder(r io.ReadCloser, s *schema.Schema, opts Options) (*Decoder, error) {
	cr := stdcsv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		r.Close()
		return nil, errors.New(errors.ErrorTypeDecode, "missing header row")
	}
	if err != nil {
		r.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed header row")
	}

	columns := make([]string, len(header))
	copy(columns, header)

	return &Decoder{
		r:       r,
		cr:      cr,
		schema:  s,
		columns: columns,
		geomCol: opts.geometryColumn(),
	}, nil
}

// Next returns the next row as a record, or io.EOF after the last one
func (d *Decoder) Next(ctx context.Context) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row, err := d.cr.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed row").
			WithOffset(d.cr.InputOffset())
	}
	d.rowCount++

	rec := record.Get()
	for i, cell := range row {
		if i >= len(d.columns) {
			break
		}
		name := d.columns[i]
		if name == d.geomCol {
			if cell == "" {
				rec.Geometry = nil
				continue
			}
			g, gerr := geom.DecodeWKT(cell)
			if gerr != nil {
				rec.Release()
				return nil, gerr
			}
			rec.Geometry = g
			continue
		}

		value, perr := d.parseCell(name, cell)
		if perr != nil {
			rec.Release()
			return nil, perr
		}
		rec.Set(name, value)
	}
	return rec, nil
}

// parseCell converts a cell to the schema type of its column. An empty
// cell is null regardless of type. Columns absent from the schema keep
// their text form; the batch drops them.
func (d *Decoder) parseCell(name, cell string) (interface{}, error) {
	if cell == "" {
		return nil, nil
	}
	idx := d.schema.FieldIndex(name)
	if idx < 0 {
		return cell, nil
	}

	switch d.schema.Fields[idx].Type {
	case schema.TypeInt64:
		v, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeDecode,
				"row %d: column %q: %q is not an integer", d.rowCount, name, cell)
		}
		return v, nil
	case schema.TypeFloat64:
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeDecode,
				"row %d: column %q: %q is not a number", d.rowCount, name, cell)
		}
		return v, nil
	case schema.TypeBool:
		switch strings.ToLower(cell) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, errors.Newf(errors.ErrorTypeDecode,
			"row %d: column %q: %q is not a boolean", d.rowCount, name, cell)
	default:
		return cell, nil
	}
}

// Close releases the underlying reader
func (d *Decoder) Close() error {
	return d.r.Close()
}

// Sink writes batches as delimited text with a header row. Geometry
// cells are well-known text.
type Sink struct {
	w         io.WriteCloser
	cw        *stdcsv.Writer
	wroteHead bool
	row       []string
}

// NewSink creates a sink over w. In append mode the header is assumed
// to exist already and is not rewritten.
func NewSink(w io.WriteCloser, s *schema.Schema, appending bool) *Sink {
	return &Sink{w: w, cw: stdcsv.NewWriter(w), wroteHead: appending}
}

// WriteBatch appends the batch's records as rows
func (s *Sink) WriteBatch(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields := b.Schema().Fields

	if !s.wroteHead {
		header := make([]string, len(fields))
		for i, f := range fields {
			header[i] = f.Name
		}
		if err := s.cw.Write(header); err != nil {
			return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write target")
		}
		s.wroteHead = true
	}

	if cap(s.row) < len(fields) {
		s.row = make([]string, len(fields))
	}
	row := s.row[:len(fields)]

	for r := 0; r < b.Len(); r++ {
		for i, f := range fields {
			cell, err := formatCell(f, b.Value(r, i))
			if err != nil {
				return err
			}
			row[i] = cell
		}
		if err := s.cw.Write(row); err != nil {
			return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write target")
		}
	}
	return nil
}

// Close flushes buffered rows
func (s *Sink) Close() error {
	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to flush target")
	}
	return s.w.Close()
}

func formatCell(field schema.Field, value interface{}) (string, error) {
	if value == nil {
		return "", nil
	}
	switch v := value.(type) {
	case *geom.Geometry:
		return geom.EncodeWKT(v)
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", errors.Newf(errors.ErrorTypeWrite,
			"value of type %T in column %q cannot be encoded", value, field.Name)
	}
}

// InferSchema samples rows and infers column types. Typing is best
// effort: a cell that parses as an integer observes Int64, then the
// usual promotion rules settle conflicts across rows.
func InferSchema(ctx context.Context, r io.Reader, opts Options) (*schema.Schema, error) {
	cr := stdcsv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New(errors.ErrorTypeDecode, "missing header row")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed header row")
	}
	columns := make([]string, len(header))
	copy(columns, header)

	geomCol := opts.geometryColumn()
	maxRecords := opts.SampleRecords
	if maxRecords <= 0 {
		maxRecords = schema.DefaultSampleRecords
	}

	inf := schema.NewInference(geomCol, opts.CRS)
sample:
	for inf.Records() < maxRecords {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		row, rerr := cr.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// The byte budget can cut the stream mid row; a short or
			// unterminated final row is dropped from the sample.
			if inf.Records() > 0 {
				break
			}
			return nil, errors.Wrap(rerr, errors.ErrorTypeDecode, "malformed row")
		}

		for i, cell := range row {
			if i >= len(columns) {
				break
			}
			if columns[i] == geomCol {
				if cell == "" {
					inf.ObserveGeometry(nil)
					continue
				}
				g, gerr := geom.DecodeWKT(cell)
				if gerr != nil {
					// A cut can also land inside the geometry text of the
					// last row. The conversion pass parses strictly, so a
					// genuinely corrupt row still fails the job.
					if inf.Records() > 0 {
						break sample
					}
					return nil, gerr
				}
				inf.ObserveGeometry(g)
				continue
			}
			inf.ObserveValue(columns[i], classifyCell(cell))
		}
		inf.CountRecord()
	}

	s, err := inf.Schema()
	if err != nil {
		return nil, err
	}
	if opts.GeometryHint != "" {
		if _, i, ok := s.GeometryField(); ok {
			s.Fields[i].GeometryType = opts.GeometryHint
		}
	}
	return s, nil
}

// classifyCell maps cell text onto the scalar model. Empty cells are
// null; everything that is not a number or a bare true/false stays text.
func classifyCell(cell string) interface{} {
	if cell == "" {
		return nil
	}
	switch strings.ToLower(cell) {
	case "true":
		return true
	case "false":
		return false
	}
	if !strings.ContainsAny(cell, ".eE") {
		if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return v
		}
	}
	if v, err := strconv.ParseFloat(cell, 64); err == nil {
		return v
	}
	return cell
}
