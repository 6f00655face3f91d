package geojson

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"

	gojson "github.com/goccy/go-json"

	"github.com/geostreamio/geostream/pkg/batch"
	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/schema"
)

// Sink writes batches as one FeatureCollection document. The wrapper is
// opened lazily and closed in Close, so the document is valid even for
// an empty stream.
type Sink struct {
	w       io.WriteCloser
	bw      *bufio.Writer
	schema  *schema.Schema
	scratch bytes.Buffer
	started bool
	count   int64
}

// NewSink creates a FeatureCollection sink over w
func NewSink(w io.WriteCloser, s *schema.Schema) *Sink {
	return &Sink{w: w, bw: bufio.NewWriter(w), schema: s}
}

// WriteBatch appends the batch's records to the features array
func (s *Sink) WriteBatch(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.started {
		if _, err := s.bw.WriteString(`{"type":"FeatureCollection","features":[`); err != nil {
			return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write target")
		}
		s.started = true
	}

	for row := 0; row < b.Len(); row++ {
		if s.count > 0 {
			if err := s.bw.WriteByte(','); err != nil {
				return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write target")
			}
		}
		s.scratch.Reset()
		if err := encodeFeature(&s.scratch, b, row); err != nil {
			return err
		}
		if _, err := s.bw.Write(s.scratch.Bytes()); err != nil {
			return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write target")
		}
		s.count++
	}
	return nil
}

// Close terminates the features array and the document
func (s *Sink) Close() error {
	if !s.started {
		if _, err := s.bw.WriteString(`{"type":"FeatureCollection","features":[`); err != nil {
			return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write target")
		}
	}
	if _, err := s.bw.WriteString("]}\n"); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write target")
	}
	if err := s.bw.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to flush target")
	}
	return s.w.Close()
}

// LineSink writes one feature per line with no document wrapper
type LineSink struct {
	w       io.WriteCloser
	bw      *bufio.Writer
	schema  *schema.Schema
	scratch bytes.Buffer
}

// NewLineSink creates a newline-delimited GeoJSON sink over w
func NewLineSink(w io.WriteCloser, s *schema.Schema) *LineSink {
	return &LineSink{w: w, bw: bufio.NewWriter(w), schema: s}
}

// WriteBatch writes the batch's records, one line each
func (s *LineSink) WriteBatch(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for row := 0; row < b.Len(); row++ {
		s.scratch.Reset()
		if err := encodeFeature(&s.scratch, b, row); err != nil {
			return err
		}
		s.scratch.WriteByte('\n')
		if _, err := s.bw.Write(s.scratch.Bytes()); err != nil {
			return errors.Wrap(err, errors.ErrorTypeWrite, "failed to write target")
		}
	}
	return nil
}

// Close flushes buffered lines
func (s *LineSink) Close() error {
	if err := s.bw.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to flush target")
	}
	return s.w.Close()
}

// encodeFeature renders one row as a compact feature object. Properties
// are emitted in schema order, nulls included, so every feature carries
// the full inferred shape.
func encodeFeature(buf *bytes.Buffer, b *batch.Batch, row int) error {
	buf.WriteString(`{"type":"Feature","geometry":`)

	if g := b.Geometry(row); g != nil {
		enc, err := geom.EncodeGeoJSON(g)
		if err != nil {
			return err
		}
		buf.Write(enc)
	} else {
		buf.WriteString("null")
	}

	buf.WriteString(`,"properties":{`)
	first := true
	for i, field := range b.Schema().Fields {
		if field.Geometry {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeJSONString(buf, field.Name)
		buf.WriteByte(':')
		if err := writeScalar(buf, field, b.Value(row, i)); err != nil {
			return err
		}
	}
	buf.WriteString("}}")
	return nil
}

func writeScalar(buf *bytes.Buffer, field schema.Field, value interface{}) error {
	if value == nil {
		buf.WriteString("null")
		return nil
	}
	switch v := value.(type) {
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case string:
		// Text columns may hold serialized JSON structures; they were
		// flattened to text at decode time and stay text on the way out.
		writeJSONString(buf, v)
	default:
		return errors.Newf(errors.ErrorTypeWrite,
			"value of type %T in column %q cannot be encoded", value, field.Name)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	enc, err := gojson.Marshal(s)
	if err != nil {
		// Marshal of a string cannot fail; keep the write total anyway.
		buf.WriteString(`""`)
		return
	}
	buf.Write(enc)
}
