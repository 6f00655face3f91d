// Package geojson implements streaming GeoJSON decoding and encoding,
// for both FeatureCollection documents and newline-delimited features.
// The FeatureCollection path never materializes the document: features
// are carved out of the byte stream incrementally, so input size is
// bounded only by the per-record limit.
package geojson

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"

	gojson "github.com/goccy/go-json"

	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/record"
	"github.com/geostreamio/geostream/pkg/schema"
)

const readChunkSize = 64 * 1024

// Options carries the geojson-specific knobs
type Options struct {
	GeometryColumn string
	GeometryHint   geom.Type
	CRS            string
	BufferLimit    int64
	SampleRecords  int
}

// Decoder streams features out of a FeatureCollection document
type Decoder struct {
	r       io.ReadCloser
	schema  *schema.Schema
	scan    *scanner
	chunk   []byte
	pending []*record.Record
	eof     bool
}

// NewDecoder creates a decoder over r. limit caps the byte size of a
// single feature; zero means DefaultBufferLimit.
func NewDecoder(r io.ReadCloser, s *schema.Schema, limit int64) *Decoder {
	return &Decoder{
		r:      r,
		schema: s,
		scan:   newScanner(limit),
		chunk:  make([]byte, readChunkSize),
	}
}

// Next returns the next feature as a record, or io.EOF after the last
// one. Returned records are pooled; callers release them when done.
func (d *Decoder) Next(ctx context.Context) (*record.Record, error) {
	for {
		if len(d.pending) > 0 {
			rec := d.pending[0]
			d.pending = d.pending[1:]
			return rec, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			if ferr := d.scan.feed(d.chunk[:n], d.collect); ferr != nil {
				return nil, ferr
			}
		}
		if err == io.EOF {
			if ferr := d.scan.finish(); ferr != nil {
				return nil, ferr
			}
			d.eof = true
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to read source")
		}
	}
}

func (d *Decoder) collect(raw []byte, offset int64) error {
	rec, err := parseFeature(raw)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			return e.WithOffset(offset)
		}
		return err
	}
	d.pending = append(d.pending, rec)
	return nil
}

// Close releases the underlying reader
func (d *Decoder) Close() error {
	return d.r.Close()
}

// LineDecoder streams newline-delimited features, one per line
type LineDecoder struct {
	r      io.ReadCloser
	sc     *bufio.Scanner
	schema *schema.Schema
	offset int64
}

// NewLineDecoder creates a decoder over newline-delimited GeoJSON
func NewLineDecoder(r io.ReadCloser, s *schema.Schema, limit int64) *LineDecoder {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), int(limit))
	return &LineDecoder{r: r, sc: sc, schema: s}
}

// Next returns the feature on the next non-empty line, or io.EOF
func (d *LineDecoder) Next(ctx context.Context) (*record.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.sc.Scan() {
			if err := d.sc.Err(); err != nil {
				if err == bufio.ErrTooLong {
					return nil, errors.New(errors.ErrorTypeDecode,
						"record exceeds maximum size").WithOffset(d.offset)
				}
				return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to read source")
			}
			return nil, io.EOF
		}

		line := d.sc.Bytes()
		start := d.offset
		d.offset += int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := parseFeature(line)
		if err != nil {
			if e, ok := err.(*errors.Error); ok {
				return nil, e.WithOffset(start)
			}
			return nil, err
		}
		return rec, nil
	}
}

// Close releases the underlying reader
func (d *LineDecoder) Close() error {
	return d.r.Close()
}

// parseFeature converts one feature object into a record. Property
// insertion order follows document order so that downstream schema
// construction is deterministic.
func parseFeature(raw []byte) (*record.Record, error) {
	dec := gojson.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed feature")
	}
	if delim, ok := tok.(gojson.Delim); !ok || delim != '{' {
		return nil, errors.New(errors.ErrorTypeDecode, "feature is not an object")
	}

	rec := record.Get()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			rec.Release()
			return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed feature")
		}
		key, _ := keyTok.(string)

		switch key {
		case "geometry":
			var rawGeom gojson.RawMessage
			if err := dec.Decode(&rawGeom); err != nil {
				rec.Release()
				return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed geometry")
			}
			trimmed := bytes.TrimSpace(rawGeom)
			if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
				rec.Geometry = nil
				continue
			}
			g, err := geom.DecodeGeoJSON(trimmed)
			if err != nil {
				rec.Release()
				return nil, err
			}
			rec.Geometry = g

		case "properties":
			if err := parseProperties(dec, rec); err != nil {
				rec.Release()
				return nil, err
			}

		default:
			// type, id, bbox and foreign members are not carried
			var skip gojson.RawMessage
			if err := dec.Decode(&skip); err != nil {
				rec.Release()
				return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed feature")
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		rec.Release()
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed feature")
	}
	return rec, nil
}

func parseProperties(dec *gojson.Decoder, rec *record.Record) error {
	tok, err := dec.Token()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDecode, "malformed properties")
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(gojson.Delim); !ok || delim != '{' {
		return errors.New(errors.ErrorTypeDecode, "properties is not an object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDecode, "malformed properties")
		}
		key, _ := keyTok.(string)

		var raw gojson.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDecode, "malformed properties")
		}
		value, err := scalarFromJSON(raw)
		if err != nil {
			return err
		}
		rec.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDecode, "malformed properties")
	}
	return nil
}

// scalarFromJSON maps a raw JSON value onto the scalar model: null,
// bool, int64, float64 or string. Nested objects and arrays are kept as
// their JSON text.
func scalarFromJSON(raw gojson.RawMessage) (interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New(errors.ErrorTypeDecode, "empty property value")
	}

	switch trimmed[0] {
	case 'n':
		return nil, nil
	case 't':
		return true, nil
	case 'f':
		return false, nil
	case '"':
		var s string
		if err := gojson.Unmarshal(trimmed, &s); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed string value")
		}
		return s, nil
	case '{', '[':
		return string(trimmed), nil
	default:
		text := string(trimmed)
		if !bytes.ContainsAny(trimmed, ".eE") {
			if v, err := strconv.ParseInt(text, 10, 64); err == nil {
				return v, nil
			}
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeDecode, "malformed number %q", text)
		}
		return v, nil
	}
}
