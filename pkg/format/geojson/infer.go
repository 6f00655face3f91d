package geojson

import (
	"context"
	"io"

	"github.com/geostreamio/geostream/pkg/schema"
)

// errSampleDone aborts the scan once enough records were observed
var errSampleDone = sentinelError("sample complete")

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

// InferSchema samples a FeatureCollection stream and infers the schema.
// The caller bounds the byte budget by limiting r; a record cut off at
// that bound is discarded rather than failing the pass.
func InferSchema(ctx context.Context, r io.Reader, opts Options) (*schema.Schema, error) {
	inf := newInference(opts)
	maxRecords := sampleRecords(opts)

	scan := newScanner(opts.BufferLimit)
	chunk := make([]byte, readChunkSize)
	observe := func(raw []byte, _ int64) error {
		if err := observeFeature(inf, raw); err != nil {
			return err
		}
		if inf.Records() >= maxRecords {
			return errSampleDone
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			if ferr := scan.feed(chunk[:n], observe); ferr != nil {
				if ferr == errSampleDone {
					break
				}
				return nil, ferr
			}
		}
		if err == io.EOF {
			// A partial trailing record is expected when the byte budget
			// cut the stream mid-document; it is simply not observed.
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return finishInference(inf, opts)
}

// InferSchemaLines samples a newline-delimited GeoJSON stream
func InferSchemaLines(ctx context.Context, r io.Reader, opts Options) (*schema.Schema, error) {
	inf := newInference(opts)
	maxRecords := sampleRecords(opts)

	dec := NewLineDecoder(io.NopCloser(r), nil, opts.BufferLimit)
	for inf.Records() < maxRecords {
		rec, err := dec.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			// The last line may be cut by the byte budget; any earlier
			// parse failure would equally fail the conversion pass.
			if inf.Records() > 0 {
				break
			}
			return nil, err
		}
		inf.Observe(rec)
		rec.Release()
	}

	return finishInference(inf, opts)
}

func newInference(opts Options) *schema.Inference {
	column := opts.GeometryColumn
	if column == "" {
		column = "geometry"
	}
	return schema.NewInference(column, opts.CRS)
}

func sampleRecords(opts Options) int {
	if opts.SampleRecords > 0 {
		return opts.SampleRecords
	}
	return schema.DefaultSampleRecords
}

func finishInference(inf *schema.Inference, opts Options) (*schema.Schema, error) {
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

func observeFeature(inf *schema.Inference, raw []byte) error {
	rec, err := parseFeature(raw)
	if err != nil {
		return err
	}
	inf.Observe(rec)
	rec.Release()
	return nil
}
