package geojson

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"testing"
	"testing/iotest"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostreamio/geostream/pkg/batch"
	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/record"
	"github.com/geostreamio/geostream/pkg/schema"
)

const citiesDoc = `{
  "type": "FeatureCollection",
  "name": "cities",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [10.75, 59.91]},
     "properties": {"name": "Oslo", "population": 700000}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [18.07, 59.33]},
     "properties": {"name": "Stockholm", "population": 975000, "capital": true}},
    {"type": "Feature", "geometry": null,
     "properties": {"name": "Atlantis", "population": null}}
  ],
  "bbox": [10.75, 59.33, 18.07, 59.91]
}`

func drain(t *testing.T, d interface {
	Next(context.Context) (*record.Record, error)
	Close() error
}) []*record.Record {
	t.Helper()
	var out []*record.Record
	for {
		rec, err := d.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
	require.NoError(t, d.Close())
	return out
}

func TestDecoderFeatureCollection(t *testing.T) {
	d := NewDecoder(io.NopCloser(strings.NewReader(citiesDoc)), nil, 0)
	recs := drain(t, d)
	require.Len(t, recs, 3)

	assert.Equal(t, "Oslo", recs[0].Properties["name"])
	assert.Equal(t, int64(700000), recs[0].Properties["population"])
	require.NotNil(t, recs[0].Geometry)
	assert.Equal(t, geom.TypePoint, recs[0].Geometry.Type)
	assert.Equal(t, 10.75, recs[0].Geometry.Point.X)

	assert.Equal(t, true, recs[1].Properties["capital"])

	assert.Nil(t, recs[2].Geometry)
	assert.Nil(t, recs[2].Properties["population"])
	assert.Equal(t, []string{"name", "population"}, recs[2].Keys())
}

func TestDecoderChunkInvariance(t *testing.T) {
	// One byte per read: every chunk boundary the scanner can see.
	d := NewDecoder(io.NopCloser(iotest.OneByteReader(strings.NewReader(citiesDoc))), nil, 0)
	recs := drain(t, d)
	require.Len(t, recs, 3)
	assert.Equal(t, "Stockholm", recs[1].Properties["name"])
	assert.Equal(t, 18.07, recs[1].Geometry.Point.X)
}

func TestDecoderBracesInsideStrings(t *testing.T) {
	doc := `{"features":[{"type":"Feature","geometry":null,"properties":{"note":"open { and ] inside \" text"}}]}`
	d := NewDecoder(io.NopCloser(strings.NewReader(doc)), nil, 0)
	recs := drain(t, d)
	require.Len(t, recs, 1)
	assert.Equal(t, `open { and ] inside " text`, recs[0].Properties["note"])
}

func TestDecoderNestedValuesKeptAsText(t *testing.T) {
	doc := `{"features":[{"type":"Feature","geometry":null,"properties":{"tags":["a","b"],"meta":{"k":1}}}]}`
	d := NewDecoder(io.NopCloser(strings.NewReader(doc)), nil, 0)
	recs := drain(t, d)
	require.Len(t, recs, 1)
	assert.Equal(t, `["a","b"]`, recs[0].Properties["tags"])
	assert.Equal(t, `{"k":1}`, recs[0].Properties["meta"])
}

func TestDecoderTruncatedInput(t *testing.T) {
	doc := citiesDoc[:len(citiesDoc)/2]
	d := NewDecoder(io.NopCloser(strings.NewReader(doc)), nil, 0)
	_, err := d.Next(context.Background())
	for err == nil {
		_, err = d.Next(context.Background())
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated input")
	assert.True(t, errors.IsType(err, errors.ErrorTypeDecode))
}

func TestDecoderRecordTooLarge(t *testing.T) {
	big := `{"features":[{"type":"Feature","geometry":null,"properties":{"pad":"` +
		strings.Repeat("x", 256) + `"}}]}`
	d := NewDecoder(io.NopCloser(strings.NewReader(big)), nil, 128)
	_, err := d.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record exceeds maximum size")
	offset, ok := errors.Offset(err)
	require.True(t, ok)
	assert.Equal(t, int64(13), offset)
}

func TestDecoderMissingFeatures(t *testing.T) {
	d := NewDecoder(io.NopCloser(strings.NewReader(`{"type":"FeatureCollection"}`)), nil, 0)
	_, err := d.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no features array found")
}

func TestDecoderEmptyCollection(t *testing.T) {
	d := NewDecoder(io.NopCloser(strings.NewReader(`{"type":"FeatureCollection","features":[]}`)), nil, 0)
	recs := drain(t, d)
	assert.Empty(t, recs)
}

func TestLineDecoder(t *testing.T) {
	doc := `{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"id":1}}

{"type":"Feature","geometry":null,"properties":{"id":2}}
`
	d := NewLineDecoder(io.NopCloser(strings.NewReader(doc)), nil, 0)
	recs := drain(t, d)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].Properties["id"])
	assert.Nil(t, recs[1].Geometry)
}

func testBatch(t *testing.T) *batch.Batch {
	t.Helper()
	s := &schema.Schema{Fields: []schema.Field{
		{Name: "name", Type: schema.TypeUtf8, Nullable: true},
		{Name: "population", Type: schema.TypeInt64, Nullable: true},
		{Name: "geometry", Type: schema.TypeUtf8, Nullable: true, Geometry: true, GeometryType: geom.TypePoint},
	}}
	b := batch.New(s, 8)

	rec := record.Get()
	rec.Set("name", "Oslo")
	rec.Set("population", int64(700000))
	rec.Geometry = geom.NewPoint(10.75, 59.91)
	require.NoError(t, b.Append(rec))
	rec.Release()

	rec = record.Get()
	rec.Set("name", "Atlantis")
	require.NoError(t, b.Append(rec))
	rec.Release()

	b.Seal()
	return b
}

type closableBuffer struct {
	bytes.Buffer
	closed bool
}

func (c *closableBuffer) Close() error {
	c.closed = true
	return nil
}

func TestSinkRoundTrip(t *testing.T) {
	buf := &closableBuffer{}
	sink := NewSink(buf, nil)
	require.NoError(t, sink.WriteBatch(context.Background(), testBatch(t)))
	require.NoError(t, sink.Close())
	assert.True(t, buf.closed)

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry   gojson.RawMessage      `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, gojson.Unmarshal(buf.Bytes(), &doc))
	require.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 2)

	assert.Equal(t, "Oslo", doc.Features[0].Properties["name"])
	g, err := geom.DecodeGeoJSON(doc.Features[0].Geometry)
	require.NoError(t, err)
	assert.Equal(t, 59.91, g.Point.Y)

	// Null cells are carried, and null geometry stays null.
	assert.Nil(t, doc.Features[1].Properties["population"])
	assert.Equal(t, "null", string(bytes.TrimSpace(doc.Features[1].Geometry)))
}

func TestSinkEmptyStream(t *testing.T) {
	buf := &closableBuffer{}
	sink := NewSink(buf, nil)
	require.NoError(t, sink.Close())
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, buf.String())
}

func TestLineSink(t *testing.T) {
	buf := &closableBuffer{}
	sink := NewLineSink(buf, nil)
	require.NoError(t, sink.WriteBatch(context.Background(), testBatch(t)))
	require.NoError(t, sink.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var feature map[string]interface{}
		require.NoError(t, gojson.Unmarshal([]byte(line), &feature))
		assert.Equal(t, "Feature", feature["type"])
	}
}

func TestInferSchema(t *testing.T) {
	s, err := InferSchema(context.Background(), strings.NewReader(citiesDoc), Options{})
	require.NoError(t, err)

	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"name", "population", "geometry", "capital"}, names)

	assert.Equal(t, schema.TypeUtf8, s.Fields[0].Type)
	assert.Equal(t, schema.TypeInt64, s.Fields[1].Type)
	assert.Equal(t, schema.TypeBool, s.Fields[3].Type)

	field, _, ok := s.GeometryField()
	require.True(t, ok)
	assert.Equal(t, geom.TypePoint, field.GeometryType)
}

func TestInferSchemaPromotion(t *testing.T) {
	doc := `{"features":[
		{"type":"Feature","geometry":null,"properties":{"v":1}},
		{"type":"Feature","geometry":null,"properties":{"v":2.5}},
		{"type":"Feature","geometry":null,"properties":{"v":"three"}}
	]}`
	s, err := InferSchema(context.Background(), strings.NewReader(doc), Options{})
	require.NoError(t, err)
	assert.Equal(t, schema.TypeUtf8, s.Fields[s.FieldIndex("v")].Type)
}

func TestInferSchemaGeometryColumnCollision(t *testing.T) {
	doc := `{"features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"geometry":"odd","name":"x"}}
	]}`
	_, err := InferSchema(context.Background(), strings.NewReader(doc), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `property "geometry" collides with the geometry column`)
}

func TestInferSchemaTolerantOfByteBudgetCut(t *testing.T) {
	// Simulate the byte budget slicing the stream inside the second
	// feature: the first is observed, the partial one is discarded.
	cut := strings.Index(citiesDoc, "Stockholm")
	s, err := InferSchema(context.Background(), strings.NewReader(citiesDoc[:cut]), Options{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.FieldIndex("name"), 0)
	assert.Less(t, s.FieldIndex("capital"), 0)
}

func TestInferSchemaRecordCap(t *testing.T) {
	s, err := InferSchema(context.Background(), strings.NewReader(citiesDoc), Options{SampleRecords: 2})
	require.NoError(t, err)
	// The third feature introduces nothing new, but the cap is what
	// stopped the scan: capital from feature two is still present.
	assert.GreaterOrEqual(t, s.FieldIndex("capital"), 0)
}

func TestInferSchemaEmpty(t *testing.T) {
	_, err := InferSchema(context.Background(), strings.NewReader(`{"features":[]}`), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no records in sample")
}

func TestDecoderMemoryBoundedOnLargeStream(t *testing.T) {
	var doc bytes.Buffer
	doc.WriteString(`{"type":"FeatureCollection","features":[`)
	const total = 50000
	for i := 0; i < total; i++ {
		if i > 0 {
			doc.WriteByte(',')
		}
		fmt.Fprintf(&doc,
			`{"type":"Feature","geometry":{"type":"Point","coordinates":[%d.5,%d.5]},"properties":{"id":%d,"name":"feature-%d"}}`,
			i%180, i%90, i, i)
	}
	doc.WriteString(`]}`)

	s, err := InferSchema(context.Background(), bytes.NewReader(doc.Bytes()), Options{SampleRecords: 16})
	require.NoError(t, err)

	d := NewDecoder(io.NopCloser(bytes.NewReader(doc.Bytes())), s, 1<<20)
	defer d.Close()

	var peak uint64
	count := 0
	for {
		rec, err := d.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rec.Release()
		count++
		if count%10000 == 0 {
			runtime.GC()
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > peak {
				peak = ms.HeapAlloc
			}
		}
	}
	require.Equal(t, total, count)
	// The document itself stays live in the test buffer; the decoder must
	// not retain more than one record and its read window on top of that.
	assert.Less(t, peak, uint64(64<<20))
}
