package geoparquet

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostreamio/geostream/pkg/batch"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/record"
	"github.com/geostreamio/geostream/pkg/schema"
)

func citySchema() *schema.Schema {
	return &schema.Schema{Fields: []schema.Field{
		{Name: "name", Type: schema.TypeUtf8, Nullable: true},
		{Name: "population", Type: schema.TypeInt64, Nullable: true},
		{Name: "geometry", Type: schema.TypeUtf8, Nullable: true, Geometry: true, GeometryType: geom.TypePoint},
	}}
}

func cityBatch(t *testing.T, s *schema.Schema) *batch.Batch {
	t.Helper()
	b := batch.New(s, 4)

	rec := record.Get()
	rec.Set("name", "Oslo")
	rec.Set("population", int64(700000))
	rec.Geometry = geom.NewPoint(10.75, 59.91)
	require.NoError(t, b.Append(rec))
	rec.Release()

	rec = record.Get()
	rec.Set("name", "Stockholm")
	rec.Set("population", int64(975000))
	rec.Geometry = geom.NewPoint(18.07, 59.33)
	require.NoError(t, b.Append(rec))
	rec.Release()

	rec = record.Get()
	rec.Set("name", "Atlantis")
	require.NoError(t, b.Append(rec))
	rec.Release()

	b.Seal()
	return b
}

func TestSinkDecoderRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cities.parquet")
	s := citySchema()

	sink, err := NewSink(ctx, path, s, Options{})
	require.NoError(t, err)
	require.NoError(t, sink.WriteBatch(ctx, cityBatch(t, s)))
	require.NoError(t, sink.Close())

	d, err := NewDecoder(ctx, path, s)
	require.NoError(t, err)
	defer d.Close()

	rec, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Oslo", rec.Properties["name"])
	assert.Equal(t, int64(700000), rec.Properties["population"])
	require.NotNil(t, rec.Geometry)
	assert.Equal(t, geom.TypePoint, rec.Geometry.Type)
	assert.Equal(t, 10.75, rec.Geometry.Point.X)
	rec.Release()

	rec, err = d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Stockholm", rec.Properties["name"])
	rec.Release()

	rec, err = d.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec.Geometry)
	rec.Release()

	_, err = d.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestInferSchemaFromGeoMetadata(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cities.parquet")
	s := citySchema()

	sink, err := NewSink(ctx, path, s, Options{CRS: "EPSG:4326"})
	require.NoError(t, err)
	require.NoError(t, sink.WriteBatch(ctx, cityBatch(t, s)))
	require.NoError(t, sink.Close())

	inferred, err := InferSchema(ctx, path, Options{})
	require.NoError(t, err)

	field, _, ok := inferred.GeometryField()
	require.True(t, ok)
	assert.Equal(t, "geometry", field.Name)
	assert.Equal(t, geom.TypePoint, field.GeometryType)
	assert.Equal(t, "EPSG:4326", field.CRS)

	assert.Equal(t, schema.TypeUtf8, inferred.Fields[inferred.FieldIndex("name")].Type)
	assert.Equal(t, schema.TypeInt64, inferred.Fields[inferred.FieldIndex("population")].Type)
}

func TestSinkPartitioned(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cities")
	s := citySchema()

	sink, err := NewSink(ctx, dir, s, Options{Partitions: 2})
	require.NoError(t, err)
	// Two batches rotate across both part files.
	require.NoError(t, sink.WriteBatch(ctx, cityBatch(t, s)))
	require.NoError(t, sink.WriteBatch(ctx, cityBatch(t, s)))
	require.NoError(t, sink.Close())

	for _, part := range []string{"part-00000.parquet", "part-00001.parquet"} {
		info, serr := os.Stat(filepath.Join(dir, part))
		require.NoError(t, serr)
		assert.Greater(t, info.Size(), int64(0))

		d, derr := NewDecoder(ctx, filepath.Join(dir, part), s)
		require.NoError(t, derr)
		n := 0
		for {
			rec, nerr := d.Next(ctx)
			if nerr == io.EOF {
				break
			}
			require.NoError(t, nerr)
			rec.Release()
			n++
		}
		require.NoError(t, d.Close())
		assert.Equal(t, 3, n)
	}
}

func TestGeoStatsMetadata(t *testing.T) {
	st := newGeoStats()
	st.observe(geom.NewPoint(10.75, 59.91))
	st.observe(geom.NewPoint(18.07, 59.33))
	st.observe(geom.NewLineString([]geom.Coord{{X: -1, Y: 2}, {X: 3, Y: 70}}))
	st.observe(nil)

	raw, err := st.render("geometry", "")
	require.NoError(t, err)

	md, err := parseGeoMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, Version, md.Version)
	assert.Equal(t, "geometry", md.PrimaryColumn)

	col := md.Columns["geometry"]
	assert.Equal(t, "WKB", col.Encoding)
	assert.Equal(t, []string{"LineString", "Point"}, col.GeometryTypes)
	assert.Equal(t, []float64{-1, 2, 18.07, 70}, col.BBox)
}

func TestGeoStatsZSuffix(t *testing.T) {
	st := newGeoStats()
	st.observe(geom.NewPointZ(1, 2, 3))

	raw, err := st.render("geometry", "")
	require.NoError(t, err)

	var md geoMetadata
	require.NoError(t, gojson.Unmarshal([]byte(raw), &md))
	assert.Equal(t, []string{"Point Z"}, md.Columns["geometry"].GeometryTypes)
}

func TestParseGeometryType(t *testing.T) {
	assert.Equal(t, geom.TypePoint, parseGeometryType("Point"))
	assert.Equal(t, geom.TypeMultiPolygon, parseGeometryType("MultiPolygon Z"))
	assert.Equal(t, geom.TypeMixed, parseGeometryType("Surface"))
}
