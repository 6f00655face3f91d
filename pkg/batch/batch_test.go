package batch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/record"
	"github.com/geostreamio/geostream/pkg/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{Fields: []schema.Field{
		{Name: "name", Type: schema.TypeUtf8, Nullable: true},
		{Name: "population", Type: schema.TypeInt64, Nullable: true},
		{Name: "area", Type: schema.TypeFloat64, Nullable: true},
		{Name: "geometry", Type: schema.TypeUtf8, Nullable: true, Geometry: true, GeometryType: geom.TypePoint},
	}}
}

func makeRecord(name string, population int64, area float64, g *geom.Geometry) *record.Record {
	rec := record.Get()
	rec.Set("name", name)
	rec.Set("population", population)
	rec.Set("area", area)
	rec.Geometry = g
	return rec
}

func TestBatchAppendAndValues(t *testing.T) {
	b := New(testSchema(), 4)

	pt := geom.NewPoint(1, 2)
	rec := makeRecord("oslo", int64(700000), 454.1, pt)
	require.NoError(t, b.Append(rec))
	rec.Release()

	require.Equal(t, 1, b.Len())
	assert.Equal(t, "oslo", b.Value(0, 0))
	assert.Equal(t, int64(700000), b.Value(0, 1))
	assert.Equal(t, 454.1, b.Value(0, 2))
	assert.Equal(t, pt, b.Geometry(0))
	assert.Equal(t, pt, b.Value(0, 3))
}

func TestBatchNullCells(t *testing.T) {
	b := New(testSchema(), 4)

	rec := record.Get()
	rec.Set("name", "ghost town")
	require.NoError(t, b.Append(rec))
	rec.Release()

	assert.Equal(t, "ghost town", b.Value(0, 0))
	assert.Nil(t, b.Value(0, 1))
	assert.Nil(t, b.Value(0, 2))
	assert.Nil(t, b.Geometry(0))
	assert.Nil(t, b.Value(0, 3))
}

func TestBatchCoercion(t *testing.T) {
	s := &schema.Schema{Fields: []schema.Field{
		{Name: "ratio", Type: schema.TypeFloat64, Nullable: true},
		{Name: "label", Type: schema.TypeUtf8, Nullable: true},
	}}
	b := New(s, 4)

	// An int observed in a column promoted to float, and mixed scalars in
	// a column promoted to text.
	rec := record.Get()
	rec.Set("ratio", int64(3))
	rec.Set("label", int64(42))
	require.NoError(t, b.Append(rec))
	rec.Release()

	rec = record.Get()
	rec.Set("ratio", 2.5)
	rec.Set("label", true)
	require.NoError(t, b.Append(rec))
	rec.Release()

	assert.Equal(t, 3.0, b.Value(0, 0))
	assert.Equal(t, "42", b.Value(0, 1))
	assert.Equal(t, 2.5, b.Value(1, 0))
	assert.Equal(t, "true", b.Value(1, 1))
}

func TestBatchSealRejectsAppend(t *testing.T) {
	b := New(testSchema(), 4)
	b.Seal()

	rec := makeRecord("late", 1, 1, nil)
	defer rec.Release()
	err := b.Append(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed")
}

func TestAccumulatorSealsAtCapacity(t *testing.T) {
	acc := NewAccumulator(testSchema(), 3)

	var sealed []*Batch
	for i := 0; i < 7; i++ {
		rec := makeRecord(fmt.Sprintf("city-%d", i), int64(i), float64(i), geom.NewPoint(float64(i), 0))
		b, err := acc.Add(rec)
		rec.Release()
		require.NoError(t, err)
		if b != nil {
			sealed = append(sealed, b)
		}
	}

	require.Len(t, sealed, 2)
	for _, b := range sealed {
		assert.Equal(t, 3, b.Len())
		assert.True(t, b.Sealed())
	}

	tail := acc.Flush()
	require.NotNil(t, tail)
	assert.Equal(t, 1, tail.Len())
	assert.True(t, tail.Sealed())
	assert.Equal(t, "city-6", tail.Value(0, 0))

	assert.Nil(t, acc.Flush())
}

func TestAccumulatorFlushEmpty(t *testing.T) {
	acc := NewAccumulator(testSchema(), 3)
	assert.Nil(t, acc.Flush())
}
