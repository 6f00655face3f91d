// Package batch provides the fixed-capacity columnar container that moves
// decoded records between the decoder side and the sink side of a
// conversion pipeline.
//
// A batch holds up to its capacity in column-oriented storage, with the
// geometry column kept in canonical form (serialization to a wire format
// happens in the sink). Batches are sealed when full or at end of stream
// and are never mutated afterwards.
package batch

import (
	"strconv"

	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/record"
	"github.com/geostreamio/geostream/pkg/schema"
)

// DefaultBatchSize balances memory against throughput. Smaller batches
// minimize the in-flight footprint, larger ones amortize per-batch
// overhead up to a plateau; 8192 sits on that plateau for typical
// feature sizes.
const DefaultBatchSize = 8192

// Column is typed columnar storage for one scalar field. Only the slice
// matching the field type is populated; Valid tracks per-row nulls.
type Column struct {
	Ints    []int64
	Floats  []float64
	Strings []string
	Bools   []bool
	Valid   []bool
}

// Batch is a sealed-once columnar group of records
type Batch struct {
	schema     *schema.Schema
	columns    []Column
	geometries []*geom.Geometry
	geomIndex  int
	length     int
	capacity   int
	sealed     bool
}

// New creates an empty batch bound to a schema
func New(s *schema.Schema, capacity int) *Batch {
	_, geomIdx, _ := s.GeometryField()
	return &Batch{
		schema:    s,
		columns:   make([]Column, len(s.Fields)),
		geomIndex: geomIdx,
		capacity:  capacity,
	}
}

// Schema returns the shared schema
func (b *Batch) Schema() *schema.Schema {
	return b.schema
}

// Len returns the number of appended records
func (b *Batch) Len() int {
	return b.length
}

// Full reports whether the batch reached capacity
func (b *Batch) Full() bool {
	return b.length >= b.capacity
}

// Sealed reports whether the batch has been sealed
func (b *Batch) Sealed() bool {
	return b.sealed
}

// Seal freezes the batch; no further appends are accepted
func (b *Batch) Seal() {
	b.sealed = true
}

// Append folds one record into the columns. Values are coerced to the
// schema field type (the promotion lattice guarantees this is lossless
// for sampled fields); properties not present in the schema are dropped,
// which is the documented trade-off of sample-based inference.
func (b *Batch) Append(rec *record.Record) error {
	if b.sealed {
		return errors.New(errors.ErrorTypeInternal, "append to sealed batch")
	}
	if b.Full() {
		return errors.New(errors.ErrorTypeInternal, "append to full batch")
	}

	for i, field := range b.schema.Fields {
		if field.Geometry {
			b.geometries = append(b.geometries, rec.Geometry)
			continue
		}
		value, present := rec.Properties[field.Name]
		if !present {
			value = nil
		}
		if err := b.columns[i].append(field, value); err != nil {
			return err
		}
	}

	b.length++
	return nil
}

// Geometry returns the geometry of a row, nil for null geometries or
// schemas without a geometry column
func (b *Batch) Geometry(row int) *geom.Geometry {
	if b.geomIndex < 0 {
		return nil
	}
	return b.geometries[row]
}

// Value returns the scalar value of a row in the given field, or nil when
// the cell is null. For the geometry column it returns the canonical
// geometry.
func (b *Batch) Value(row, fieldIdx int) interface{} {
	field := b.schema.Fields[fieldIdx]
	if field.Geometry {
		g := b.geometries[row]
		if g == nil {
			return nil
		}
		return g
	}

	col := &b.columns[fieldIdx]
	if !col.Valid[row] {
		return nil
	}
	switch field.Type {
	case schema.TypeInt64:
		return col.Ints[row]
	case schema.TypeFloat64:
		return col.Floats[row]
	case schema.TypeBool:
		return col.Bools[row]
	default:
		return col.Strings[row]
	}
}

func (c *Column) append(field schema.Field, value interface{}) error {
	if value == nil {
		c.Valid = append(c.Valid, false)
		c.appendZero(field.Type)
		return nil
	}

	c.Valid = append(c.Valid, true)
	switch field.Type {
	case schema.TypeInt64:
		v, ok := value.(int64)
		if !ok {
			return coercionError(field, value)
		}
		c.Ints = append(c.Ints, v)
	case schema.TypeFloat64:
		switch v := value.(type) {
		case float64:
			c.Floats = append(c.Floats, v)
		case int64:
			c.Floats = append(c.Floats, float64(v))
		default:
			return coercionError(field, value)
		}
	case schema.TypeBool:
		v, ok := value.(bool)
		if !ok {
			return coercionError(field, value)
		}
		c.Bools = append(c.Bools, v)
	case schema.TypeUtf8, schema.TypeNull:
		c.Strings = append(c.Strings, stringify(value))
	default:
		return errors.Newf(errors.ErrorTypeInternal, "unknown field type %q", field.Type)
	}
	return nil
}

func (c *Column) appendZero(t schema.FieldType) {
	switch t {
	case schema.TypeInt64:
		c.Ints = append(c.Ints, 0)
	case schema.TypeFloat64:
		c.Floats = append(c.Floats, 0)
	case schema.TypeBool:
		c.Bools = append(c.Bools, false)
	default:
		c.Strings = append(c.Strings, "")
	}
}

// stringify renders any observed value as text for Utf8 columns. Numbers
// keep their shortest exact representation.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func coercionError(field schema.Field, value interface{}) error {
	return errors.Newf(errors.ErrorTypeInternal,
		"value of type %T cannot be stored in %s column %q", value, field.Type, field.Name)
}

// Accumulator groups records into batches. At most one open batch exists
// per pipeline; sealed batches are handed to the caller and forgotten.
type Accumulator struct {
	schema    *schema.Schema
	batchSize int
	open      *Batch
}

// NewAccumulator creates an accumulator producing batches of batchSize
func NewAccumulator(s *schema.Schema, batchSize int) *Accumulator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Accumulator{schema: s, batchSize: batchSize}
}

// Add appends one record. When the open batch reaches capacity it is
// sealed and returned; otherwise the return is nil.
func (a *Accumulator) Add(rec *record.Record) (*Batch, error) {
	if a.open == nil {
		a.open = New(a.schema, a.batchSize)
	}
	if err := a.open.Append(rec); err != nil {
		return nil, err
	}
	if a.open.Full() {
		sealed := a.open
		sealed.Seal()
		a.open = nil
		return sealed, nil
	}
	return nil, nil
}

// Flush seals and returns the open batch, or nil when nothing is pending.
// Called once when the decoder signals end of stream.
func (a *Accumulator) Flush() *Batch {
	if a.open == nil || a.open.Len() == 0 {
		a.open = nil
		return nil
	}
	sealed := a.open
	sealed.Seal()
	a.open = nil
	return sealed
}
