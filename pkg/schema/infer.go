package schema

import (
	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/metrics"
	"github.com/geostreamio/geostream/pkg/record"
)

// DefaultSampleBytes is how much of the input the inferencer reads when
// no explicit limit is configured. Fields that only appear past the
// sample window are silently dropped; the sample size is the accuracy
// lever, a full-file scan is never attempted.
const DefaultSampleBytes = 10 * 1024 * 1024

// DefaultSampleRecords caps how many sampled records are folded into the
// schema.
const DefaultSampleRecords = 1024

// Inference folds sampled records into a schema using the promotion
// lattice. Field order is first-seen order; the geometry column is
// registered on the first record that carries a geometry.
type Inference struct {
	geometryColumn string
	crs            string

	order     []string
	types     map[string]FieldType
	geomTypes map[geom.Type]bool
	geomSeen  bool
	records   int
}

// NewInference creates an inference run. geometryColumn names the column
// the geometry will occupy in the schema; crs is recorded on it verbatim.
func NewInference(geometryColumn, crs string) *Inference {
	return &Inference{
		geometryColumn: geometryColumn,
		crs:            crs,
		types:          make(map[string]FieldType),
		geomTypes:      make(map[geom.Type]bool),
	}
}

// Observe folds one sampled record into the inference state
func (inf *Inference) Observe(rec *record.Record) {
	inf.records++
	for _, name := range rec.Keys() {
		inf.observeProperty(name, rec.Properties[name])
	}
	inf.ObserveGeometry(rec.Geometry)
}

// ObserveValue folds a single property observation, preserving first-seen
// field order. Used by delimited-text sampling where cells arrive one at
// a time.
func (inf *Inference) ObserveValue(name string, value interface{}) {
	inf.observeProperty(name, value)
}

// ObserveGeometry folds one geometry observation. nil counts as a null
// geometry and registers the geometry column without narrowing its type.
func (inf *Inference) ObserveGeometry(g *geom.Geometry) {
	if !inf.geomSeen {
		inf.geomSeen = true
		inf.order = append(inf.order, inf.geometryColumn)
	}
	if g != nil {
		inf.geomTypes[g.Type] = true
	}
}

// CountRecord marks one sampled record when observations arrive through
// ObserveValue/ObserveGeometry instead of Observe.
func (inf *Inference) CountRecord() {
	inf.records++
}

func (inf *Inference) observeProperty(name string, value interface{}) {
	current, seen := inf.types[name]
	if !seen {
		inf.order = append(inf.order, name)
		current = TypeNull
	}
	inf.types[name] = Promote(current, TypeOf(value))
}

// Records returns how many sampled records have been folded in
func (inf *Inference) Records() int {
	return inf.records
}

// Schema produces the final schema. It fails with a schema error when the
// sample contained no records at all.
func (inf *Inference) Schema() (*Schema, error) {
	if inf.records == 0 {
		return nil, errors.New(errors.ErrorTypeSchema, "no records in sample")
	}
	if _, clash := inf.types[inf.geometryColumn]; clash && inf.geomSeen {
		return nil, errors.Newf(errors.ErrorTypeSchema,
			"property %q collides with the geometry column", inf.geometryColumn)
	}

	fields := make([]Field, 0, len(inf.order))
	for _, name := range inf.order {
		if inf.geomSeen && name == inf.geometryColumn {
			fields = append(fields, Field{
				Name:         name,
				Type:         TypeUtf8,
				Nullable:     true,
				Geometry:     true,
				GeometryType: inf.geometryHint(),
				CRS:          inf.crs,
			})
			continue
		}

		ty := inf.types[name]
		if ty == TypeNull {
			// A column that was only ever null decodes as text
			ty = TypeUtf8
		}
		fields = append(fields, Field{Name: name, Type: ty, Nullable: true})
	}

	s := &Schema{Fields: fields}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	metrics.SchemaSampleRecords.Observe(float64(inf.records))
	return s, nil
}

// geometryHint collapses the observed geometry types to a single hint:
// the one concrete type when the sample agreed, Mixed otherwise.
func (inf *Inference) geometryHint() geom.Type {
	if len(inf.geomTypes) == 1 {
		for t := range inf.geomTypes {
			return t
		}
	}
	return geom.TypeMixed
}
