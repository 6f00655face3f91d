// Package schema provides the column schema model shared by decoders,
// batch accumulators, and sinks, plus sample-based schema inference.
//
// A Schema is created once per conversion and is immutable afterwards;
// it is shared by reference across pipeline components without
// synchronization.
package schema

import (
	"github.com/cespare/xxhash/v2"

	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
)

// FieldType is the scalar type of a non-geometry field. Types form the
// promotion lattice Null < Int64 < Float64 < Utf8; Bool sits beside the
// numeric chain and promotes straight to Utf8 on any conflict.
type FieldType string

const (
	TypeNull    FieldType = "null"
	TypeBool    FieldType = "bool"
	TypeInt64   FieldType = "int64"
	TypeFloat64 FieldType = "float64"
	TypeUtf8    FieldType = "utf8"
)

// Promote returns the least upper bound of two observed types
func Promote(a, b FieldType) FieldType {
	if a == b {
		return a
	}
	if a == TypeNull {
		return b
	}
	if b == TypeNull {
		return a
	}
	if (a == TypeInt64 && b == TypeFloat64) || (a == TypeFloat64 && b == TypeInt64) {
		return TypeFloat64
	}
	// Utf8 absorbs everything else, including Bool conflicts
	return TypeUtf8
}

// TypeOf maps a decoded property value to its field type
func TypeOf(value interface{}) FieldType {
	switch value.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBool
	case int64:
		return TypeInt64
	case float64:
		return TypeFloat64
	case string:
		return TypeUtf8
	default:
		// Arrays and nested objects are carried as their JSON text
		return TypeUtf8
	}
}

// Field is one column of the schema
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool

	// Geometry marks the single geometry column. When set, GeometryType
	// carries the inferred hint (a concrete type or geom.TypeMixed) and
	// CRS the coordinate reference system string.
	Geometry     bool
	GeometryType geom.Type
	CRS          string
}

// Schema is an ordered, immutable sequence of fields
type Schema struct {
	Fields []Field
}

// GeometryField returns the geometry column and its index, if present
func (s *Schema) GeometryField() (Field, int, bool) {
	for i, f := range s.Fields {
		if f.Geometry {
			return f, i, true
		}
	}
	return Field{}, -1, false
}

// FieldIndex returns the index of the named field, or -1
func (s *Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks structural invariants: unique names and at most one
// geometry column
func (s *Schema) Validate() error {
	seen := make(map[string]bool, len(s.Fields))
	geometryCount := 0
	for _, f := range s.Fields {
		if seen[f.Name] {
			return errors.Newf(errors.ErrorTypeSchema, "duplicate field name %q", f.Name)
		}
		seen[f.Name] = true
		if f.Geometry {
			geometryCount++
		}
	}
	if geometryCount > 1 {
		return errors.Newf(errors.ErrorTypeSchema,
			"schema has %d geometry columns, at most one is allowed", geometryCount)
	}
	return nil
}

// Fingerprint returns a stable 64-bit hash over field names, types,
// nullability, and geometry metadata. Two inference runs over the same
// sample produce identical fingerprints.
func (s *Schema) Fingerprint() uint64 {
	d := xxhash.New()
	for _, f := range s.Fields {
		_, _ = d.WriteString(f.Name)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(string(f.Type))
		_, _ = d.Write([]byte{0})
		if f.Nullable {
			_, _ = d.Write([]byte{1})
		} else {
			_, _ = d.Write([]byte{0})
		}
		if f.Geometry {
			_, _ = d.Write([]byte{1})
			_, _ = d.WriteString(string(f.GeometryType))
			_, _ = d.WriteString(f.CRS)
		} else {
			_, _ = d.Write([]byte{0})
		}
		_, _ = d.Write([]byte{0xff})
	}
	return d.Sum64()
}
