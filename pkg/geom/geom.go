// Package geom provides the canonical in-memory geometry value and its
// three wire codecs (GeoJSON geometry objects, WKT, WKB).
//
// All formats supported by geostream convert through the Geometry type
// defined here; decoders produce it and sinks serialize it. Coordinates
// are always float64 and survive every codec round trip bit-for-bit.
package geom

import (
	"fmt"

	"github.com/geostreamio/geostream/pkg/errors"
)

// Type identifies a geometry variant
type Type string

const (
	TypePoint              Type = "Point"
	TypeLineString         Type = "LineString"
	TypePolygon            Type = "Polygon"
	TypeMultiPoint         Type = "MultiPoint"
	TypeMultiLineString    Type = "MultiLineString"
	TypeMultiPolygon       Type = "MultiPolygon"
	TypeGeometryCollection Type = "GeometryCollection"

	// TypeMixed is a schema hint only; no Geometry value ever carries it.
	// It marks a geometry column whose sampled rows showed more than one
	// concrete type.
	TypeMixed Type = "Mixed"
)

// Coord is a single position. HasZ distinguishes XY from XYZ coordinates;
// all coordinates of one geometry must agree on dimensionality.
type Coord struct {
	X    float64
	Y    float64
	Z    float64
	HasZ bool
}

// Geometry is the canonical tagged variant all wire formats convert
// through. Exactly one of the payload fields is populated, selected by
// Type:
//
//	TypePoint              -> Point
//	TypeLineString         -> Coords
//	TypeMultiPoint         -> Coords
//	TypePolygon            -> Rings
//	TypeMultiLineString    -> Rings (one entry per line)
//	TypeMultiPolygon       -> Polygons
//	TypeGeometryCollection -> Geometries
type Geometry struct {
	Type       Type
	Point      Coord
	Coords     []Coord
	Rings      [][]Coord
	Polygons   [][][]Coord
	Geometries []*Geometry
}

// NewPoint constructs an XY point geometry
func NewPoint(x, y float64) *Geometry {
	return &Geometry{Type: TypePoint, Point: Coord{X: x, Y: y}}
}

// NewPointZ constructs an XYZ point geometry
func NewPointZ(x, y, z float64) *Geometry {
	return &Geometry{Type: TypePoint, Point: Coord{X: x, Y: y, Z: z, HasZ: true}}
}

// NewLineString constructs a line geometry from at least two positions
func NewLineString(coords []Coord) *Geometry {
	return &Geometry{Type: TypeLineString, Coords: coords}
}

// NewPolygon constructs a polygon from its rings (outer ring first)
func NewPolygon(rings [][]Coord) *Geometry {
	return &Geometry{Type: TypePolygon, Rings: rings}
}

// NewMultiPoint constructs a multi-point geometry
func NewMultiPoint(coords []Coord) *Geometry {
	return &Geometry{Type: TypeMultiPoint, Coords: coords}
}

// NewMultiLineString constructs a multi-line geometry
func NewMultiLineString(lines [][]Coord) *Geometry {
	return &Geometry{Type: TypeMultiLineString, Rings: lines}
}

// NewMultiPolygon constructs a multi-polygon geometry
func NewMultiPolygon(polygons [][][]Coord) *Geometry {
	return &Geometry{Type: TypeMultiPolygon, Polygons: polygons}
}

// NewGeometryCollection constructs a collection of heterogeneous geometries
func NewGeometryCollection(geometries []*Geometry) *Geometry {
	return &Geometry{Type: TypeGeometryCollection, Geometries: geometries}
}

// HasZ reports whether the geometry carries XYZ coordinates. The first
// position decides; Validate enforces that all positions agree.
func (g *Geometry) HasZ() bool {
	switch g.Type {
	case TypePoint:
		return g.Point.HasZ
	case TypeLineString, TypeMultiPoint:
		return len(g.Coords) > 0 && g.Coords[0].HasZ
	case TypePolygon, TypeMultiLineString:
		return len(g.Rings) > 0 && len(g.Rings[0]) > 0 && g.Rings[0][0].HasZ
	case TypeMultiPolygon:
		return len(g.Polygons) > 0 && len(g.Polygons[0]) > 0 &&
			len(g.Polygons[0][0]) > 0 && g.Polygons[0][0][0].HasZ
	case TypeGeometryCollection:
		return len(g.Geometries) > 0 && g.Geometries[0].HasZ()
	}
	return false
}

// Validate checks structural constraints: line strings need at least two
// positions, polygon rings at least four (closed rings), and every
// position of one geometry must share the same dimensionality. Violations
// are geometry errors naming the constraint.
func (g *Geometry) Validate() error {
	switch g.Type {
	case TypePoint:
		return nil
	case TypeLineString:
		return validateLine(g.Coords)
	case TypeMultiPoint:
		return validateUniformZ(g.Coords)
	case TypePolygon:
		return validateRings(g.Rings)
	case TypeMultiLineString:
		for i, line := range g.Rings {
			if err := validateLine(line); err != nil {
				return errors.Wrap(err, errors.ErrorTypeGeometry,
					fmt.Sprintf("line %d of MultiLineString", i))
			}
		}
		return nil
	case TypeMultiPolygon:
		for i, rings := range g.Polygons {
			if err := validateRings(rings); err != nil {
				return errors.Wrap(err, errors.ErrorTypeGeometry,
					fmt.Sprintf("polygon %d of MultiPolygon", i))
			}
		}
		return nil
	case TypeGeometryCollection:
		for i, sub := range g.Geometries {
			if sub == nil {
				return errors.Newf(errors.ErrorTypeGeometry,
					"nil geometry at index %d of GeometryCollection", i)
			}
			if err := sub.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Newf(errors.ErrorTypeGeometry, "unsupported geometry type %q", g.Type)
	}
}

func validateLine(coords []Coord) error {
	if len(coords) < 2 {
		return errors.Newf(errors.ErrorTypeGeometry,
			"LineString must have at least 2 points, got %d", len(coords))
	}
	return validateUniformZ(coords)
}

func validateRings(rings [][]Coord) error {
	if len(rings) == 0 {
		return errors.New(errors.ErrorTypeGeometry, "Polygon must have at least one ring")
	}
	for i, ring := range rings {
		if len(ring) < 4 {
			return errors.Newf(errors.ErrorTypeGeometry,
				"polygon ring %d must have at least 4 points, got %d", i, len(ring))
		}
		if err := validateUniformZ(ring); err != nil {
			return err
		}
	}
	return nil
}

func validateUniformZ(coords []Coord) error {
	if len(coords) == 0 {
		return nil
	}
	hasZ := coords[0].HasZ
	for i, c := range coords {
		if c.HasZ != hasZ {
			return errors.Newf(errors.ErrorTypeGeometry,
				"mixed XY and XYZ coordinates (position %d)", i)
		}
	}
	return nil
}
