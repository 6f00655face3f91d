package geom

import (
	"encoding/binary"
	"math"

	"github.com/geostreamio/geostream/pkg/errors"
)

// WKB geometry type codes. Z variants add wkbZOffset.
const (
	wkbPoint              uint32 = 1
	wkbLineString         uint32 = 2
	wkbPolygon            uint32 = 3
	wkbMultiPoint         uint32 = 4
	wkbMultiLineString    uint32 = 5
	wkbMultiPolygon       uint32 = 6
	wkbGeometryCollection uint32 = 7
	wkbZOffset            uint32 = 1000
)

const (
	wkbBigEndian    byte = 0
	wkbLittleEndian byte = 1
)

// EncodeWKB serializes the canonical value to little-endian Well-Known
// Binary: a byte-order marker, a uint32 type code (+1000 for XYZ), then
// the type-specific payload. Nested geometries of Multi* variants and
// collections each carry their own full header.
func EncodeWKB(g *Geometry) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return appendWKB(make([]byte, 0, 64), g)
}

// DecodeWKB parses Well-Known Binary into the canonical value. Both byte
// orders are accepted; errors carry the byte offset of the failure.
func DecodeWKB(data []byte) (*Geometry, error) {
	r := &wkbReader{data: data}
	g, err := r.readGeometry()
	if err != nil {
		return nil, err
	}
	if r.pos != len(data) {
		return nil, errors.Newf(errors.ErrorTypeGeometry,
			"%d trailing bytes after WKB geometry", len(data)-r.pos).
			WithOffset(int64(r.pos))
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func appendWKB(buf []byte, g *Geometry) ([]byte, error) {
	buf = append(buf, wkbLittleEndian)

	code, err := wkbTypeCode(g.Type)
	if err != nil {
		return nil, err
	}
	hasZ := g.HasZ()
	if hasZ {
		code += wkbZOffset
	}
	buf = binary.LittleEndian.AppendUint32(buf, code)

	switch g.Type {
	case TypePoint:
		buf = appendWKBCoord(buf, g.Point, hasZ)
	case TypeLineString:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(g.Coords)))
		for _, c := range g.Coords {
			buf = appendWKBCoord(buf, c, hasZ)
		}
	case TypeMultiPoint:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(g.Coords)))
		for _, c := range g.Coords {
			var err error
			buf, err = appendWKB(buf, &Geometry{Type: TypePoint, Point: c})
			if err != nil {
				return nil, err
			}
		}
	case TypePolygon:
		buf = appendWKBRings(buf, g.Rings, hasZ)
	case TypeMultiLineString:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(g.Rings)))
		for _, line := range g.Rings {
			var err error
			buf, err = appendWKB(buf, &Geometry{Type: TypeLineString, Coords: line})
			if err != nil {
				return nil, err
			}
		}
	case TypeMultiPolygon:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(g.Polygons)))
		for _, rings := range g.Polygons {
			var err error
			buf, err = appendWKB(buf, &Geometry{Type: TypePolygon, Rings: rings})
			if err != nil {
				return nil, err
			}
		}
	case TypeGeometryCollection:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(g.Geometries)))
		for _, sub := range g.Geometries {
			var err error
			buf, err = appendWKB(buf, sub)
			if err != nil {
				return nil, err
			}
		}
	}

	return buf, nil
}

func appendWKBCoord(buf []byte, c Coord, hasZ bool) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.X))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Y))
	if hasZ {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Z))
	}
	return buf
}

func appendWKBRings(buf []byte, rings [][]Coord, hasZ bool) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rings)))
	for _, ring := range rings {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ring)))
		for _, c := range ring {
			buf = appendWKBCoord(buf, c, hasZ)
		}
	}
	return buf
}

func wkbTypeCode(t Type) (uint32, error) {
	switch t {
	case TypePoint:
		return wkbPoint, nil
	case TypeLineString:
		return wkbLineString, nil
	case TypePolygon:
		return wkbPolygon, nil
	case TypeMultiPoint:
		return wkbMultiPoint, nil
	case TypeMultiLineString:
		return wkbMultiLineString, nil
	case TypeMultiPolygon:
		return wkbMultiPolygon, nil
	case TypeGeometryCollection:
		return wkbGeometryCollection, nil
	default:
		return 0, errors.Newf(errors.ErrorTypeGeometry, "unsupported geometry type %q", t)
	}
}

// wkbReader decodes WKB with bounds checking and offset-carrying errors
type wkbReader struct {
	data []byte
	pos  int
}

func (r *wkbReader) readGeometry() (*Geometry, error) {
	marker, err := r.readByte()
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder
	switch marker {
	case wkbLittleEndian:
		order = binary.LittleEndian
	case wkbBigEndian:
		order = binary.BigEndian
	default:
		return nil, errors.Newf(errors.ErrorTypeGeometry,
			"invalid WKB byte-order marker 0x%02x", marker).WithOffset(int64(r.pos - 1))
	}

	code, err := r.readUint32(order)
	if err != nil {
		return nil, err
	}
	hasZ := code >= wkbZOffset
	if hasZ {
		code -= wkbZOffset
	}

	switch code {
	case wkbPoint:
		c, err := r.readCoord(order, hasZ)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: TypePoint, Point: c}, nil
	case wkbLineString:
		coords, err := r.readCoords(order, hasZ)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: TypeLineString, Coords: coords}, nil
	case wkbPolygon:
		rings, err := r.readRings(order, hasZ)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: TypePolygon, Rings: rings}, nil
	case wkbMultiPoint:
		subs, err := r.readSubGeometries(order, TypePoint)
		if err != nil {
			return nil, err
		}
		coords := make([]Coord, len(subs))
		for i, sub := range subs {
			coords[i] = sub.Point
		}
		return &Geometry{Type: TypeMultiPoint, Coords: coords}, nil
	case wkbMultiLineString:
		subs, err := r.readSubGeometries(order, TypeLineString)
		if err != nil {
			return nil, err
		}
		lines := make([][]Coord, len(subs))
		for i, sub := range subs {
			lines[i] = sub.Coords
		}
		return &Geometry{Type: TypeMultiLineString, Rings: lines}, nil
	case wkbMultiPolygon:
		subs, err := r.readSubGeometries(order, TypePolygon)
		if err != nil {
			return nil, err
		}
		polygons := make([][][]Coord, len(subs))
		for i, sub := range subs {
			polygons[i] = sub.Rings
		}
		return &Geometry{Type: TypeMultiPolygon, Polygons: polygons}, nil
	case wkbGeometryCollection:
		subs, err := r.readSubGeometries(order, "")
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: TypeGeometryCollection, Geometries: subs}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeGeometry,
			"unsupported WKB geometry type code %d", code).WithOffset(int64(r.pos - 4))
	}
}

// readSubGeometries reads count-prefixed nested geometries. A non-empty
// want constrains each nested type, as Multi* variants require.
func (r *wkbReader) readSubGeometries(order binary.ByteOrder, want Type) ([]*Geometry, error) {
	count, err := r.readUint32(order)
	if err != nil {
		return nil, err
	}
	subs := make([]*Geometry, 0, count)
	for i := uint32(0); i < count; i++ {
		sub, err := r.readGeometry()
		if err != nil {
			return nil, err
		}
		if want != "" && sub.Type != want {
			return nil, errors.Newf(errors.ErrorTypeGeometry,
				"expected nested %s, got %s", want, sub.Type).WithOffset(int64(r.pos))
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r *wkbReader) readCoords(order binary.ByteOrder, hasZ bool) ([]Coord, error) {
	count, err := r.readUint32(order)
	if err != nil {
		return nil, err
	}
	coords := make([]Coord, 0, count)
	for i := uint32(0); i < count; i++ {
		c, err := r.readCoord(order, hasZ)
		if err != nil {
			return nil, err
		}
		coords = append(coords, c)
	}
	return coords, nil
}

func (r *wkbReader) readRings(order binary.ByteOrder, hasZ bool) ([][]Coord, error) {
	count, err := r.readUint32(order)
	if err != nil {
		return nil, err
	}
	rings := make([][]Coord, 0, count)
	for i := uint32(0); i < count; i++ {
		ring, err := r.readCoords(order, hasZ)
		if err != nil {
			return nil, err
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

func (r *wkbReader) readCoord(order binary.ByteOrder, hasZ bool) (Coord, error) {
	x, err := r.readFloat64(order)
	if err != nil {
		return Coord{}, err
	}
	y, err := r.readFloat64(order)
	if err != nil {
		return Coord{}, err
	}
	c := Coord{X: x, Y: y}
	if hasZ {
		z, err := r.readFloat64(order)
		if err != nil {
			return Coord{}, err
		}
		c.Z = z
		c.HasZ = true
	}
	return c, nil
}

func (r *wkbReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.truncated()
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *wkbReader) readUint32(order binary.ByteOrder) (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, r.truncated()
	}
	v := order.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *wkbReader) readFloat64(order binary.ByteOrder) (float64, error) {
	if r.pos+8 > len(r.data) {
		return 0, r.truncated()
	}
	v := math.Float64frombits(order.Uint64(r.data[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *wkbReader) truncated() *errors.Error {
	return errors.New(errors.ErrorTypeGeometry, "truncated WKB geometry").
		WithOffset(int64(r.pos))
}
