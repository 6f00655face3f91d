package geom

import (
	"strconv"
	"strings"

	"github.com/geostreamio/geostream/pkg/errors"
)

// EncodeWKT serializes the canonical value to Well-Known Text. Numbers use
// the shortest representation that parses back to the same float64, so
// WKT round trips are bit-exact.
func EncodeWKT(g *Geometry) (string, error) {
	if err := g.Validate(); err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := writeWKT(&sb, g); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// DecodeWKT parses Well-Known Text into the canonical value
func DecodeWKT(text string) (*Geometry, error) {
	p := &wktParser{input: text}
	g, err := p.parseGeometry()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, p.errorf("unexpected trailing input")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func writeWKT(sb *strings.Builder, g *Geometry) error {
	sb.WriteString(strings.ToUpper(string(g.Type)))
	if g.HasZ() {
		sb.WriteString(" Z")
	}
	sb.WriteString(" ")

	switch g.Type {
	case TypePoint:
		sb.WriteByte('(')
		writeWKTCoord(sb, g.Point)
		sb.WriteByte(')')
	case TypeLineString:
		writeWKTCoords(sb, g.Coords)
	case TypeMultiPoint:
		sb.WriteByte('(')
		for i, c := range g.Coords {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('(')
			writeWKTCoord(sb, c)
			sb.WriteByte(')')
		}
		sb.WriteByte(')')
	case TypePolygon, TypeMultiLineString:
		writeWKTRings(sb, g.Rings)
	case TypeMultiPolygon:
		sb.WriteByte('(')
		for i, rings := range g.Polygons {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeWKTRings(sb, rings)
		}
		sb.WriteByte(')')
	case TypeGeometryCollection:
		sb.WriteByte('(')
		for i, sub := range g.Geometries {
			if i > 0 {
				sb.WriteString(", ")
			}
			if err := writeWKT(sb, sub); err != nil {
				return err
			}
		}
		sb.WriteByte(')')
	default:
		return errors.Newf(errors.ErrorTypeGeometry, "unsupported geometry type %q", g.Type)
	}
	return nil
}

func writeWKTCoord(sb *strings.Builder, c Coord) {
	sb.WriteString(strconv.FormatFloat(c.X, 'g', -1, 64))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatFloat(c.Y, 'g', -1, 64))
	if c.HasZ {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(c.Z, 'g', -1, 64))
	}
}

func writeWKTCoords(sb *strings.Builder, coords []Coord) {
	sb.WriteByte('(')
	for i, c := range coords {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeWKTCoord(sb, c)
	}
	sb.WriteByte(')')
}

func writeWKTRings(sb *strings.Builder, rings [][]Coord) {
	sb.WriteByte('(')
	for i, ring := range rings {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeWKTCoords(sb, ring)
	}
	sb.WriteByte(')')
}

// wktParser is a small recursive-descent parser over the input string.
// The coordinate dimension is taken from the number count per position;
// an explicit Z keyword requires three values.
type wktParser struct {
	input string
	pos   int
}

func (p *wktParser) parseGeometry() (*Geometry, error) {
	tag := strings.ToUpper(p.parseWord())
	if tag == "" {
		return nil, p.errorf("expected geometry type keyword")
	}

	forceZ := false
	mark := p.pos
	if next := strings.ToUpper(p.parseWord()); next == "Z" {
		forceZ = true
	} else if next == "EMPTY" {
		return nil, p.errorf("EMPTY geometries are not supported")
	} else {
		p.pos = mark
	}

	mark = p.pos
	if next := strings.ToUpper(p.parseWord()); next == "EMPTY" {
		return nil, p.errorf("EMPTY geometries are not supported")
	}
	p.pos = mark

	switch tag {
	case "POINT":
		if err := p.expect('('); err != nil {
			return nil, err
		}
		c, err := p.parseCoord(forceZ)
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &Geometry{Type: TypePoint, Point: c}, nil
	case "LINESTRING":
		coords, err := p.parseCoordList(forceZ)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: TypeLineString, Coords: coords}, nil
	case "MULTIPOINT":
		coords, err := p.parseMultiPointList(forceZ)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: TypeMultiPoint, Coords: coords}, nil
	case "POLYGON":
		rings, err := p.parseRingList(forceZ)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: TypePolygon, Rings: rings}, nil
	case "MULTILINESTRING":
		lines, err := p.parseRingList(forceZ)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: TypeMultiLineString, Rings: lines}, nil
	case "MULTIPOLYGON":
		if err := p.expect('('); err != nil {
			return nil, err
		}
		var polygons [][][]Coord
		for {
			rings, err := p.parseRingList(forceZ)
			if err != nil {
				return nil, err
			}
			polygons = append(polygons, rings)
			if !p.consume(',') {
				break
			}
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &Geometry{Type: TypeMultiPolygon, Polygons: polygons}, nil
	case "GEOMETRYCOLLECTION":
		if err := p.expect('('); err != nil {
			return nil, err
		}
		var subs []*Geometry
		for {
			sub, err := p.parseGeometry()
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
			if !p.consume(',') {
				break
			}
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &Geometry{Type: TypeGeometryCollection, Geometries: subs}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeGeometry, "unsupported WKT geometry type %q", tag)
	}
}

func (p *wktParser) parseCoordList(forceZ bool) ([]Coord, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var coords []Coord
	for {
		c, err := p.parseCoord(forceZ)
		if err != nil {
			return nil, err
		}
		coords = append(coords, c)
		if !p.consume(',') {
			break
		}
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return coords, nil
}

// parseMultiPointList accepts both MULTIPOINT ((1 2), (3 4)) and the
// unparenthesized MULTIPOINT (1 2, 3 4) form
func (p *wktParser) parseMultiPointList(forceZ bool) ([]Coord, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var coords []Coord
	for {
		var c Coord
		var err error
		if p.consume('(') {
			c, err = p.parseCoord(forceZ)
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
		} else {
			c, err = p.parseCoord(forceZ)
			if err != nil {
				return nil, err
			}
		}
		coords = append(coords, c)
		if !p.consume(',') {
			break
		}
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return coords, nil
}

func (p *wktParser) parseRingList(forceZ bool) ([][]Coord, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var rings [][]Coord
	for {
		ring, err := p.parseCoordList(forceZ)
		if err != nil {
			return nil, err
		}
		rings = append(rings, ring)
		if !p.consume(',') {
			break
		}
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return rings, nil
}

func (p *wktParser) parseCoord(forceZ bool) (Coord, error) {
	x, err := p.parseNumber()
	if err != nil {
		return Coord{}, err
	}
	y, err := p.parseNumber()
	if err != nil {
		return Coord{}, err
	}

	// A third number, if present before the next delimiter, is Z
	mark := p.pos
	z, err := p.parseNumber()
	if err != nil {
		p.pos = mark
		if forceZ {
			return Coord{}, p.errorf("expected 3 values per position after Z keyword")
		}
		return Coord{X: x, Y: y}, nil
	}
	return Coord{X: x, Y: y, Z: z, HasZ: true}, nil
}

func (p *wktParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if (ch >= '0' && ch <= '9') || ch == '.' || ch == '-' || ch == '+' || ch == 'e' || ch == 'E' {
			p.pos++
		} else {
			break
		}
	}
	if start == p.pos {
		return 0, p.errorf("expected number")
	}
	value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, p.errorf("invalid number %q", p.input[start:p.pos])
	}
	return value, nil
}

func (p *wktParser) parseWord() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') {
			p.pos++
		} else {
			break
		}
	}
	return p.input[start:p.pos]
}

func (p *wktParser) expect(ch byte) error {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != ch {
		return p.errorf("expected %q", string(ch))
	}
	p.pos++
	return nil
}

func (p *wktParser) consume(ch byte) bool {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == ch {
		p.pos++
		return true
	}
	return false
}

func (p *wktParser) skipSpace() {
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *wktParser) errorf(format string, args ...interface{}) *errors.Error {
	return errors.Newf(errors.ErrorTypeGeometry, format, args...).
		WithDetail("position", p.pos)
}
