package geom

import (
	gojson "github.com/goccy/go-json"

	"github.com/geostreamio/geostream/pkg/errors"
)

// geoJSONGeometry mirrors an RFC 7946 geometry object. Coordinates stay
// raw until the type tag selects the nesting depth to unmarshal into.
type geoJSONGeometry struct {
	Type        string            `json:"type"`
	Coordinates gojson.RawMessage `json:"coordinates,omitempty"`
	Geometries  []geoJSONGeometry `json:"geometries,omitempty"`
}

// DecodeGeoJSON parses a GeoJSON geometry object into the canonical value
func DecodeGeoJSON(data []byte) (*Geometry, error) {
	var raw geoJSONGeometry
	if err := gojson.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeGeometry, "malformed GeoJSON geometry object")
	}
	return geometryFromGeoJSON(&raw)
}

// EncodeGeoJSON serializes the canonical value to a GeoJSON geometry object
func EncodeGeoJSON(g *Geometry) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	obj, err := geometryToGeoJSON(g)
	if err != nil {
		return nil, err
	}
	data, err := gojson.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeGeometry, "failed to serialize GeoJSON geometry")
	}
	return data, nil
}

func geometryFromGeoJSON(raw *geoJSONGeometry) (*Geometry, error) {
	var g *Geometry

	switch Type(raw.Type) {
	case TypePoint:
		pos, err := unmarshalPosition(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		g = &Geometry{Type: TypePoint, Point: pos}
	case TypeLineString:
		coords, err := unmarshalPositions(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		g = &Geometry{Type: TypeLineString, Coords: coords}
	case TypeMultiPoint:
		coords, err := unmarshalPositions(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		g = &Geometry{Type: TypeMultiPoint, Coords: coords}
	case TypePolygon:
		rings, err := unmarshalRings(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		g = &Geometry{Type: TypePolygon, Rings: rings}
	case TypeMultiLineString:
		lines, err := unmarshalRings(raw.Coordinates)
		if err != nil {
			return nil, err
		}
		g = &Geometry{Type: TypeMultiLineString, Rings: lines}
	case TypeMultiPolygon:
		var nested [][][][]float64
		if err := gojson.Unmarshal(raw.Coordinates, &nested); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeGeometry, "malformed MultiPolygon coordinates")
		}
		polygons := make([][][]Coord, len(nested))
		for i, rings := range nested {
			converted, err := convertRings(rings)
			if err != nil {
				return nil, err
			}
			polygons[i] = converted
		}
		g = &Geometry{Type: TypeMultiPolygon, Polygons: polygons}
	case TypeGeometryCollection:
		subs := make([]*Geometry, len(raw.Geometries))
		for i := range raw.Geometries {
			sub, err := geometryFromGeoJSON(&raw.Geometries[i])
			if err != nil {
				return nil, err
			}
			subs[i] = sub
		}
		g = &Geometry{Type: TypeGeometryCollection, Geometries: subs}
	default:
		return nil, errors.Newf(errors.ErrorTypeGeometry, "unsupported GeoJSON geometry type %q", raw.Type)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func geometryToGeoJSON(g *Geometry) (map[string]interface{}, error) {
	obj := map[string]interface{}{"type": string(g.Type)}

	switch g.Type {
	case TypePoint:
		obj["coordinates"] = positionSlice(g.Point)
	case TypeLineString, TypeMultiPoint:
		obj["coordinates"] = positionsSlice(g.Coords)
	case TypePolygon, TypeMultiLineString:
		obj["coordinates"] = ringsSlice(g.Rings)
	case TypeMultiPolygon:
		polygons := make([][][][]float64, len(g.Polygons))
		for i, rings := range g.Polygons {
			polygons[i] = ringsSlice(rings)
		}
		obj["coordinates"] = polygons
	case TypeGeometryCollection:
		subs := make([]map[string]interface{}, len(g.Geometries))
		for i, sub := range g.Geometries {
			encoded, err := geometryToGeoJSON(sub)
			if err != nil {
				return nil, err
			}
			subs[i] = encoded
		}
		obj["geometries"] = subs
	default:
		return nil, errors.Newf(errors.ErrorTypeGeometry, "unsupported geometry type %q", g.Type)
	}

	return obj, nil
}

func unmarshalPosition(data gojson.RawMessage) (Coord, error) {
	var pos []float64
	if err := gojson.Unmarshal(data, &pos); err != nil {
		return Coord{}, errors.Wrap(err, errors.ErrorTypeGeometry, "malformed coordinate position")
	}
	return coordFromSlice(pos)
}

func unmarshalPositions(data gojson.RawMessage) ([]Coord, error) {
	var raw [][]float64
	if err := gojson.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeGeometry, "malformed coordinate array")
	}
	return convertPositions(raw)
}

func unmarshalRings(data gojson.RawMessage) ([][]Coord, error) {
	var raw [][][]float64
	if err := gojson.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeGeometry, "malformed nested coordinate array")
	}
	return convertRings(raw)
}

func convertPositions(raw [][]float64) ([]Coord, error) {
	coords := make([]Coord, len(raw))
	for i, pos := range raw {
		c, err := coordFromSlice(pos)
		if err != nil {
			return nil, err
		}
		coords[i] = c
	}
	return coords, nil
}

func convertRings(raw [][][]float64) ([][]Coord, error) {
	rings := make([][]Coord, len(raw))
	for i, positions := range raw {
		converted, err := convertPositions(positions)
		if err != nil {
			return nil, err
		}
		rings[i] = converted
	}
	return rings, nil
}

func coordFromSlice(pos []float64) (Coord, error) {
	switch len(pos) {
	case 2:
		return Coord{X: pos[0], Y: pos[1]}, nil
	case 3:
		return Coord{X: pos[0], Y: pos[1], Z: pos[2], HasZ: true}, nil
	default:
		return Coord{}, errors.Newf(errors.ErrorTypeGeometry,
			"coordinate position must have 2 or 3 values, got %d", len(pos))
	}
}

func positionSlice(c Coord) []float64 {
	if c.HasZ {
		return []float64{c.X, c.Y, c.Z}
	}
	return []float64{c.X, c.Y}
}

func positionsSlice(coords []Coord) [][]float64 {
	out := make([][]float64, len(coords))
	for i, c := range coords {
		out[i] = positionSlice(c)
	}
	return out
}

func ringsSlice(rings [][]Coord) [][][]float64 {
	out := make([][][]float64, len(rings))
	for i, ring := range rings {
		out[i] = positionsSlice(ring)
	}
	return out
}
