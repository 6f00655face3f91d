// Package geoparquet reads and writes GeoParquet files: parquet with a
// WKB geometry column described by the "geo" file metadata entry.
package geoparquet

import (
	"math"
	"sort"

	gojson "github.com/goccy/go-json"

	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/geom"
)

// MetadataKey is the parquet key-value metadata entry carrying the
// GeoParquet column description
const MetadataKey = "geo"

// Version is the GeoParquet specification version written to new files
const Version = "1.1.0"

type geoMetadata struct {
	Version       string               `json:"version"`
	PrimaryColumn string               `json:"primary_column"`
	Columns       map[string]geoColumn `json:"columns"`
}

type geoColumn struct {
	Encoding      string      `json:"encoding"`
	GeometryTypes []string    `json:"geometry_types"`
	BBox          []float64   `json:"bbox,omitempty"`
	CRS           interface{} `json:"crs,omitempty"`
}

func parseGeoMetadata(raw string) (*geoMetadata, error) {
	md := &geoMetadata{}
	if err := gojson.Unmarshal([]byte(raw), md); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "malformed geo metadata")
	}
	return md, nil
}

// geoStats accumulates the column summary incrementally as geometries
// stream through the sink
type geoStats struct {
	types     map[string]bool
	minX      float64
	minY      float64
	maxX      float64
	maxY      float64
	anyBounds bool
}

func newGeoStats() *geoStats {
	return &geoStats{
		types: make(map[string]bool),
		minX:  math.Inf(1), minY: math.Inf(1),
		maxX: math.Inf(-1), maxY: math.Inf(-1),
	}
}

func (st *geoStats) observe(g *geom.Geometry) {
	if g == nil {
		return
	}
	name := string(g.Type)
	if g.HasZ() {
		name += " Z"
	}
	st.types[name] = true
	st.observeBounds(g)
}

func (st *geoStats) observeBounds(g *geom.Geometry) {
	visit := func(c geom.Coord) {
		st.anyBounds = true
		st.minX = math.Min(st.minX, c.X)
		st.minY = math.Min(st.minY, c.Y)
		st.maxX = math.Max(st.maxX, c.X)
		st.maxY = math.Max(st.maxY, c.Y)
	}
	walkCoords(g, visit)
}

func walkCoords(g *geom.Geometry, visit func(geom.Coord)) {
	switch g.Type {
	case geom.TypePoint:
		visit(g.Point)
	case geom.TypeLineString, geom.TypeMultiPoint:
		for _, c := range g.Coords {
			visit(c)
		}
	case geom.TypePolygon, geom.TypeMultiLineString:
		for _, ring := range g.Rings {
			for _, c := range ring {
				visit(c)
			}
		}
	case geom.TypeMultiPolygon:
		for _, rings := range g.Polygons {
			for _, ring := range rings {
				for _, c := range ring {
					visit(c)
				}
			}
		}
	case geom.TypeGeometryCollection:
		for _, sub := range g.Geometries {
			walkCoords(sub, visit)
		}
	}
}

// render builds the geo metadata JSON for the written column
func (st *geoStats) render(column, crs string) (string, error) {
	types := make([]string, 0, len(st.types))
	for name := range st.types {
		types = append(types, name)
	}
	sort.Strings(types)

	col := geoColumn{Encoding: "WKB", GeometryTypes: types}
	if st.anyBounds {
		col.BBox = []float64{st.minX, st.minY, st.maxX, st.maxY}
	}
	if crs != "" {
		col.CRS = crs
	}

	md := geoMetadata{
		Version:       Version,
		PrimaryColumn: column,
		Columns:       map[string]geoColumn{column: col},
	}
	enc, err := gojson.Marshal(md)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeWrite, "failed to encode geo metadata")
	}
	return string(enc), nil
}
