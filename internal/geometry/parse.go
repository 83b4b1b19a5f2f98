package geometry

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// envelope peeks at the GeoJSON wrapper type without decoding coordinates.
type envelope struct {
	Type     string            `json:"type"`
	Geometry json.RawMessage   `json:"geometry"`
	Features []json.RawMessage `json:"features"`
}

// ParseRequest picks the boundary out of an analysis request. The first
// non-empty of geometry, feature and featureCollection wins; for a
// collection only the first feature is used and the rest are ignored.
func ParseRequest(geometry, feature, featureCollection json.RawMessage) (*Boundary, error) {
	switch {
	case present(geometry):
		return Parse(geometry)
	case present(feature):
		return Parse(feature)
	case present(featureCollection):
		return Parse(featureCollection)
	}
	return nil, invalidf("no GeoJSON geometry provided; send geometry, feature or featureCollection")
}

// Parse decodes a bare Polygon/MultiPolygon, a Feature or a
// FeatureCollection (first feature only) into a Boundary.
func Parse(data []byte) (*Boundary, error) {
	if !present(data) {
		return nil, invalidf("geometry is empty")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalidf("malformed GeoJSON: %v", err)
	}

	switch env.Type {
	case "Feature":
		if !present(env.Geometry) {
			return nil, invalidf("feature has no geometry")
		}
		return Parse(env.Geometry)
	case "FeatureCollection":
		if len(env.Features) == 0 {
			return nil, invalidf("feature collection has no features")
		}
		return Parse(env.Features[0])
	case "Polygon", "MultiPolygon":
		return decodePolygonal(data)
	case "":
		// Untyped wrappers such as {"geometry": {...}} are accepted as features.
		if present(env.Geometry) {
			return Parse(env.Geometry)
		}
		return nil, invalidf("GeoJSON object has no type")
	default:
		return nil, invalidf("unsupported geometry type %q, expected Polygon or MultiPolygon", env.Type)
	}
}

func decodePolygonal(data []byte) (*Boundary, error) {
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, invalidf("malformed coordinates: %v", err)
	}

	var shape orb.MultiPolygon
	switch c := g.Coordinates.(type) {
	case orb.Polygon:
		shape = orb.MultiPolygon{c}
	case orb.MultiPolygon:
		shape = c
	default:
		return nil, invalidf("missing coordinates")
	}

	if err := validate(shape); err != nil {
		return nil, err
	}
	return newBoundary(shape), nil
}

func validate(shape orb.MultiPolygon) error {
	if len(shape) == 0 {
		return invalidf("missing coordinates")
	}
	for pi, poly := range shape {
		if len(poly) == 0 {
			return invalidf("polygon %d has no rings", pi)
		}
		for ri, ring := range poly {
			distinct := make(map[orb.Point]struct{}, len(ring))
			for _, p := range ring {
				lon, lat := p[0], p[1]
				if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
					return invalidf("polygon %d ring %d has non-finite coordinates", pi, ri)
				}
				if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
					return invalidf("polygon %d ring %d has coordinate [%g, %g] out of range", pi, ri, lon, lat)
				}
				distinct[p] = struct{}{}
			}
			if len(distinct) < 3 {
				return invalidf("polygon %d ring %d needs at least 3 distinct vertices, got %d", pi, ri, len(distinct))
			}
		}
	}
	return nil
}

func present(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
