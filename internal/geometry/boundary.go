// Package geometry turns a user-drawn GeoJSON boundary into a signed
// distance field measured in kilometres.
//
// Distances use a flat local projection centred on the boundary centroid.
// Boundaries span a few kilometres at most, so the equirectangular
// approximation stays well inside the accuracy of the outcome data.
package geometry

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
)

// KmPerDegree is the length of one degree of latitude.
const KmPerDegree = 111.32

// onBoundaryKm is the distance under which a point counts as on the boundary.
const onBoundaryKm = 1e-12

// Boundary is a validated polygonal boundary with a precomputed local
// projection. It is immutable and safe for concurrent use.
type Boundary struct {
	shape    orb.MultiPolygon
	centroid orb.Point
	kmPerLon float64
	kmPerLat float64
	segments []segment
	hash     uint64
}

// segment is a perimeter edge in local kilometre coordinates.
type segment struct {
	ax, ay, bx, by float64
}

func newBoundary(shape orb.MultiPolygon) *Boundary {
	centroid, area := planar.CentroidArea(shape)
	if area == 0 || math.IsNaN(centroid[0]) || math.IsNaN(centroid[1]) {
		centroid = shape.Bound().Center()
	}

	b := &Boundary{
		shape:    shape,
		centroid: centroid,
		kmPerLat: KmPerDegree,
		kmPerLon: KmPerDegree * math.Cos(centroid[1]*math.Pi/180),
		hash:     hashShape(shape),
	}

	for _, poly := range shape {
		for _, ring := range poly {
			n := len(ring)
			for i := 0; i < n-1; i++ {
				b.addSegment(ring[i], ring[i+1])
			}
			// Implicitly closed rings get their closing edge.
			if ring[0] != ring[n-1] {
				b.addSegment(ring[n-1], ring[0])
			}
		}
	}
	return b
}

func (b *Boundary) addSegment(from, to orb.Point) {
	ax, ay := b.project(from)
	bx, by := b.project(to)
	b.segments = append(b.segments, segment{ax: ax, ay: ay, bx: bx, by: by})
}

func (b *Boundary) project(p orb.Point) (float64, float64) {
	return (p[0] - b.centroid[0]) * b.kmPerLon, (p[1] - b.centroid[1]) * b.kmPerLat
}

// FromLocalKm returns the point x km east and y km north of the centroid.
func (b *Boundary) FromLocalKm(x, y float64) orb.Point {
	return orb.Point{b.centroid[0] + x/b.kmPerLon, b.centroid[1] + y/b.kmPerLat}
}

// SignedDistanceKm returns the distance from p to the nearest boundary edge,
// positive inside the boundary and negative outside. Points on the
// boundary return 0 and are treated as inside.
func (b *Boundary) SignedDistanceKm(p orb.Point) float64 {
	d := b.PerimeterDistanceKm(p)
	if d < onBoundaryKm {
		return 0
	}
	if b.Contains(p) {
		return d
	}
	return -d
}

// PerimeterDistanceKm is the unsigned distance from p to the nearest edge.
func (b *Boundary) PerimeterDistanceKm(p orb.Point) float64 {
	px, py := b.project(p)
	best := math.Inf(1)
	for _, s := range b.segments {
		if d := s.distance(px, py); d < best {
			best = d
		}
	}
	return best
}

// Contains reports whether p lies inside the boundary (holes excluded).
func (b *Boundary) Contains(p orb.Point) bool {
	return planar.MultiPolygonContains(b.shape, p)
}

func (s segment) distance(px, py float64) float64 {
	dx, dy := s.bx-s.ax, s.by-s.ay
	lengthSq := dx*dx + dy*dy
	if lengthSq == 0 {
		return math.Hypot(px-s.ax, py-s.ay)
	}
	t := ((px-s.ax)*dx + (py-s.ay)*dy) / lengthSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(px-(s.ax+t*dx), py-(s.ay+t*dy))
}

// Centroid is the area-weighted centroid used as the projection origin.
func (b *Boundary) Centroid() orb.Point {
	return b.centroid
}

// Shape returns the validated polygons.
func (b *Boundary) Shape() orb.MultiPolygon {
	return b.shape
}

// Bound returns the bounding box grown by padKm on every side.
func (b *Boundary) Bound(padKm float64) orb.Bound {
	bound := b.shape.Bound()
	if padKm <= 0 {
		return bound
	}
	dLon, dLat := padKm/b.kmPerLon, padKm/b.kmPerLat
	bound.Min = orb.Point{bound.Min[0] - dLon, bound.Min[1] - dLat}
	bound.Max = orb.Point{bound.Max[0] + dLon, bound.Max[1] + dLat}
	return bound
}

// Hash is a stable fingerprint of the coordinates, independent of how the
// GeoJSON was formatted.
func (b *Boundary) Hash() uint64 {
	return b.hash
}

// GeoJSON renders the boundary as a GeoJSON geometry.
func (b *Boundary) GeoJSON() (json.RawMessage, error) {
	var g orb.Geometry = b.shape
	if len(b.shape) == 1 {
		g = b.shape[0]
	}
	data, err := json.Marshal(geojson.NewGeometry(g))
	if err != nil {
		return nil, eris.Wrap(err, "geometry: marshal boundary")
	}
	return data, nil
}

func hashShape(shape orb.MultiPolygon) uint64 {
	d := xxhash.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}

	put(uint64(len(shape)))
	for _, poly := range shape {
		put(uint64(len(poly)))
		for _, ring := range poly {
			put(uint64(len(ring)))
			for _, p := range ring {
				put(math.Float64bits(p[0]))
				put(math.Float64bits(p[1]))
			}
		}
	}
	return d.Sum64()
}
