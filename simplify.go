package fgbtiles

import (
	"math"
)

// Douglas–Peucker simplification over mercator-unit coordinates. A single
// recursive pass assigns every vertex an importance (the squared
// perpendicular distance at which it was chosen); the recursion only
// descends below vertices whose distance exceeds the squared tolerance, so
// every other vertex scores zero. Filtering then keeps the vertices whose
// importance exceeds the squared tolerance. Endpoints are always kept.

// simplifyFeature simplifies every line or ring of the feature
// independently and drops parts that collapse. Returns nil when nothing
// survives. Points must not be passed here.
func simplifyFeature(f *rawFeature, sqTol float64) *rawFeature {
	polygon := f.geomType == GeometryPolygon || f.geomType == GeometryMultiPolygon
	ringList := f.rings()
	out := &rawFeature{geomType: f.geomType, props: f.props, id: f.id}
	newIndex := make([]int, len(ringList))
	for i, r := range ringList {
		newIndex[i] = -1
		ring := f.xy[r[0]*2 : r[1]*2]

		// Cheap proxy: a ring whose bbox area is below the tolerance would
		// simplify to nothing visible.
		if polygon && ringArea(ring) < sqTol {
			continue
		}

		kept := simplifyRing(ring, sqTol)
		if len(kept) < 4 {
			continue
		}
		newIndex[i] = len(out.ends)
		out.xy = append(out.xy, kept...)
		out.ends = append(out.ends, uint32(len(out.xy)/2))
	}
	if len(out.xy) == 0 {
		return nil
	}
	if polygon {
		out.parts = remapParts(f.parts, newIndex, len(ringList))
	}
	return out
}

// ringArea returns the bbox area of a ring.
func ringArea(xy []float64) float64 {
	b := xyBounds(xy)
	return (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1])
}

// simplifyRing runs the importance pass over one line or ring and filters
// by tolerance.
func simplifyRing(xy []float64, sqTol float64) []float64 {
	n := len(xy) / 2
	if n <= 2 {
		out := make([]float64, len(xy))
		copy(out, xy)
		return out
	}
	scores := make([]float64, n)
	scores[0] = math.Inf(1)
	scores[n-1] = math.Inf(1)
	dpImportance(xy, 0, n-1, scores, sqTol)

	out := make([]float64, 0, len(xy))
	for i := 0; i < n; i++ {
		if scores[i] > sqTol {
			out = append(out, xy[i*2], xy[i*2+1])
		}
	}
	return out
}

// dpImportance recursively scores the most significant interior vertex of
// [first, last] with its squared distance to the baseline, tie-breaking
// toward the range midpoint to keep the recursion balanced. A range whose
// farthest vertex is within sqTol is left unscored.
func dpImportance(xy []float64, first, last int, scores []float64, sqTol float64) {
	if last-first <= 1 {
		return
	}
	mid := (first + last) / 2
	maxSq := 0.0
	maxIdx := -1
	for i := first + 1; i < last; i++ {
		sq := sqSegDist(xy, i, first, last)
		if sq > maxSq || (maxIdx >= 0 && sq == maxSq && absInt(i-mid) < absInt(maxIdx-mid)) {
			maxSq = sq
			maxIdx = i
		}
	}
	if maxIdx < 0 || maxSq <= sqTol {
		return
	}
	scores[maxIdx] = maxSq
	dpImportance(xy, first, maxIdx, scores, sqTol)
	dpImportance(xy, maxIdx, last, scores, sqTol)
}

// sqSegDist returns the squared distance from vertex p to the segment
// first->last, with the closest-point projection clamped to the segment. A
// degenerate baseline falls back to the distance to first.
func sqSegDist(xy []float64, p, first, last int) float64 {
	x, y := xy[p*2], xy[p*2+1]
	x1, y1 := xy[first*2], xy[first*2+1]
	x2, y2 := xy[last*2], xy[last*2+1]

	dx, dy := x2-x1, y2-y1
	if dx != 0 || dy != 0 {
		t := ((x-x1)*dx + (y-y1)*dy) / (dx*dx + dy*dy)
		if t > 1 {
			x1, y1 = x2, y2
		} else if t > 0 {
			x1 += dx * t
			y1 += dy * t
		}
	}
	dx, dy = x-x1, y-y1
	return dx*dx + dy*dy
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
