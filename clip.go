package fgbtiles

import (
	"github.com/paulmach/orb"
)

// Clipping runs in mercator unit space against a buffered tile rectangle.
// Lines and rings are clipped against the X slab first, then the Y slab;
// a line that leaves the slab is split into multiple output lines, a ring
// accumulates all surviving vertices and is re-closed at the end.

// xyBounds computes the bbox of a flat coordinate buffer.
func xyBounds(xy []float64) orb.Bound {
	b := orb.Bound{
		Min: orb.Point{xy[0], xy[1]},
		Max: orb.Point{xy[0], xy[1]},
	}
	for i := 2; i+1 < len(xy); i += 2 {
		x, y := xy[i], xy[i+1]
		if x < b.Min[0] {
			b.Min[0] = x
		}
		if x > b.Max[0] {
			b.Max[0] = x
		}
		if y < b.Min[1] {
			b.Min[1] = y
		}
		if y > b.Max[1] {
			b.Max[1] = y
		}
	}
	return b
}

// rings returns the [start, end) vertex index of every ring or part. A
// feature without ends is a single ring covering all vertices.
func (f *rawFeature) rings() [][2]int {
	n := f.vertexCount()
	if len(f.ends) == 0 {
		return [][2]int{{0, n}}
	}
	out := make([][2]int, 0, len(f.ends))
	start := 0
	for _, e := range f.ends {
		end := int(e)
		if end > n {
			end = n
		}
		if end > start {
			out = append(out, [2]int{start, end})
		}
		start = end
	}
	return out
}

// clipFeature clips one feature against bound. It returns nil when nothing
// survives, the original feature when it is fully contained, or a new
// feature otherwise.
func clipFeature(f *rawFeature, bound orb.Bound) *rawFeature {
	fb := xyBounds(f.xy)
	if fb.Max[0] < bound.Min[0] || fb.Min[0] > bound.Max[0] ||
		fb.Max[1] < bound.Min[1] || fb.Min[1] > bound.Max[1] {
		return nil
	}
	if fb.Min[0] >= bound.Min[0] && fb.Max[0] <= bound.Max[0] &&
		fb.Min[1] >= bound.Min[1] && fb.Max[1] <= bound.Max[1] {
		return f
	}

	switch f.geomType {
	case GeometryLineString, GeometryMultiLineString:
		return clipLines(f, bound)
	case GeometryPolygon, GeometryMultiPolygon:
		return clipPolygon(f, bound)
	default:
		return clipPoints(f, bound)
	}
}

// clipPoints keeps every coordinate pair inside the bound, boundary
// inclusive.
func clipPoints(f *rawFeature, bound orb.Bound) *rawFeature {
	out := &rawFeature{geomType: f.geomType, props: f.props, id: f.id}
	for i := 0; i+1 < len(f.xy); i += 2 {
		x, y := f.xy[i], f.xy[i+1]
		if x >= bound.Min[0] && x <= bound.Max[0] && y >= bound.Min[1] && y <= bound.Max[1] {
			out.xy = append(out.xy, x, y)
		}
	}
	if len(out.xy) == 0 {
		return nil
	}
	return out
}

// clipLines clips every part line against the X slab then the Y slab. One
// input line can produce several output lines.
func clipLines(f *rawFeature, bound orb.Bound) *rawFeature {
	out := &rawFeature{geomType: f.geomType, props: f.props, id: f.id}
	for _, r := range f.rings() {
		line := f.xy[r[0]*2 : r[1]*2]
		for _, xs := range clipAxisLine(line, bound.Min[0], bound.Max[0], 0) {
			for _, ys := range clipAxisLine(xs, bound.Min[1], bound.Max[1], 1) {
				if len(ys) >= 4 {
					out.xy = append(out.xy, ys...)
					out.ends = append(out.ends, uint32(len(out.xy)/2))
				}
			}
		}
	}
	if len(out.xy) == 0 {
		return nil
	}
	return out
}

// clipPolygon clips every ring against both slabs, re-closes survivors and
// remaps the exterior-ring list for multipolygons.
func clipPolygon(f *rawFeature, bound orb.Bound) *rawFeature {
	out := &rawFeature{geomType: f.geomType, props: f.props, id: f.id}
	ringList := f.rings()
	newIndex := make([]int, len(ringList)) // new ring position, -1 when dropped
	for i, r := range ringList {
		newIndex[i] = -1
		ring := clipAxisRing(f.xy[r[0]*2:r[1]*2], bound.Min[0], bound.Max[0], 0)
		if len(ring) >= 6 {
			ring = clipAxisRing(ring, bound.Min[1], bound.Max[1], 1)
		}
		if len(ring) < 6 {
			continue
		}
		// Re-close: the clip can cut away the closing vertex.
		if ring[0] != ring[len(ring)-2] || ring[1] != ring[len(ring)-1] {
			ring = append(ring, ring[0], ring[1])
		}
		newIndex[i] = len(out.ends)
		out.xy = append(out.xy, ring...)
		out.ends = append(out.ends, uint32(len(out.xy)/2))
	}
	if len(out.xy) == 0 {
		return nil
	}
	out.parts = remapParts(f.parts, newIndex, len(ringList))
	return out
}

// remapParts rebuilds the exterior-ring index list after rings were
// dropped: each part whose ring span still has a survivor points at its
// first surviving ring. Fewer than two surviving parts collapse to none.
func remapParts(parts []int, newIndex []int, numRings int) []int {
	if len(parts) == 0 {
		return nil
	}
	var out []int
	for p, start := range parts {
		end := numRings
		if p+1 < len(parts) {
			end = parts[p+1]
		}
		for r := start; r < end && r < len(newIndex); r++ {
			if newIndex[r] >= 0 {
				out = append(out, newIndex[r])
				break
			}
		}
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

// clipAxisLine clips a polyline against the slab [k1, k2] on the given axis
// (0 = x, 1 = y), splitting it where it leaves the slab.
func clipAxisLine(coords []float64, k1, k2 float64, axis int) [][]float64 {
	var out [][]float64
	var cur []float64
	flush := func() {
		if len(cur) >= 4 {
			out = append(out, cur)
		}
		cur = nil
	}
	n := len(coords) / 2
	for i := 0; i < n-1; i++ {
		ax, ay := coords[i*2], coords[i*2+1]
		bx, by := coords[i*2+2], coords[i*2+3]
		a := coords[i*2+axis]
		b := coords[i*2+2+axis]

		switch {
		case a < k1:
			if b > k2 {
				// Straddles the whole slab: both intersections, in
				// axis-traversal order.
				cur = appendIntersection(cur, ax, ay, bx, by, k1, axis)
				cur = appendIntersection(cur, ax, ay, bx, by, k2, axis)
				flush()
			} else if b >= k1 {
				cur = appendIntersection(cur, ax, ay, bx, by, k1, axis)
			}
		case a > k2:
			if b < k1 {
				cur = appendIntersection(cur, ax, ay, bx, by, k2, axis)
				cur = appendIntersection(cur, ax, ay, bx, by, k1, axis)
				flush()
			} else if b <= k2 {
				cur = appendIntersection(cur, ax, ay, bx, by, k2, axis)
			}
		default:
			cur = append(cur, ax, ay)
			if b < k1 {
				cur = appendIntersection(cur, ax, ay, bx, by, k1, axis)
				flush()
			} else if b > k2 {
				cur = appendIntersection(cur, ax, ay, bx, by, k2, axis)
				flush()
			}
		}
	}
	// Final vertex, when it ends inside the slab.
	if n > 0 {
		last := coords[(n-1)*2+axis]
		if last >= k1 && last <= k2 {
			cur = append(cur, coords[(n-1)*2], coords[(n-1)*2+1])
		}
	}
	flush()
	return out
}

// clipAxisRing clips a ring against the slab [k1, k2], accumulating all
// surviving vertices into a single ring.
func clipAxisRing(coords []float64, k1, k2 float64, axis int) []float64 {
	var out []float64
	n := len(coords) / 2
	for i := 0; i < n-1; i++ {
		ax, ay := coords[i*2], coords[i*2+1]
		bx, by := coords[i*2+2], coords[i*2+3]
		a := coords[i*2+axis]
		b := coords[i*2+2+axis]

		switch {
		case a < k1:
			if b > k2 {
				out = appendIntersection(out, ax, ay, bx, by, k1, axis)
				out = appendIntersection(out, ax, ay, bx, by, k2, axis)
			} else if b >= k1 {
				out = appendIntersection(out, ax, ay, bx, by, k1, axis)
			}
		case a > k2:
			if b < k1 {
				out = appendIntersection(out, ax, ay, bx, by, k2, axis)
				out = appendIntersection(out, ax, ay, bx, by, k1, axis)
			} else if b <= k2 {
				out = appendIntersection(out, ax, ay, bx, by, k2, axis)
			}
		default:
			out = append(out, ax, ay)
			if b < k1 {
				out = appendIntersection(out, ax, ay, bx, by, k1, axis)
			} else if b > k2 {
				out = appendIntersection(out, ax, ay, bx, by, k2, axis)
			}
		}
	}
	if n > 0 {
		last := coords[(n-1)*2+axis]
		if last >= k1 && last <= k2 {
			out = append(out, coords[(n-1)*2], coords[(n-1)*2+1])
		}
	}
	return out
}

// appendIntersection emits the point where segment a->b crosses the axis
// constant k. The segment is known to cross, so the interpolation
// denominator is non-zero.
func appendIntersection(out []float64, ax, ay, bx, by, k float64, axis int) []float64 {
	if axis == 0 {
		t := (k - ax) / (bx - ax)
		return append(out, k, ay+(by-ay)*t)
	}
	t := (k - ay) / (by - ay)
	return append(out, ax+(bx-ax)*t, k)
}
