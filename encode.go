package fgbtiles

import (
	"math"
	"sort"
	"strconv"
)

// MVT geometry types.
const (
	mvtUnknown    uint32 = 0
	mvtPoint      uint32 = 1
	mvtLineString uint32 = 2
	mvtPolygon    uint32 = 3
)

// MVT command ids.
const (
	cmdMoveTo    uint32 = 1
	cmdLineTo    uint32 = 2
	cmdClosePath uint32 = 7
)

// mvtType collapses multi geometries onto the three MVT types. Unknown
// falls back to point.
func mvtType(g GeometryType) uint32 {
	switch g {
	case GeometryLineString, GeometryMultiLineString:
		return mvtLineString
	case GeometryPolygon, GeometryMultiPolygon:
		return mvtPolygon
	default:
		return mvtPoint
	}
}

// commandInteger packs a command id and repeat count.
func commandInteger(cmd, count uint32) uint32 {
	return (cmd & 0x7) | (count << 3)
}

// zigzag maps a signed delta onto an unsigned parameter integer.
func zigzag(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

// transformXY converts mercator-unit coordinates to integer tile
// coordinates for tile (z, tx, ty) at the given extent. Coordinates may
// fall outside [0, extent) inside the buffer margin.
func transformXY(xy []float64, z, tx, ty, extent uint32) []int32 {
	scale := float64(uint64(1) << z)
	e := float64(extent)
	out := make([]int32, len(xy))
	for i := 0; i+1 < len(xy); i += 2 {
		out[i] = int32(math.Round(e * (xy[i]*scale - float64(tx))))
		out[i+1] = int32(math.Round(e * (xy[i+1]*scale - float64(ty))))
	}
	return out
}

// intRings splits integer coordinates into [start, end) vertex ranges.
func intRings(coords []int32, ends []uint32) [][2]int {
	n := len(coords) / 2
	if len(ends) == 0 {
		return [][2]int{{0, n}}
	}
	out := make([][2]int, 0, len(ends))
	start := 0
	for _, e := range ends {
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

// shoelace returns the signed double area of a ring in Y-down space;
// positive means clockwise.
func shoelace(coords []int32, start, end int) int64 {
	var sum int64
	for i := start + 1; i < end; i++ {
		x0, y0 := int64(coords[(i-1)*2]), int64(coords[(i-1)*2+1])
		x1, y1 := int64(coords[i*2]), int64(coords[i*2+1])
		sum += (x1 - x0) * (y1 + y0)
	}
	return sum
}

// reverseRing reverses the vertex order of coords[start:end] in place.
func reverseRing(coords []int32, start, end int) {
	for i, j := start, end-1; i < j; i, j = i+1, j-1 {
		coords[i*2], coords[j*2] = coords[j*2], coords[i*2]
		coords[i*2+1], coords[j*2+1] = coords[j*2+1], coords[i*2+1]
	}
}

// correctWinding enforces MVT ring orientation in place: clockwise
// exteriors, counter-clockwise holes. Which rings are exterior follows the
// feature's structure: ring 0 for simple polygons, the parts list for
// multipolygons.
func correctWinding(coords []int32, ends []uint32, parts []int, geomType GeometryType) {
	ringList := intRings(coords, ends)
	if len(ringList) == 0 {
		return
	}
	exterior := make([]bool, len(ringList))
	switch {
	case geomType == GeometryMultiPolygon && len(parts) > 0:
		for _, p := range parts {
			if p >= 0 && p < len(exterior) {
				exterior[p] = true
			}
		}
	default:
		exterior[0] = true
	}
	for i, r := range ringList {
		cw := shoelace(coords, r[0], r[1]) > 0
		if cw != exterior[i] {
			reverseRing(coords, r[0], r[1])
		}
	}
}

// encodeGeometry emits the packed MVT command stream for one feature. The
// delta cursor starts at (0, 0) and persists across all rings and parts.
func encodeGeometry(coords []int32, ends []uint32, typ uint32) []uint32 {
	if len(coords) < 2 {
		return nil
	}
	var out []uint32
	var cx, cy int32

	emit := func(i int) {
		out = append(out, zigzag(coords[i*2]-cx), zigzag(coords[i*2+1]-cy))
		cx, cy = coords[i*2], coords[i*2+1]
	}

	switch typ {
	case mvtPoint:
		n := len(coords) / 2
		out = append(out, commandInteger(cmdMoveTo, uint32(n)))
		for i := 0; i < n; i++ {
			emit(i)
		}

	case mvtLineString:
		for _, r := range intRings(coords, ends) {
			n := r[1] - r[0]
			if n < 2 {
				continue
			}
			out = append(out, commandInteger(cmdMoveTo, 1))
			emit(r[0])
			out = append(out, commandInteger(cmdLineTo, uint32(n-1)))
			for i := r[0] + 1; i < r[1]; i++ {
				emit(i)
			}
		}

	case mvtPolygon:
		for _, r := range intRings(coords, ends) {
			n := r[1] - r[0]
			closed := n >= 2 &&
				coords[r[0]*2] == coords[(r[1]-1)*2] &&
				coords[r[0]*2+1] == coords[(r[1]-1)*2+1]
			k := n - 1
			if closed {
				k = n - 2
			}
			if k < 2 {
				continue
			}
			out = append(out, commandInteger(cmdMoveTo, 1))
			emit(r[0])
			out = append(out, commandInteger(cmdLineTo, uint32(k)))
			for i := r[0] + 1; i <= r[0]+k; i++ {
				emit(i)
			}
			out = append(out, commandInteger(cmdClosePath, 1))
		}
	}
	return out
}

// MVT value kinds.
const (
	valString uint8 = iota
	valDouble
	valInt
	valUint
	valBool
)

// mvtValue is one deduplicated entry of a layer's value table.
type mvtValue struct {
	kind uint8
	str  string
	dbl  float64
	i    int64
	u    uint64
	b    bool
}

// canonical returns the dedup key: kind tag plus a locale-independent
// textual form, so equal values of the same kind share a slot while, say,
// the uint 1 and the string "1" stay distinct.
func (v mvtValue) canonical() string {
	switch v.kind {
	case valString:
		return "s:" + v.str
	case valDouble:
		return "d:" + strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case valInt:
		return "i:" + strconv.FormatInt(v.i, 10)
	case valUint:
		return "u:" + strconv.FormatUint(v.u, 10)
	default:
		if v.b {
			return "b:true"
		}
		return "b:false"
	}
}

// layerFeature is one encoded feature of a layer.
type layerFeature struct {
	id       *uint64
	typ      uint32
	geometry []uint32
	tags     []uint32
}

// Layer accumulates the features of one source for one tile, together with
// the deduplicated key and value tables the MVT schema requires.
type Layer struct {
	Name   string
	Extent uint32

	features []*layerFeature
	keys     []string
	values   []mvtValue

	keyIndex   map[string]uint32
	valueIndex map[string]uint32
}

// newLayer returns an empty layer.
func newLayer(name string, extent uint32) *Layer {
	return &Layer{
		Name:       name,
		Extent:     extent,
		keyIndex:   make(map[string]uint32),
		valueIndex: make(map[string]uint32),
	}
}

// FeatureCount returns the number of features in the layer.
func (l *Layer) FeatureCount() int { return len(l.features) }

// internKey returns the slot of key, inserting it on first use.
func (l *Layer) internKey(key string) uint32 {
	if i, ok := l.keyIndex[key]; ok {
		return i
	}
	i := uint32(len(l.keys))
	l.keys = append(l.keys, key)
	l.keyIndex[key] = i
	return i
}

// internValue returns the slot of v, inserting it on first use.
func (l *Layer) internValue(v mvtValue) uint32 {
	key := v.canonical()
	if i, ok := l.valueIndex[key]; ok {
		return i
	}
	i := uint32(len(l.values))
	l.values = append(l.values, v)
	l.valueIndex[key] = i
	return i
}

// classifyValue maps a decoded property value onto an MVT value.
// Integer-valued doubles become uint when non-negative and sint otherwise;
// binary and null values are not representable and are dropped.
func classifyValue(v any) (mvtValue, bool) {
	switch n := v.(type) {
	case string:
		return mvtValue{kind: valString, str: n}, true
	case bool:
		return mvtValue{kind: valBool, b: n}, true
	case int64:
		return mvtValue{kind: valInt, i: n}, true
	case uint64:
		return mvtValue{kind: valUint, u: n}, true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			if n >= 0 {
				return mvtValue{kind: valUint, u: uint64(n)}, true
			}
			return mvtValue{kind: valInt, i: int64(n)}, true
		}
		return mvtValue{kind: valDouble, dbl: n}, true
	default:
		return mvtValue{}, false
	}
}

// addFeature appends a feature with its encoded geometry, interning every
// taggable property. Property names are walked in sorted order so output
// bytes are deterministic.
func (l *Layer) addFeature(f *rawFeature, geometry []uint32, typ uint32) {
	lf := &layerFeature{id: f.id, typ: typ, geometry: geometry}
	if len(f.props) > 0 {
		names := make([]string, 0, len(f.props))
		for name := range f.props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, ok := classifyValue(f.props[name])
			if !ok {
				continue
			}
			lf.tags = append(lf.tags, l.internKey(name), l.internValue(val))
		}
	}
	l.features = append(l.features, lf)
}
