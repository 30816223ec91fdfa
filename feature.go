package fgbtiles

import (
	"encoding/binary"

	flatbuffers "github.com/google/flatbuffers/go"
	log "github.com/sirupsen/logrus"
)

// Feature flatbuffer field slots.
const (
	featureFieldGeometry   = 0
	featureFieldProperties = 1
)

// Geometry flatbuffer field slots.
const (
	geometryFieldEnds  = 0
	geometryFieldXY    = 1
	geometryFieldType  = 6
	geometryFieldParts = 7
)

// maxGeometryDepth bounds the nested-parts recursion. Legal FlatGeobuf
// nesting is at most geometry collection > multi > single; anything deeper
// is adversarial and decodes to nothing.
const maxGeometryDepth = 4

// rawFeature is the decoder's intermediate representation: a flat
// interleaved coordinate buffer plus ring bookkeeping and decoded
// properties. The xy slice is owned by the feature and is mutated in place
// by the projection stage, so a rawFeature must not be reused across tile
// requests.
type rawFeature struct {
	geomType GeometryType
	xy       []float64 // [x0, y0, x1, y1, ...]
	ends     []uint32  // cumulative coordinate-pair counts per ring/part
	parts    []int     // indices into ends marking exterior rings (MultiPolygon)
	props    map[string]any
	id       *uint64
}

// vertexCount returns the number of coordinate pairs.
func (f *rawFeature) vertexCount() int { return len(f.xy) / 2 }

// decodeFeatures consumes concatenated, length-prefixed feature flatbuffers
// and returns the decoded features. Iteration stops on buffer exhaustion, a
// zero size prefix, a truncated frame (expected after a tail over-fetch) or
// after maxFeatures features when maxFeatures > 0. Individual malformed
// features are skipped.
func decodeFeatures(buf []byte, h *Header, idColumn string, maxFeatures int) []*rawFeature {
	var feats []*rawFeature
	pos := 0
	for pos+4 <= len(buf) {
		size := int(binary.LittleEndian.Uint32(buf[pos:]))
		if size == 0 {
			break
		}
		pos += 4
		if pos+size > len(buf) {
			break
		}
		f, err := decodeFeature(buf[pos:pos+size], h, idColumn)
		if err != nil {
			log.WithError(err).Debug("skipping malformed feature")
		} else if f != nil {
			feats = append(feats, f)
			if maxFeatures > 0 && len(feats) >= maxFeatures {
				break
			}
		}
		pos += size
	}
	return feats
}

// decodeFeature decodes one feature flatbuffer. A feature without a
// geometry, or with an empty coordinate array, decodes to nil.
func decodeFeature(frame []byte, h *Header, idColumn string) (f *rawFeature, err error) {
	defer catchMalformed(&err)

	tab, err := rootTable(frame)
	if err != nil {
		return nil, err
	}
	geom, ok := tableField(tab, featureFieldGeometry)
	if !ok {
		return nil, nil
	}
	f = decodeGeometry(geom, h.GeometryType, 0)
	if f == nil || len(f.xy) == 0 {
		return nil, nil
	}
	if props := byteVectorField(tab, featureFieldProperties); len(props) > 0 {
		f.props, f.id = decodeProperties(props, h.Columns, idColumn)
	}
	return f, nil
}

// decodeGeometry flattens one geometry table into a rawFeature. Geometries
// either carry their coordinates directly (xy, optionally ends) or nest
// sub-geometries in parts; nested parts are concatenated into one flat
// buffer with accumulated ends. The geometry's own type field overrides the
// header type when set.
func decodeGeometry(tab flatbuffers.Table, defaultType GeometryType, depth int) *rawFeature {
	typ := GeometryType(byteField(tab, geometryFieldType, 0))
	if typ == GeometryUnknown {
		typ = defaultType
	}

	if xy := float64VectorField(tab, geometryFieldXY); len(xy) > 0 {
		return &rawFeature{
			geomType: typ,
			xy:       xy,
			ends:     uint32VectorField(tab, geometryFieldEnds),
		}
	}

	if depth >= maxGeometryDepth {
		return nil
	}
	n := tableVectorLen(tab, geometryFieldParts)
	if n == 0 {
		return nil
	}

	out := &rawFeature{geomType: typ}
	var partStarts []int
	var pairs uint32
	for i := 0; i < n; i++ {
		part, ok := tableVectorElem(tab, geometryFieldParts, i)
		if !ok {
			continue
		}
		child := decodeGeometry(part, typ, depth+1)
		if child == nil || len(child.xy) == 0 {
			continue
		}
		partStarts = append(partStarts, len(out.ends))
		out.xy = append(out.xy, child.xy...)
		if len(child.ends) > 0 {
			for _, e := range child.ends {
				out.ends = append(out.ends, pairs+e)
			}
		} else {
			out.ends = append(out.ends, pairs+uint32(len(child.xy)/2))
		}
		pairs += uint32(len(child.xy) / 2)
	}
	if typ == GeometryMultiPolygon && len(partStarts) >= 2 {
		out.parts = partStarts
	}
	return out
}
