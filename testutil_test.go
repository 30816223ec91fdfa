package fgbtiles

import (
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
)

// =============================================================================
// Hand-built flatbuffer fixtures (unit tests)
// =============================================================================

type headerFixture struct {
	name          string
	envelope      []float64
	geometryType  GeometryType
	columns       []Column
	featuresCount uint64
	indexNodeSize uint16
}

// buildHeaderFile assembles a complete header section: magic, size prefix
// and header flatbuffer.
func buildHeaderFile(tb testing.TB, fix headerFixture) []byte {
	tb.Helper()
	b := flatbuffers.NewBuilder(512)

	var colOffs []flatbuffers.UOffsetT
	for _, col := range fix.columns {
		nameOff := b.CreateString(col.Name)
		b.StartObject(11)
		b.PrependUOffsetTSlot(columnFieldName, nameOff, 0)
		b.PrependByteSlot(columnFieldType, byte(col.Type), 0)
		b.PrependBoolSlot(columnFieldNullable, col.Nullable, true)
		colOffs = append(colOffs, b.EndObject())
	}
	var colsVec flatbuffers.UOffsetT
	if len(colOffs) > 0 {
		b.StartVector(4, len(colOffs), 4)
		for i := len(colOffs) - 1; i >= 0; i-- {
			b.PrependUOffsetT(colOffs[i])
		}
		colsVec = b.EndVector(len(colOffs))
	}

	var nameOff flatbuffers.UOffsetT
	if fix.name != "" {
		nameOff = b.CreateString(fix.name)
	}
	var envVec flatbuffers.UOffsetT
	if len(fix.envelope) > 0 {
		b.StartVector(8, len(fix.envelope), 8)
		for i := len(fix.envelope) - 1; i >= 0; i-- {
			b.PrependFloat64(fix.envelope[i])
		}
		envVec = b.EndVector(len(fix.envelope))
	}

	b.StartObject(14)
	if nameOff != 0 {
		b.PrependUOffsetTSlot(headerFieldName, nameOff, 0)
	}
	if envVec != 0 {
		b.PrependUOffsetTSlot(headerFieldEnvelope, envVec, 0)
	}
	b.PrependByteSlot(headerFieldGeometryType, byte(fix.geometryType), 0)
	if colsVec != 0 {
		b.PrependUOffsetTSlot(headerFieldColumns, colsVec, 0)
	}
	b.PrependUint64Slot(headerFieldFeaturesCount, fix.featuresCount, 0)
	b.PrependUint16Slot(headerFieldIndexNodeSize, fix.indexNodeSize, 16)
	b.Finish(b.EndObject())

	payload := b.FinishedBytes()
	out := make([]byte, 0, headerPrologue+len(payload))
	out = append(out, magicBytes[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

type geomFixture struct {
	xy    []float64
	ends  []uint32
	typ   GeometryType
	parts []geomFixture
}

func buildGeometryTable(b *flatbuffers.Builder, g geomFixture) flatbuffers.UOffsetT {
	var partOffs []flatbuffers.UOffsetT
	for _, p := range g.parts {
		partOffs = append(partOffs, buildGeometryTable(b, p))
	}
	var partsVec flatbuffers.UOffsetT
	if len(partOffs) > 0 {
		b.StartVector(4, len(partOffs), 4)
		for i := len(partOffs) - 1; i >= 0; i-- {
			b.PrependUOffsetT(partOffs[i])
		}
		partsVec = b.EndVector(len(partOffs))
	}
	var xyVec flatbuffers.UOffsetT
	if len(g.xy) > 0 {
		b.StartVector(8, len(g.xy), 8)
		for i := len(g.xy) - 1; i >= 0; i-- {
			b.PrependFloat64(g.xy[i])
		}
		xyVec = b.EndVector(len(g.xy))
	}
	var endsVec flatbuffers.UOffsetT
	if len(g.ends) > 0 {
		b.StartVector(4, len(g.ends), 4)
		for i := len(g.ends) - 1; i >= 0; i-- {
			b.PrependUint32(g.ends[i])
		}
		endsVec = b.EndVector(len(g.ends))
	}

	b.StartObject(8)
	if endsVec != 0 {
		b.PrependUOffsetTSlot(geometryFieldEnds, endsVec, 0)
	}
	if xyVec != 0 {
		b.PrependUOffsetTSlot(geometryFieldXY, xyVec, 0)
	}
	b.PrependByteSlot(geometryFieldType, byte(g.typ), 0)
	if partsVec != 0 {
		b.PrependUOffsetTSlot(geometryFieldParts, partsVec, 0)
	}
	return b.EndObject()
}

// buildFeatureFrame assembles one feature flatbuffer (without the size
// prefix). A nil geometry builds a feature with no geometry field.
func buildFeatureFrame(tb testing.TB, geom *geomFixture, props []byte) []byte {
	tb.Helper()
	b := flatbuffers.NewBuilder(512)
	var geomOff flatbuffers.UOffsetT
	if geom != nil {
		geomOff = buildGeometryTable(b, *geom)
	}
	var propsVec flatbuffers.UOffsetT
	if len(props) > 0 {
		propsVec = b.CreateByteVector(props)
	}
	b.StartObject(3)
	if geomOff != 0 {
		b.PrependUOffsetTSlot(featureFieldGeometry, geomOff, 0)
	}
	if propsVec != 0 {
		b.PrependUOffsetTSlot(featureFieldProperties, propsVec, 0)
	}
	b.Finish(b.EndObject())

	out := make([]byte, len(b.FinishedBytes()))
	copy(out, b.FinishedBytes())
	return out
}

// frameStream concatenates feature frames with their u32 size prefixes.
func frameStream(frames ...[]byte) []byte {
	var out []byte
	for _, f := range frames {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}

// propStream packs a property stream out of (column index, value) pairs
// encoded per the given schema.
func propStream(tb testing.TB, columns []Column, pairs ...any) []byte {
	tb.Helper()
	if len(pairs)%2 != 0 {
		tb.Fatal("propStream needs index/value pairs")
	}
	var out []byte
	for i := 0; i < len(pairs); i += 2 {
		idx := pairs[i].(int)
		out = binary.LittleEndian.AppendUint16(out, uint16(idx))
		out = appendPropValue(tb, out, columns[idx].Type, pairs[i+1])
	}
	return out
}

func appendPropValue(tb testing.TB, out []byte, typ ColumnType, v any) []byte {
	tb.Helper()
	switch typ {
	case ColumnBool:
		if v.(bool) {
			return append(out, 1)
		}
		return append(out, 0)
	case ColumnByte:
		return append(out, byte(int8(v.(int))))
	case ColumnUByte:
		return append(out, byte(v.(int)))
	case ColumnShort:
		return binary.LittleEndian.AppendUint16(out, uint16(int16(v.(int))))
	case ColumnUShort:
		return binary.LittleEndian.AppendUint16(out, uint16(v.(int)))
	case ColumnInt:
		return binary.LittleEndian.AppendUint32(out, uint32(int32(v.(int))))
	case ColumnUInt:
		return binary.LittleEndian.AppendUint32(out, uint32(v.(int)))
	case ColumnLong:
		return binary.LittleEndian.AppendUint64(out, uint64(int64(v.(int))))
	case ColumnULong:
		return binary.LittleEndian.AppendUint64(out, uint64(v.(int)))
	case ColumnFloat:
		return binary.LittleEndian.AppendUint32(out, math.Float32bits(v.(float32)))
	case ColumnDouble:
		return binary.LittleEndian.AppendUint64(out, math.Float64bits(v.(float64)))
	case ColumnString, ColumnJSON, ColumnDateTime:
		s := v.(string)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
		return append(out, s...)
	case ColumnBinary:
		bs := v.([]byte)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(bs)))
		return append(out, bs...)
	default:
		tb.Fatalf("unsupported fixture column type %v", typ)
		return nil
	}
}

// =============================================================================
// End-to-end fixtures via the official FlatGeobuf writer
// =============================================================================

type fgbColumn struct {
	name string
	typ  ColumnType
}

type fgbFeature struct {
	geom  orb.Geometry
	props map[string]any
}

// writeFGBFile writes a spatially indexed FlatGeobuf file with the
// official writer and returns its path.
func writeFGBFile(tb testing.TB, path, name string, geomType GeometryType, cols []fgbColumn, feats []fgbFeature) {
	tb.Helper()

	builder := flatbuffers.NewBuilder(4096)
	header := writer.NewHeader(builder)
	header.SetName(name)
	header.SetGeometryType(flattypes.GeometryType(geomType))

	columns := make([]*writer.Column, 0, len(cols))
	for _, c := range cols {
		col := writer.NewColumn(builder)
		col.SetName(c.name)
		col.SetTitle(c.name)
		col.SetType(flattypes.ColumnType(c.typ))
		col.SetNullable(true)
		columns = append(columns, col)
	}
	if len(columns) > 0 {
		header.SetColumns(columns)
	}

	gen := &fixtureGenerator{cols: cols, feats: feats}
	fgbWriter := writer.NewWriter(header, true, gen, nil)

	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create fixture: %v", err)
	}
	_, err = fgbWriter.Write(f)
	closeErr := f.Close()
	if err != nil {
		tb.Fatalf("write fixture: %v", err)
	}
	if closeErr != nil {
		tb.Fatalf("close fixture: %v", closeErr)
	}
}

// fixtureGenerator feeds features to the official writer one at a time.
type fixtureGenerator struct {
	cols  []fgbColumn
	feats []fgbFeature
	index int
}

func (g *fixtureGenerator) Generate() *writer.Feature {
	if g.index >= len(g.feats) {
		return nil
	}
	ff := g.feats[g.index]
	g.index++

	builder := flatbuffers.NewBuilder(1024)
	geom := fgbGeometry(builder, ff.geom)
	if geom == nil {
		return g.Generate()
	}
	feature := writer.NewFeature(builder)
	feature.SetGeometry(geom)
	if len(ff.props) > 0 {
		if props := encodeFixtureProps(g.cols, ff.props); len(props) > 0 {
			feature.SetProperties(props)
		}
	}
	return feature
}

// fgbGeometry builds the writer-side geometry for an orb geometry. Every
// single- and multi-part type boils down to the same flat layout the
// format stores: one interleaved coordinate buffer, with cumulative vertex
// ends for the multi-part kinds. Multipolygons nest one polygon geometry
// per part. Unsupported kinds return nil.
func fgbGeometry(builder *flatbuffers.Builder, geom orb.Geometry) *writer.Geometry {
	out := writer.NewGeometry(builder)
	switch shape := geom.(type) {
	case orb.Point:
		out.SetType(flattypes.GeometryTypePoint)
		out.SetXY([]float64{shape.X(), shape.Y()})

	case orb.MultiPoint:
		out.SetType(flattypes.GeometryTypeMultiPoint)
		out.SetXY(flatCoords(nil, shape))

	case orb.LineString:
		out.SetType(flattypes.GeometryTypeLineString)
		out.SetXY(flatCoords(nil, shape))

	case orb.MultiLineString:
		out.SetType(flattypes.GeometryTypeMultiLineString)
		var xy []float64
		ends := make([]uint32, len(shape))
		for i, line := range shape {
			xy = flatCoords(xy, line)
			ends[i] = uint32(len(xy) / 2)
		}
		out.SetXY(xy)
		out.SetEnds(ends)

	case orb.Polygon:
		out.SetType(flattypes.GeometryTypePolygon)
		setPolygon(out, shape)

	case orb.MultiPolygon:
		out.SetType(flattypes.GeometryTypeMultiPolygon)
		parts := make([]writer.Geometry, len(shape))
		for i, poly := range shape {
			part := writer.NewGeometry(builder)
			part.SetType(flattypes.GeometryTypePolygon)
			setPolygon(part, poly)
			parts[i] = *part
		}
		out.SetParts(parts)

	default:
		return nil
	}
	return out
}

// flatCoords appends the coordinates of a point sequence to dst.
func flatCoords(dst []float64, points []orb.Point) []float64 {
	for _, p := range points {
		dst = append(dst, p.X(), p.Y())
	}
	return dst
}

// setPolygon fills a polygon geometry's xy and ends from its rings.
func setPolygon(g *writer.Geometry, poly orb.Polygon) {
	var xy []float64
	ends := make([]uint32, len(poly))
	for i, ring := range poly {
		xy = flatCoords(xy, ring)
		ends[i] = uint32(len(xy) / 2)
	}
	g.SetXY(xy)
	g.SetEnds(ends)
}

// encodeFixtureProps packs the property stream in column order.
func encodeFixtureProps(cols []fgbColumn, props map[string]any) []byte {
	var out []byte
	for i, c := range cols {
		v, ok := props[c.name]
		if !ok || v == nil {
			continue
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(i))
		switch c.typ {
		case ColumnBool:
			if v.(bool) {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		case ColumnInt:
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(toI64(v))))
		case ColumnUInt:
			out = binary.LittleEndian.AppendUint32(out, uint32(toI64(v)))
		case ColumnLong:
			out = binary.LittleEndian.AppendUint64(out, uint64(toI64(v)))
		case ColumnULong:
			out = binary.LittleEndian.AppendUint64(out, uint64(toI64(v)))
		case ColumnDouble:
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v.(float64)))
		case ColumnString:
			s := v.(string)
			out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
			out = append(out, s...)
		default:
			panic("unsupported fixture column type")
		}
	}
	return out
}

func toI64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	default:
		panic("not an integer")
	}
}
