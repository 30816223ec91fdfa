package fgbtiles

import (
	"encoding/binary"
	"math"
)

// Minimal protobuf writer for the MVT 2.1 tile schema. Nested messages
// reserve a fixed 5-byte length placeholder; endMessage back-patches the
// real varint length and shifts the body over the unused placeholder
// bytes. The placeholder positions live on an explicit stack, so an
// unmatched endMessage is an implementation bug and panics.

// Protobuf wire types.
const (
	wireVarint  uint32 = 0
	wireFixed64 uint32 = 1
	wireBytes   uint32 = 2
)

// lengthPlaceholder is sized for the largest length varint we back-patch.
const lengthPlaceholder = 5

type pbfWriter struct {
	buf   []byte
	stack []int
}

// writeVarint appends a base-128 varint.
func (w *pbfWriter) writeVarint(v uint64) {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// writeSVarint appends a zigzag-encoded signed varint.
func (w *pbfWriter) writeSVarint(v int64) {
	w.writeVarint(uint64((v << 1) ^ (v >> 63)))
}

// writeTag appends a field tag.
func (w *pbfWriter) writeTag(field, wire uint32) {
	w.writeVarint(uint64(field<<3 | wire))
}

// writeVarintField appends a varint field.
func (w *pbfWriter) writeVarintField(field uint32, v uint64) {
	w.writeTag(field, wireVarint)
	w.writeVarint(v)
}

// writeStringField appends a length-delimited string field.
func (w *pbfWriter) writeStringField(field uint32, s string) {
	w.writeTag(field, wireBytes)
	w.writeVarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// writeDoubleField appends a fixed64 double field.
func (w *pbfWriter) writeDoubleField(field uint32, v float64) {
	w.writeTag(field, wireFixed64)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	w.buf = append(w.buf, tmp[:]...)
}

// writePackedVarint appends a packed repeated varint field, or nothing when
// values is empty. The byte length of the packed payload is computed up
// front so the length prefix is written once.
func (w *pbfWriter) writePackedVarint(field uint32, values []uint32) {
	if len(values) == 0 {
		return
	}
	var size uint64
	for _, v := range values {
		size += uint64(varintLen(uint64(v)))
	}
	w.writeTag(field, wireBytes)
	w.writeVarint(size)
	for _, v := range values {
		w.writeVarint(uint64(v))
	}
}

// beginMessage opens a nested length-delimited message.
func (w *pbfWriter) beginMessage(field uint32) {
	w.writeTag(field, wireBytes)
	w.stack = append(w.stack, len(w.buf))
	w.buf = append(w.buf, make([]byte, lengthPlaceholder)...)
}

// endMessage closes the innermost open message, back-patching its length
// and closing the gap left by the unused placeholder bytes.
func (w *pbfWriter) endMessage() {
	if len(w.stack) == 0 {
		panic("fgbtiles: endMessage without beginMessage")
	}
	pos := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]

	bodyLen := len(w.buf) - pos - lengthPlaceholder
	n := varintLen(uint64(bodyLen))
	v := uint64(bodyLen)
	for i := 0; i < n; i++ {
		b := byte(v & 0x7f)
		v >>= 7
		if i < n-1 {
			b |= 0x80
		}
		w.buf[pos+i] = b
	}
	if n < lengthPlaceholder {
		copy(w.buf[pos+n:], w.buf[pos+lengthPlaceholder:])
		w.buf = w.buf[:len(w.buf)-(lengthPlaceholder-n)]
	}
}

// varintLen returns the encoded size of v.
func varintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// MVT 2.1 schema field numbers.
const (
	tileFieldLayer uint32 = 3

	layerFieldName     uint32 = 1
	layerFieldFeatures uint32 = 2
	layerFieldKeys     uint32 = 3
	layerFieldValues   uint32 = 4
	layerFieldExtent   uint32 = 5
	layerFieldVersion  uint32 = 15

	featureFieldID      uint32 = 1
	featureFieldTags    uint32 = 2
	featureFieldType    uint32 = 3
	featureFieldGeomRep uint32 = 4

	valueFieldString uint32 = 1
	valueFieldDouble uint32 = 3
	valueFieldUint   uint32 = 5
	valueFieldSint   uint32 = 6
	valueFieldBool   uint32 = 7
)

const mvtVersion = 2

// encodePBF serializes the layers into one MVT Tile message, in caller
// order. No layers produce a zero-length payload.
func encodePBF(layers []*Layer) []byte {
	w := &pbfWriter{}
	for _, l := range layers {
		if l == nil {
			continue
		}
		w.beginMessage(tileFieldLayer)
		writeLayer(w, l)
		w.endMessage()
	}
	if w.buf == nil {
		return []byte{}
	}
	return w.buf
}

func writeLayer(w *pbfWriter, l *Layer) {
	w.writeVarintField(layerFieldVersion, mvtVersion)
	w.writeStringField(layerFieldName, l.Name)
	for _, f := range l.features {
		w.beginMessage(layerFieldFeatures)
		if f.id != nil {
			w.writeVarintField(featureFieldID, *f.id)
		}
		w.writePackedVarint(featureFieldTags, f.tags)
		w.writeVarintField(featureFieldType, uint64(f.typ))
		w.writePackedVarint(featureFieldGeomRep, f.geometry)
		w.endMessage()
	}
	for _, k := range l.keys {
		w.writeStringField(layerFieldKeys, k)
	}
	for _, v := range l.values {
		w.beginMessage(layerFieldValues)
		writeValue(w, v)
		w.endMessage()
	}
	w.writeVarintField(layerFieldExtent, uint64(l.Extent))
}

func writeValue(w *pbfWriter, v mvtValue) {
	switch v.kind {
	case valString:
		w.writeStringField(valueFieldString, v.str)
	case valDouble:
		w.writeDoubleField(valueFieldDouble, v.dbl)
	case valUint:
		w.writeVarintField(valueFieldUint, v.u)
	case valInt:
		w.writeTag(valueFieldSint, wireVarint)
		w.writeSVarint(v.i)
	case valBool:
		u := uint64(0)
		if v.b {
			u = 1
		}
		w.writeVarintField(valueFieldBool, u)
	}
}
