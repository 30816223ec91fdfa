package fgbtiles

import (
	"encoding/binary"
	"fmt"
	"math"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Low-level, read-only access to FlatBuffers-encoded bytes. Field access
// goes through flatbuffers.Table exactly the way generated accessors do;
// the helpers below add root validation, slot-indexed lookups and bulk
// vector reads for the hot coordinate path.
//
// flatbuffers.Table panics on offsets outside the buffer, so every parse
// entry point converts panics into ErrMalformedBuffer via catchMalformed.

// slotOffset converts a zero-based field index to its vtable offset.
func slotOffset(field int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*field)
}

// rootTable returns the table at the buffer's root offset.
func rootTable(buf []byte) (flatbuffers.Table, error) {
	if len(buf) < 4 {
		return flatbuffers.Table{}, ErrMalformedBuffer
	}
	pos := flatbuffers.GetUOffsetT(buf)
	if int(pos)+4 > len(buf) {
		return flatbuffers.Table{}, ErrMalformedBuffer
	}
	return flatbuffers.Table{Bytes: buf, Pos: pos}, nil
}

// tableField follows the indirect reference in the given field slot and
// returns the referenced sub-table. ok is false when the slot is absent.
func tableField(t flatbuffers.Table, field int) (flatbuffers.Table, bool) {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return flatbuffers.Table{}, false
	}
	pos := t.Indirect(flatbuffers.UOffsetT(o) + t.Pos)
	return flatbuffers.Table{Bytes: t.Bytes, Pos: pos}, true
}

// stringField decodes the string in the given field slot, "" when absent.
func stringField(t flatbuffers.Table, field int) string {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return ""
	}
	return string(t.ByteVector(flatbuffers.UOffsetT(o) + t.Pos))
}

// byteVectorField returns a view of the [ubyte] vector in the given field
// slot. The view aliases the underlying buffer; callers that retain or
// mutate it must copy first.
func byteVectorField(t flatbuffers.Table, field int) []byte {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return nil
	}
	return t.ByteVector(flatbuffers.UOffsetT(o) + t.Pos)
}

// float64VectorField bulk-reads the [double] vector in the given field slot
// into a freshly allocated slice. The copy deliberately severs any aliasing
// with the flatbuffer bytes: the projection stage mutates coordinates in
// place.
func float64VectorField(t flatbuffers.Table, field int) []float64 {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return nil
	}
	n := t.VectorLen(flatbuffers.UOffsetT(o))
	if n == 0 {
		return nil
	}
	start := int(t.Vector(flatbuffers.UOffsetT(o)))
	if start+n*8 > len(t.Bytes) {
		panic("double vector out of bounds")
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint64(t.Bytes[start+i*8:])
		out[i] = math.Float64frombits(bits)
	}
	return out
}

// uint32VectorField bulk-reads the [uint] vector in the given field slot.
func uint32VectorField(t flatbuffers.Table, field int) []uint32 {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return nil
	}
	n := t.VectorLen(flatbuffers.UOffsetT(o))
	if n == 0 {
		return nil
	}
	start := int(t.Vector(flatbuffers.UOffsetT(o)))
	if start+n*4 > len(t.Bytes) {
		panic("uint vector out of bounds")
	}
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(t.Bytes[start+i*4:])
	}
	return out
}

// tableVectorLen returns the element count of a vector-of-tables field.
func tableVectorLen(t flatbuffers.Table, field int) int {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return 0
	}
	return t.VectorLen(flatbuffers.UOffsetT(o))
}

// tableVectorElem returns element i of a vector-of-tables field.
func tableVectorElem(t flatbuffers.Table, field, i int) (flatbuffers.Table, bool) {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return flatbuffers.Table{}, false
	}
	n := t.VectorLen(flatbuffers.UOffsetT(o))
	if i < 0 || i >= n {
		return flatbuffers.Table{}, false
	}
	a := t.Vector(flatbuffers.UOffsetT(o))
	pos := t.Indirect(a + flatbuffers.UOffsetT(i*4))
	return flatbuffers.Table{Bytes: t.Bytes, Pos: pos}, true
}

// Scalar slot accessors, mirroring what generated code emits: a vtable
// lookup followed by an absolute read, with the schema default on absence.

func byteField(t flatbuffers.Table, field int, def byte) byte {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return def
	}
	return t.GetByte(flatbuffers.UOffsetT(o) + t.Pos)
}

func uint16Field(t flatbuffers.Table, field int, def uint16) uint16 {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return def
	}
	return t.GetUint16(flatbuffers.UOffsetT(o) + t.Pos)
}

func uint64Field(t flatbuffers.Table, field int, def uint64) uint64 {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return def
	}
	return t.GetUint64(flatbuffers.UOffsetT(o) + t.Pos)
}

func boolField(t flatbuffers.Table, field int, def bool) bool {
	o := t.Offset(slotOffset(field))
	if o == 0 {
		return def
	}
	return t.GetBool(flatbuffers.UOffsetT(o) + t.Pos)
}

// catchMalformed converts a panic from an out-of-bounds flatbuffer access
// into ErrMalformedBuffer. Use as: defer catchMalformed(&err).
func catchMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrMalformedBuffer, r)
	}
}
