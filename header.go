package fgbtiles

import (
	"encoding/binary"
	"fmt"

	"github.com/paulmach/orb"
)

// File layout: [8-byte magic][u32 LE header flatbuffer size]
// [header flatbuffer][packed R-tree index][length-prefixed features].

// magicBytes is the FlatGeobuf file signature. The final byte is the patch
// version and is accepted as any value.
var magicBytes = [8]byte{0x66, 0x67, 0x62, 0x03, 0x66, 0x67, 0x62, 0x00}

const (
	magicLen       = 8
	headerPrologue = magicLen + 4 // magic + header flatbuffer size prefix
	nodeSizeBytes  = 40           // packed R-tree node: 4 x f64 bbox + u64 offset
)

// checkMagic validates the first 7 magic bytes; the 8th (patch) byte is
// ignored for forward compatibility.
func checkMagic(buf []byte) error {
	if len(buf) < magicLen {
		return ErrShortRead
	}
	for i := 0; i < magicLen-1; i++ {
		if buf[i] != magicBytes[i] {
			return ErrInvalidMagic
		}
	}
	return nil
}

// headerByteSize reads the prologue and returns the total header size
// (magic, size prefix and header flatbuffer). It needs at least 12 bytes so
// the orchestrator can do a small speculative first read and decide whether
// a second read is required.
func headerByteSize(first []byte) (uint64, error) {
	if len(first) < headerPrologue {
		return 0, fmt.Errorf("%w: %d header bytes, need %d", ErrShortRead, len(first), headerPrologue)
	}
	if err := checkMagic(first); err != nil {
		return 0, err
	}
	fbSize := binary.LittleEndian.Uint32(first[magicLen:headerPrologue])
	return headerPrologue + uint64(fbSize), nil
}

// Header flatbuffer field slots.
const (
	headerFieldName          = 0
	headerFieldEnvelope      = 1
	headerFieldGeometryType  = 2
	headerFieldColumns       = 7
	headerFieldFeaturesCount = 8
	headerFieldIndexNodeSize = 9
	headerFieldTitle         = 11
	headerFieldDescription   = 12
)

// Column flatbuffer field slots.
const (
	columnFieldName     = 0
	columnFieldType     = 1
	columnFieldNullable = 7
)

// parseHeader decodes a complete header (magic through the end of the
// header flatbuffer) and computes the derived index and feature offsets.
func parseHeader(buf []byte) (h *Header, err error) {
	defer catchMalformed(&err)

	size, err := headerByteSize(buf)
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) < size {
		return nil, fmt.Errorf("%w: %d header bytes, need %d", ErrShortRead, len(buf), size)
	}

	tab, err := rootTable(buf[headerPrologue:size])
	if err != nil {
		return nil, err
	}

	h = &Header{
		Name:          stringField(tab, headerFieldName),
		Title:         stringField(tab, headerFieldTitle),
		Description:   stringField(tab, headerFieldDescription),
		GeometryType:  GeometryType(byteField(tab, headerFieldGeometryType, 0)),
		FeaturesCount: uint64Field(tab, headerFieldFeaturesCount, 0),
		IndexNodeSize: uint16Field(tab, headerFieldIndexNodeSize, 16),
		HeaderSize:    size,
	}

	if env := float64VectorField(tab, headerFieldEnvelope); len(env) >= 4 {
		b := orb.Bound{Min: orb.Point{env[0], env[1]}, Max: orb.Point{env[2], env[3]}}
		h.Envelope = &b
	}

	if n := tableVectorLen(tab, headerFieldColumns); n > 0 {
		h.Columns = make([]Column, 0, n)
		for i := 0; i < n; i++ {
			col, ok := tableVectorElem(tab, headerFieldColumns, i)
			if !ok {
				return nil, ErrMalformedBuffer
			}
			h.Columns = append(h.Columns, Column{
				Name:     stringField(col, columnFieldName),
				Type:     ColumnType(byteField(col, columnFieldType, 0)),
				Nullable: boolField(col, columnFieldNullable, true),
			})
		}
	}

	h.IndexOffset = size
	if h.IndexNodeSize > 0 && h.FeaturesCount > 0 {
		h.IndexSize = totalIndexNodes(h.FeaturesCount, h.IndexNodeSize) * nodeSizeBytes
	}
	h.FeaturesOffset = h.IndexOffset + h.IndexSize
	return h, nil
}
