package fgbtiles

import (
	"encoding/binary"
	"math"
)

// The properties vector of a feature is a tightly packed stream of
// [u16 LE column index][value bytes] records. Value layout is determined by
// the column type from the header schema:
//
//	Bool/Byte/UByte           1 byte
//	Short/UShort              2 bytes LE
//	Int/UInt/Float            4 bytes LE
//	Long/ULong/Double         8 bytes LE
//	String/Json/DateTime      u32 LE length + UTF-8 bytes
//	Binary                    u32 LE length + raw bytes
//
// Decoding is forgiving: a column index outside the schema or a truncated
// value ends the stream for that feature and whatever was decoded so far is
// kept. Extended schemas written by newer tools thus degrade instead of
// failing the feature.

// decodeProperties decodes a property stream into a name -> value map.
// Values are string, int64, uint64, float64, bool, []byte or nil. A
// non-negative integer value in the idColumn column is hoisted out of the
// map and returned as the feature id.
func decodeProperties(data []byte, columns []Column, idColumn string) (map[string]any, *uint64) {
	if len(data) == 0 || len(columns) == 0 {
		return nil, nil
	}
	props := make(map[string]any)
	var id *uint64
	pos := 0
	for pos+2 <= len(data) {
		colIdx := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		if colIdx >= len(columns) {
			break
		}
		col := columns[colIdx]
		value, n, ok := readPropertyValue(data[pos:], col.Type)
		if !ok {
			if value == nil && n == 0 && !knownColumnType(col.Type) {
				// Unsupported column type: record null, stop the stream.
				props[col.Name] = nil
			}
			break
		}
		pos += n
		if col.Name == idColumn {
			if v, isID := idValue(value); isID {
				id = &v
				continue
			}
		}
		props[col.Name] = value
	}
	return props, id
}

// knownColumnType reports whether typ is inside the defined enum.
func knownColumnType(typ ColumnType) bool {
	return typ <= ColumnBinary
}

// readPropertyValue reads one value of the given column type. ok is false
// on a truncated value or an unsupported type.
func readPropertyValue(data []byte, typ ColumnType) (value any, n int, ok bool) {
	switch typ {
	case ColumnBool:
		if len(data) < 1 {
			return nil, 0, false
		}
		return data[0] != 0, 1, true

	case ColumnByte:
		if len(data) < 1 {
			return nil, 0, false
		}
		return int64(int8(data[0])), 1, true

	case ColumnUByte:
		if len(data) < 1 {
			return nil, 0, false
		}
		return uint64(data[0]), 1, true

	case ColumnShort:
		if len(data) < 2 {
			return nil, 0, false
		}
		return int64(int16(binary.LittleEndian.Uint16(data))), 2, true

	case ColumnUShort:
		if len(data) < 2 {
			return nil, 0, false
		}
		return uint64(binary.LittleEndian.Uint16(data)), 2, true

	case ColumnInt:
		if len(data) < 4 {
			return nil, 0, false
		}
		return int64(int32(binary.LittleEndian.Uint32(data))), 4, true

	case ColumnUInt:
		if len(data) < 4 {
			return nil, 0, false
		}
		return uint64(binary.LittleEndian.Uint32(data)), 4, true

	case ColumnFloat:
		if len(data) < 4 {
			return nil, 0, false
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), 4, true

	case ColumnDouble:
		if len(data) < 8 {
			return nil, 0, false
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8, true

	case ColumnLong:
		if len(data) < 8 {
			return nil, 0, false
		}
		return int64(binary.LittleEndian.Uint64(data)), 8, true

	case ColumnULong:
		if len(data) < 8 {
			return nil, 0, false
		}
		return binary.LittleEndian.Uint64(data), 8, true

	case ColumnString, ColumnJSON, ColumnDateTime:
		s, n, ok := readLengthPrefixed(data)
		if !ok {
			return nil, 0, false
		}
		return string(s), n, true

	case ColumnBinary:
		b, n, ok := readLengthPrefixed(data)
		if !ok {
			return nil, 0, false
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, n, true

	default:
		return nil, 0, false
	}
}

// readLengthPrefixed reads a u32 length prefix followed by that many bytes.
// The returned slice aliases data.
func readLengthPrefixed(data []byte) ([]byte, int, bool) {
	if len(data) < 4 {
		return nil, 0, false
	}
	length := int(binary.LittleEndian.Uint32(data))
	if length < 0 || len(data) < 4+length {
		return nil, 0, false
	}
	return data[4 : 4+length], 4 + length, true
}

// idValue converts a property value into a feature id when it is a
// non-negative integer.
func idValue(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	case float64:
		if n >= 0 && n == math.Trunc(n) {
			return uint64(n), true
		}
	}
	return 0, false
}
