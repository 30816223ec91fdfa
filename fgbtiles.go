// Package fgbtiles generates Mapbox Vector Tile (MVT) payloads on demand
// from cloud-optimized FlatGeobuf datasets. No pre-tiled storage is involved:
// a single request, given tile coordinates (z, x, y) and one or more
// FlatGeobuf sources, reads just the byte ranges the tile needs, runs the
// features through a project/clip/simplify/encode pipeline and returns one
// binary MVT 2.1 tile.
package fgbtiles

import (
	"errors"

	"github.com/paulmach/orb"
)

// Common errors returned by this package.
var (
	ErrInvalidMagic    = errors.New("fgbtiles: not a flatgeobuf file (bad magic)")
	ErrShortRead       = errors.New("fgbtiles: short read")
	ErrMalformedBuffer = errors.New("fgbtiles: malformed flatbuffer")
	ErrMalformedIndex  = errors.New("fgbtiles: malformed spatial index")
	ErrNoSources       = errors.New("fgbtiles: no sources configured")
	ErrClosed          = errors.New("fgbtiles: reader is closed")
)

// GeometryType enumerates the FlatGeobuf geometry types handled by the
// pipeline. Values match the on-disk encoding.
type GeometryType uint8

// Geometry types.
const (
	GeometryUnknown         GeometryType = 0
	GeometryPoint           GeometryType = 1
	GeometryLineString      GeometryType = 2
	GeometryPolygon         GeometryType = 3
	GeometryMultiPoint      GeometryType = 4
	GeometryMultiLineString GeometryType = 5
	GeometryMultiPolygon    GeometryType = 6
)

// String returns the FlatGeobuf name of the geometry type.
func (g GeometryType) String() string {
	switch g {
	case GeometryPoint:
		return "Point"
	case GeometryLineString:
		return "LineString"
	case GeometryPolygon:
		return "Polygon"
	case GeometryMultiPoint:
		return "MultiPoint"
	case GeometryMultiLineString:
		return "MultiLineString"
	case GeometryMultiPolygon:
		return "MultiPolygon"
	default:
		return "Unknown"
	}
}

// ColumnType enumerates the FlatGeobuf property column types. Values match
// the on-disk encoding.
type ColumnType uint8

// Column types.
const (
	ColumnByte     ColumnType = 0
	ColumnUByte    ColumnType = 1
	ColumnBool     ColumnType = 2
	ColumnShort    ColumnType = 3
	ColumnUShort   ColumnType = 4
	ColumnInt      ColumnType = 5
	ColumnUInt     ColumnType = 6
	ColumnLong     ColumnType = 7
	ColumnULong    ColumnType = 8
	ColumnFloat    ColumnType = 9
	ColumnDouble   ColumnType = 10
	ColumnString   ColumnType = 11
	ColumnJSON     ColumnType = 12
	ColumnDateTime ColumnType = 13
	ColumnBinary   ColumnType = 14
)

// String returns the FlatGeobuf name of the column type.
func (c ColumnType) String() string {
	names := [...]string{
		"Byte", "UByte", "Bool", "Short", "UShort", "Int", "UInt",
		"Long", "ULong", "Float", "Double", "String", "Json",
		"DateTime", "Binary",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return "Unknown"
}

// Column describes one property column in a FlatGeobuf file.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Header holds the decoded FlatGeobuf file header together with the byte
// offsets derived from it. Offsets are absolute file positions.
type Header struct {
	Name          string
	Title         string
	Description   string
	GeometryType  GeometryType
	Columns       []Column
	FeaturesCount uint64
	IndexNodeSize uint16     // 0 means the file carries no spatial index
	Envelope      *orb.Bound // dataset bbox in WGS84, nil when absent

	HeaderSize     uint64 // magic + size prefix + header flatbuffer
	IndexOffset    uint64
	IndexSize      uint64
	FeaturesOffset uint64
}

// SourceOptions tunes tiling for a single FlatGeobuf source. Unset fields
// fall back to the tile-level Options and then to the built-in defaults.
// Tolerance and MaxZoom are pointers because their zero values carry
// meaning (0 disables simplification; 0 caps a source at native zoom 0):
// nil inherits, a set pointer always wins, even at 0. Use Float64 and Int
// to build them inline. For the remaining fields the zero value means
// "unset".
type SourceOptions struct {
	Extent    uint32   // tile coordinate extent per axis, default 4096
	Buffer    uint32   // clip overshoot in tile pixels, default 64
	Tolerance *float64 // simplification tolerance in tile pixels, default 3; 0 disables
	MinZoom   int      // inclusive, default 0
	MaxZoom   *int     // inclusive, default 24
	IDColumn  string   // property column hoisted to the MVT feature id, default "id"

	// Spatial index read tuning.
	MergeGap   uint64 // byte gap below which adjacent ranges merge, default 512
	TailLength uint64 // read length for the final matching feature, default 1 MiB
}

// Float64 returns a pointer to v, for optional option fields.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional option fields.
func Int(v int) *int { return &v }

// Options carries tile-level defaults applied to every source that does not
// override them.
type Options struct {
	SourceOptions
}

// Built-in option defaults.
const (
	DefaultExtent     = 4096
	DefaultBuffer     = 64
	DefaultTolerance  = 3
	DefaultMinZoom    = 0
	DefaultMaxZoom    = 24
	DefaultIDColumn   = "id"
	DefaultMergeGap   = 512
	DefaultTailLength = 1 << 20
)

// DefaultOptions returns the built-in tiling defaults.
func DefaultOptions() *Options {
	return &Options{SourceOptions: SourceOptions{
		Extent:     DefaultExtent,
		Buffer:     DefaultBuffer,
		Tolerance:  Float64(DefaultTolerance),
		MinZoom:    DefaultMinZoom,
		MaxZoom:    Int(DefaultMaxZoom),
		IDColumn:   DefaultIDColumn,
		MergeGap:   DefaultMergeGap,
		TailLength: DefaultTailLength,
	}}
}

// Source names one FlatGeobuf dataset inside a tile request. Layer is the
// MVT layer name; it defaults to Path when empty.
type Source struct {
	Path    string
	Layer   string
	Options SourceOptions
}

// LayerName returns the MVT layer name for the source.
func (s Source) LayerName() string {
	if s.Layer != "" {
		return s.Layer
	}
	return s.Path
}

// resolved is the fully-resolved option set one source is processed with.
// Resolution order: per-source override, then tile-level default, then
// built-in default.
type resolved struct {
	extent     uint32
	buffer     uint32
	tolerance  float64
	minZoom    int
	maxZoom    int
	idColumn   string
	mergeGap   uint64
	tailLength uint64
}

func resolveOptions(src SourceOptions, tile *Options) resolved {
	def := DefaultOptions()
	base := def.SourceOptions
	if tile != nil {
		base = mergeOptions(tile.SourceOptions, def.SourceOptions)
	}
	merged := mergeOptions(src, base)
	return resolved{
		extent:     merged.Extent,
		buffer:     merged.Buffer,
		tolerance:  *merged.Tolerance,
		minZoom:    merged.MinZoom,
		maxZoom:    *merged.MaxZoom,
		idColumn:   merged.IDColumn,
		mergeGap:   merged.MergeGap,
		tailLength: merged.TailLength,
	}
}

// mergeOptions fills every unset field of opts from fallback. For the
// value fields a zero counts as unset (MinZoom 0 is also the default, so
// the distinction does not matter for it); Tolerance and MaxZoom are unset
// only when nil, so an explicit 0 survives the merge.
func mergeOptions(opts, fallback SourceOptions) SourceOptions {
	out := opts
	if out.Extent == 0 {
		out.Extent = fallback.Extent
	}
	if out.Buffer == 0 {
		out.Buffer = fallback.Buffer
	}
	if out.Tolerance == nil {
		out.Tolerance = fallback.Tolerance
	}
	if out.MinZoom == 0 {
		out.MinZoom = fallback.MinZoom
	}
	if out.MaxZoom == nil {
		out.MaxZoom = fallback.MaxZoom
	}
	if out.IDColumn == "" {
		out.IDColumn = fallback.IDColumn
	}
	if out.MergeGap == 0 {
		out.MergeGap = fallback.MergeGap
	}
	if out.TailLength == 0 {
		out.TailLength = fallback.TailLength
	}
	return out
}
