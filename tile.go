package fgbtiles

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

// The orchestrator. For each source of a tile request it runs, in order:
// header fetch (cached), spatial index query, multi-range feature read,
// feature decode and the geometry pipeline. Sources are processed
// concurrently; their layers are concatenated into one MVT payload in
// source order. Any I/O error fails the whole request — no partial tiles.

// Group pairs one range reader with the sources it serves. Multi-group
// requests keep layer order by group, then by source within the group.
type Group struct {
	Reader  RangeReader
	Sources []Source
}

// Tile materializes one tile statelessly: caches live only for this call.
func Tile(ctx context.Context, reader RangeReader, sources []Source, z, x, y uint32, opts *Options) ([]byte, error) {
	return TileWithCaches(ctx, reader, sources, z, x, y, opts, NewCaches())
}

// TileWithCaches materializes one tile with caller-provided caches, the
// semi-stateful tier: the caller decides how long headers and bounds live.
func TileWithCaches(ctx context.Context, reader RangeReader, sources []Source, z, x, y uint32, opts *Options, caches *Caches) ([]byte, error) {
	return TileGroups(ctx, []Group{{Reader: reader, Sources: sources}}, z, x, y, opts, caches)
}

// TileGroups materializes one tile from multiple reader groups. All
// sources across all groups are processed concurrently; the first error
// wins and no payload is produced.
func TileGroups(ctx context.Context, groups []Group, z, x, y uint32, opts *Options, caches *Caches) ([]byte, error) {
	if caches == nil {
		caches = NewCaches()
	}
	total := 0
	for _, g := range groups {
		total += len(g.Sources)
	}
	if total == 0 {
		return encodePBF(nil), nil
	}

	layers := make([]*Layer, total)
	errs := make([]error, total)
	var wg sync.WaitGroup
	slot := 0
	for _, g := range groups {
		for _, src := range g.Sources {
			wg.Add(1)
			go func(slot int, reader RangeReader, src Source) {
				defer wg.Done()
				layers[slot], errs[slot] = processSource(ctx, reader, src, z, x, y, opts, caches)
			}(slot, g.Reader, src)
			slot++
		}
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return encodePBF(layers), nil
}

// processSource runs the pipeline for one source and returns its layer,
// possibly empty.
func processSource(ctx context.Context, reader RangeReader, src Source, z, x, y uint32, tileOpts *Options, caches *Caches) (*Layer, error) {
	opts := resolveOptions(src.Options, tileOpts)
	layer := newLayer(src.LayerName(), opts.extent)

	// Outside the source's zoom range: no I/O at all.
	if int(z) < opts.minZoom || int(z) > opts.maxZoom {
		return layer, nil
	}

	start := time.Now()
	entry, err := caches.headers.get(ctx, src.Path, func() (*headerEntry, error) {
		return fetchHeader(ctx, reader, src.Path)
	})
	if err != nil {
		return nil, fmt.Errorf("fgbtiles: source %s: %w", src.Path, err)
	}
	h := entry.header
	if h.IndexNodeSize == 0 || h.FeaturesCount == 0 {
		return layer, nil
	}

	query := caches.bounds.tileBounds(z, x, y)
	ranges, err := searchIndex(entry.index, query, h.FeaturesCount, h.IndexNodeSize, h.FeaturesOffset, opts)
	if err != nil {
		return nil, fmt.Errorf("fgbtiles: source %s: %w", src.Path, err)
	}
	if len(ranges) == 0 {
		return layer, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunks, err := reader.ReadRanges(ctx, src.Path, ranges)
	if err != nil {
		return nil, fmt.Errorf("fgbtiles: source %s: %w", src.Path, err)
	}

	clip := caches.bounds.clipBounds(z, x, y, opts.buffer, opts.extent)
	sqTol := squaredTolerance(opts.tolerance, z, opts.extent)
	decoded := 0
	for _, chunk := range chunks {
		feats := decodeFeatures(chunk, h, opts.idColumn, 0)
		decoded += len(feats)
		for _, f := range feats {
			appendFeature(layer, f, z, x, y, clip, sqTol, opts)
		}
	}
	log.WithFields(log.Fields{
		"source":   src.Path,
		"tile":     fmt.Sprintf("%d/%d/%d", z, x, y),
		"ranges":   len(ranges),
		"decoded":  decoded,
		"features": layer.FeatureCount(),
		"took":     time.Since(start),
	}).Debug("processed source")
	return layer, nil
}

// fetchHeader performs up to three reads: the 12-byte prologue, the full
// header once its size is known, and the index section when present.
func fetchHeader(ctx context.Context, reader RangeReader, path string) (*headerEntry, error) {
	first, err := reader.Read(ctx, path, 0, headerPrologue)
	if err != nil {
		return nil, err
	}
	size, err := headerByteSize(first)
	if err != nil {
		return nil, err
	}
	full := first
	if uint64(len(full)) < size {
		full, err = reader.Read(ctx, path, 0, size)
		if err != nil {
			return nil, err
		}
	}
	h, err := parseHeader(full)
	if err != nil {
		return nil, err
	}
	entry := &headerEntry{header: h}
	if h.IndexSize > 0 {
		idx, err := reader.Read(ctx, path, h.IndexOffset, h.IndexSize)
		if err != nil {
			return nil, err
		}
		if uint64(len(idx)) < h.IndexSize {
			return nil, fmt.Errorf("%w: %d index bytes, need %d", ErrShortRead, len(idx), h.IndexSize)
		}
		entry.index = idx
	}
	return entry, nil
}

// squaredTolerance converts a tile-pixel tolerance to squared
// mercator-unit distance at the given zoom and extent.
func squaredTolerance(tolerance float64, z, extent uint32) float64 {
	if tolerance <= 0 {
		return 0
	}
	t := tolerance / (float64(uint64(1)<<z) * float64(extent))
	return t * t
}

// appendFeature runs one raw feature through the geometry pipeline and
// adds it to the layer unless it drops out along the way.
func appendFeature(layer *Layer, f *rawFeature, z, x, y uint32, clip orb.Bound, sqTol float64, opts resolved) {
	project(f.xy)

	cf := clipFeature(f, clip)
	if cf == nil {
		return
	}

	typ := mvtType(cf.geomType)
	if typ != mvtPoint && sqTol > 0 {
		if cf = simplifyFeature(cf, sqTol); cf == nil {
			return
		}
	}

	coords := transformXY(cf.xy, z, x, y, opts.extent)
	if typ == mvtPolygon {
		correctWinding(coords, cf.ends, cf.parts, cf.geomType)
	}
	geom := encodeGeometry(coords, cf.ends, typ)
	if len(geom) == 0 {
		return
	}
	layer.addFeature(cf, geom, typ)
}

// Tiler is the stateful tier: it owns reader groups, tiling options and
// the shared caches, and hands out tiles for the lifetime of the process.
type Tiler struct {
	groups []Group
	opts   *Options
	caches *Caches
}

// NewTiler builds a tiler over one reader and its sources.
func NewTiler(reader RangeReader, sources []Source, opts *Options) (*Tiler, error) {
	return NewMultiTiler([]Group{{Reader: reader, Sources: sources}}, opts)
}

// NewMultiTiler builds a tiler over multiple reader groups.
func NewMultiTiler(groups []Group, opts *Options) (*Tiler, error) {
	total := 0
	for _, g := range groups {
		total += len(g.Sources)
	}
	if total == 0 {
		return nil, ErrNoSources
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Tiler{groups: groups, opts: opts, caches: NewCaches()}, nil
}

// Tile materializes the requested tile.
func (t *Tiler) Tile(ctx context.Context, z, x, y uint32) ([]byte, error) {
	return TileGroups(ctx, t.groups, z, x, y, t.opts, t.caches)
}

// Sources returns every configured source in layer order.
func (t *Tiler) Sources() []Source {
	var out []Source
	for _, g := range t.groups {
		out = append(out, g.Sources...)
	}
	return out
}

// Close closes every distinct reader.
func (t *Tiler) Close() error {
	seen := make(map[RangeReader]bool)
	var first error
	for _, g := range t.groups {
		if g.Reader == nil || seen[g.Reader] {
			continue
		}
		seen[g.Reader] = true
		if err := g.Reader.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
