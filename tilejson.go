package fgbtiles

import (
	"context"

	"github.com/paulmach/orb"
)

// TileJSON is TileJSON 3.0 metadata describing a tiler's output, derived
// from the source headers.
type TileJSON struct {
	TileJSONVersion string        `json:"tilejson"`
	Name            string        `json:"name,omitempty"`
	Description     string        `json:"description,omitempty"`
	Scheme          string        `json:"scheme"`
	Tiles           []string      `json:"tiles"`
	VectorLayers    []VectorLayer `json:"vector_layers"`
	Bounds          []float64     `json:"bounds,omitempty"`
	Center          []float64     `json:"center,omitempty"`
	MinZoom         int           `json:"minzoom"`
	MaxZoom         int           `json:"maxzoom"`
}

// VectorLayer describes one layer in a TileJSON document.
type VectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	MinZoom     int               `json:"minzoom"`
	MaxZoom     int               `json:"maxzoom"`
	Fields      map[string]string `json:"fields"`
}

// tileJSONFieldType maps a column type onto the three TileJSON field
// types.
func tileJSONFieldType(t ColumnType) string {
	switch t {
	case ColumnBool:
		return "Boolean"
	case ColumnByte, ColumnUByte, ColumnShort, ColumnUShort,
		ColumnInt, ColumnUInt, ColumnLong, ColumnULong,
		ColumnFloat, ColumnDouble:
		return "Number"
	default:
		return "String"
	}
}

// TileJSON builds the metadata document for the tiler's sources. Headers
// are fetched through the shared cache, so a running tiler answers from
// memory. tileURLs become the document's tiles templates.
func (t *Tiler) TileJSON(ctx context.Context, tileURLs ...string) (*TileJSON, error) {
	doc := &TileJSON{
		TileJSONVersion: "3.0.0",
		Scheme:          "xyz",
		Tiles:           tileURLs,
		MinZoom:         DefaultMaxZoom,
		MaxZoom:         DefaultMinZoom,
	}

	var bounds *orb.Bound
	for _, g := range t.groups {
		for _, src := range g.Sources {
			reader := g.Reader
			entry, err := t.caches.headers.get(ctx, src.Path, func() (*headerEntry, error) {
				return fetchHeader(ctx, reader, src.Path)
			})
			if err != nil {
				return nil, err
			}
			h := entry.header
			opts := resolveOptions(src.Options, t.opts)

			if doc.Name == "" {
				doc.Name = h.Name
			}
			if opts.minZoom < doc.MinZoom {
				doc.MinZoom = opts.minZoom
			}
			if opts.maxZoom > doc.MaxZoom {
				doc.MaxZoom = opts.maxZoom
			}
			if h.Envelope != nil {
				if bounds == nil {
					b := *h.Envelope
					bounds = &b
				} else {
					b := bounds.Union(*h.Envelope)
					bounds = &b
				}
			}

			fields := make(map[string]string, len(h.Columns))
			for _, col := range h.Columns {
				fields[col.Name] = tileJSONFieldType(col.Type)
			}
			doc.VectorLayers = append(doc.VectorLayers, VectorLayer{
				ID:          src.LayerName(),
				Description: h.Description,
				MinZoom:     opts.minZoom,
				MaxZoom:     opts.maxZoom,
				Fields:      fields,
			})
		}
	}

	if bounds != nil {
		doc.Bounds = []float64{bounds.Min[0], bounds.Min[1], bounds.Max[0], bounds.Max[1]}
		doc.Center = []float64{
			(bounds.Min[0] + bounds.Max[0]) / 2,
			(bounds.Min[1] + bounds.Max[1]) / 2,
			float64(doc.MinZoom),
		}
	}
	return doc, nil
}
