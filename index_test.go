package fgbtiles

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/paulmach/orb"
)

// buildPackedIndex packs item bboxes into a root-first node array the way
// the FlatGeobuf writer lays the tree out. Leaf offsets accumulate the
// given feature byte sizes.
func buildPackedIndex(items []orb.Bound, sizes []uint64, nodeSize uint16) []byte {
	bounds := levelBounds(uint64(len(items)), nodeSize)
	total := bounds[0][1]
	nodes := make([]byte, total*nodeSizeBytes)

	writeNode := func(idx uint64, b orb.Bound, off uint64) {
		pos := idx * nodeSizeBytes
		binary.LittleEndian.PutUint64(nodes[pos:], math.Float64bits(b.Min[0]))
		binary.LittleEndian.PutUint64(nodes[pos+8:], math.Float64bits(b.Min[1]))
		binary.LittleEndian.PutUint64(nodes[pos+16:], math.Float64bits(b.Max[0]))
		binary.LittleEndian.PutUint64(nodes[pos+24:], math.Float64bits(b.Max[1]))
		binary.LittleEndian.PutUint64(nodes[pos+32:], off)
	}
	readBound := func(idx uint64) orb.Bound {
		pos := idx * nodeSizeBytes
		return orb.Bound{
			Min: orb.Point{
				math.Float64frombits(binary.LittleEndian.Uint64(nodes[pos:])),
				math.Float64frombits(binary.LittleEndian.Uint64(nodes[pos+8:])),
			},
			Max: orb.Point{
				math.Float64frombits(binary.LittleEndian.Uint64(nodes[pos+16:])),
				math.Float64frombits(binary.LittleEndian.Uint64(nodes[pos+24:])),
			},
		}
	}

	var off uint64
	for i, b := range items {
		writeNode(bounds[0][0]+uint64(i), b, off)
		off += sizes[i]
	}
	for level := 1; level < len(bounds); level++ {
		childBounds := bounds[level-1]
		for i := bounds[level][0]; i < bounds[level][1]; i++ {
			firstChild := childBounds[0] + (i-bounds[level][0])*uint64(nodeSize)
			lastChild := firstChild + uint64(nodeSize)
			if lastChild > childBounds[1] {
				lastChild = childBounds[1]
			}
			agg := readBound(firstChild)
			for c := firstChild + 1; c < lastChild; c++ {
				agg = agg.Union(readBound(c))
			}
			writeNode(i, agg, firstChild)
		}
	}
	return nodes
}

func unitBox(x, y float64) orb.Bound {
	return orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{x + 1, y + 1}}
}

func searchOpts(gap, tail uint64) resolved {
	return resolved{mergeGap: gap, tailLength: tail}
}

func TestSearchIndex_BruteForceEquivalence(t *testing.T) {
	// 13 items on a diagonal, fan-out 3 forces multiple levels.
	var items []orb.Bound
	sizes := make([]uint64, 13)
	for i := 0; i < 13; i++ {
		items = append(items, unitBox(float64(i*10), float64(i*10)))
		sizes[i] = 100
	}
	index := buildPackedIndex(items, sizes, 3)

	queries := []orb.Bound{
		{Min: orb.Point{-5, -5}, Max: orb.Point{5, 5}},
		{Min: orb.Point{35, 35}, Max: orb.Point{75, 75}},
		{Min: orb.Point{200, 200}, Max: orb.Point{300, 300}},
		{Min: orb.Point{-100, -100}, Max: orb.Point{500, 500}},
	}
	for qi, q := range queries {
		ranges, err := searchIndex(index, q, 13, 3, 0, searchOpts(0, 1<<20))
		if err != nil {
			t.Fatalf("query %d: %v", qi, err)
		}
		var covered []uint64
		for _, r := range ranges {
			for b := r.Offset; b < r.End(); b++ {
				covered = append(covered, b)
			}
		}
		for i, item := range items {
			intersects := !(item.Max[0] < q.Min[0] || item.Min[0] > q.Max[0] ||
				item.Max[1] < q.Min[1] || item.Min[1] > q.Max[1])
			start := uint64(i) * 100
			inCover := false
			for _, b := range covered {
				if b == start {
					inCover = true
					break
				}
			}
			if intersects && !inCover {
				t.Errorf("query %d: item %d should be covered", qi, i)
			}
		}
	}
}

func TestSearchIndex_EmptyResult(t *testing.T) {
	items := []orb.Bound{unitBox(0, 0), unitBox(10, 10)}
	index := buildPackedIndex(items, []uint64{50, 50}, 16)
	q := orb.Bound{Min: orb.Point{100, 100}, Max: orb.Point{101, 101}}
	ranges, err := searchIndex(index, q, 2, 16, 0, searchOpts(512, 1<<20))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ranges) != 0 {
		t.Errorf("ranges = %v, want none", ranges)
	}
}

func TestSearchIndex_LengthsFromSuccessor(t *testing.T) {
	items := []orb.Bound{unitBox(0, 0), unitBox(10, 10), unitBox(1000, 1000)}
	sizes := []uint64{100, 200, 300}
	index := buildPackedIndex(items, sizes, 16)

	q := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{11, 11}}
	ranges, err := searchIndex(index, q, 3, 16, 5000, searchOpts(0, 1<<20))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// Items 0 and 1 are adjacent with gap 0: one merged range at the
	// absolute features offset.
	want := []ByteRange{{Offset: 5000, Length: 300}}
	if !reflect.DeepEqual(ranges, want) {
		t.Errorf("ranges = %v, want %v", ranges, want)
	}
}

func TestSearchIndex_TailLength(t *testing.T) {
	items := []orb.Bound{unitBox(0, 0), unitBox(50, 50)}
	index := buildPackedIndex(items, []uint64{100, 100}, 16)

	q := orb.Bound{Min: orb.Point{49, 49}, Max: orb.Point{52, 52}}
	ranges, err := searchIndex(index, q, 2, 16, 0, searchOpts(512, 4096))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// The final feature of the dataset has no successor: the configured
	// tail cap bounds its read length.
	want := []ByteRange{{Offset: 100, Length: 4096}}
	if !reflect.DeepEqual(ranges, want) {
		t.Errorf("ranges = %v, want %v", ranges, want)
	}
}

func TestSearchIndex_TooSmall(t *testing.T) {
	_, err := searchIndex(make([]byte, 39), orb.Bound{}, 1, 16, 0, searchOpts(512, 1<<20))
	if !errors.Is(err, ErrMalformedIndex) {
		t.Errorf("expected ErrMalformedIndex, got %v", err)
	}
}

func TestSearchIndex_NonMonotoneOffsets(t *testing.T) {
	items := []orb.Bound{unitBox(0, 0), unitBox(1, 1)}
	index := buildPackedIndex(items, []uint64{100, 100}, 16)
	// Corrupt the first leaf's offset so the sequence runs backwards.
	binary.LittleEndian.PutUint64(index[1*nodeSizeBytes+32:], 200)
	q := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{5, 5}}
	_, err := searchIndex(index, q, 2, 16, 0, searchOpts(512, 1<<20))
	if !errors.Is(err, ErrMalformedIndex) {
		t.Errorf("expected ErrMalformedIndex, got %v", err)
	}
}

func TestMergeRanges(t *testing.T) {
	tests := []struct {
		name string
		in   []ByteRange
		gap  uint64
		want []ByteRange
	}{
		{
			"adjacent merge",
			[]ByteRange{{0, 100}, {100, 50}},
			0,
			[]ByteRange{{0, 150}},
		},
		{
			"within gap",
			[]ByteRange{{0, 100}, {600, 50}},
			512,
			[]ByteRange{{0, 650}},
		},
		{
			"beyond gap",
			[]ByteRange{{0, 100}, {613, 50}},
			512,
			[]ByteRange{{0, 100}, {613, 50}},
		},
		{
			"overlap keeps furthest end",
			[]ByteRange{{0, 1000}, {100, 50}},
			0,
			[]ByteRange{{0, 1000}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeRanges(append([]ByteRange(nil), tt.in...), tt.gap)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("merge = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeRanges_NoCloseNeighbors(t *testing.T) {
	in := []ByteRange{{0, 10}, {15, 10}, {600, 10}, {1300, 10}}
	got := mergeRanges(in, 512)
	for i := 1; i < len(got); i++ {
		if got[i].Offset <= got[i-1].End()+512 {
			t.Errorf("ranges %v and %v within the merge gap", got[i-1], got[i])
		}
	}
}
