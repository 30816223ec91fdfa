package fgbtiles

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// Packed Hilbert R-tree traversal. The index section is a flat array of
// 40-byte nodes ([4 x f64 bbox][u64 offset]) laid out root-first: the lowest
// indices hold the root level, leaves occupy the highest. A leaf node's
// offset field is the feature byte offset relative to the features section;
// an internal node's offset field is the node index of its first child.

// ByteRange is an absolute byte range inside a FlatGeobuf resource.
type ByteRange struct {
	Offset uint64
	Length uint64
}

// End returns the exclusive end offset of the range.
func (r ByteRange) End() uint64 { return r.Offset + r.Length }

// levelBounds returns the [start, end) node index range of every tree level,
// leaves first, built with the same bottom-up computation the writer uses:
// each level above has ceil(prev/nodeSize) nodes until a single root. At
// least one level sits above the leaves, so a single item gets a root too.
func levelBounds(numItems uint64, nodeSize uint16) [][2]uint64 {
	ns := uint64(nodeSize)
	counts := []uint64{numItems}
	numNodes := numItems
	for n := numItems; ; {
		n = (n + ns - 1) / ns
		counts = append(counts, n)
		numNodes += n
		if n == 1 {
			break
		}
	}
	bounds := make([][2]uint64, len(counts))
	offset := numNodes
	for i, c := range counts {
		offset -= c
		bounds[i] = [2]uint64{offset, offset + c}
	}
	return bounds
}

// totalIndexNodes returns the node count of the packed tree.
func totalIndexNodes(numItems uint64, nodeSize uint16) uint64 {
	ns := uint64(nodeSize)
	total := numItems
	for n := numItems; ; {
		n = (n + ns - 1) / ns
		total += n
		if n == 1 {
			break
		}
	}
	return total
}

// searchStackEntry pairs a node index with its tree level (0 = leaves).
type searchStackEntry struct {
	index uint64
	level int
}

// searchIndex traverses the packed R-tree and returns the absolute byte
// ranges covering every feature whose node bbox intersects query, sorted by
// offset and merged per opts. featuresOffset is the absolute start of the
// features section; featuresCount and nodeSize come from the header.
func searchIndex(index []byte, query orb.Bound, featuresCount uint64, nodeSize uint16, featuresOffset uint64, opts resolved) ([]ByteRange, error) {
	if featuresCount == 0 || nodeSize == 0 {
		return nil, nil
	}
	bounds := levelBounds(featuresCount, nodeSize)
	numLevels := len(bounds)
	totalNodes := bounds[0][1]
	if uint64(len(index)) < totalNodes*nodeSizeBytes {
		return nil, fmt.Errorf("%w: %d index bytes for %d nodes", ErrMalformedIndex, len(index), totalNodes)
	}
	leafEnd := bounds[0][1]

	rootLevel := numLevels - 1
	stack := make([]searchStackEntry, 0, 64)
	for i := bounds[rootLevel][1]; i > bounds[rootLevel][0]; i-- {
		stack = append(stack, searchStackEntry{index: i - 1, level: rootLevel})
	}

	var hits []uint64
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		pos := e.index * nodeSizeBytes
		if pos+nodeSizeBytes > uint64(len(index)) {
			break
		}
		nodeMinX := math.Float64frombits(binary.LittleEndian.Uint64(index[pos:]))
		nodeMinY := math.Float64frombits(binary.LittleEndian.Uint64(index[pos+8:]))
		nodeMaxX := math.Float64frombits(binary.LittleEndian.Uint64(index[pos+16:]))
		nodeMaxY := math.Float64frombits(binary.LittleEndian.Uint64(index[pos+24:]))
		if nodeMaxX < query.Min[0] || nodeMinX > query.Max[0] ||
			nodeMaxY < query.Min[1] || nodeMinY > query.Max[1] {
			continue
		}

		if e.level == 0 {
			hits = append(hits, e.index)
			continue
		}
		firstChild := binary.LittleEndian.Uint64(index[pos+32:])
		childEnd := firstChild + uint64(nodeSize)
		if levelEnd := bounds[e.level-1][1]; childEnd > levelEnd {
			childEnd = levelEnd
		}
		for c := childEnd; c > firstChild; c-- {
			stack = append(stack, searchStackEntry{index: c - 1, level: e.level - 1})
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i] < hits[j] })

	// Leaf offset fields are relative to the features section and must grow
	// monotonically; the length of a feature is the distance to its
	// successor leaf. The final feature of the dataset has no successor and
	// gets a conservative fixed-length over-fetch instead.
	leafOffset := func(idx uint64) uint64 {
		return binary.LittleEndian.Uint64(index[idx*nodeSizeBytes+32:])
	}
	ranges := make([]ByteRange, 0, len(hits))
	var prevOff uint64
	for i, idx := range hits {
		off := leafOffset(idx)
		if i > 0 && off < prevOff {
			return nil, fmt.Errorf("%w: leaf offsets not monotone", ErrMalformedIndex)
		}
		prevOff = off
		length := opts.tailLength
		if idx+1 < leafEnd {
			next := leafOffset(idx + 1)
			if next < off {
				return nil, fmt.Errorf("%w: leaf offsets not monotone", ErrMalformedIndex)
			}
			length = next - off
		}
		ranges = append(ranges, ByteRange{Offset: featuresOffset + off, Length: length})
	}
	return mergeRanges(ranges, opts.mergeGap), nil
}

// mergeRanges collapses sorted ranges whose gap is at most gap bytes. The
// merged range covers from the first start to the furthest end seen.
func mergeRanges(ranges []ByteRange, gap uint64) []ByteRange {
	if len(ranges) == 0 {
		return nil
	}
	out := ranges[:1]
	for _, r := range ranges[1:] {
		prev := &out[len(out)-1]
		if r.Offset <= prev.End()+gap {
			if r.End() > prev.End() {
				prev.Length = r.End() - prev.Offset
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
