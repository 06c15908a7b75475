package platform

import (
	"fmt"
	"sort"
)

// FrameArena is the loader's page-granular physical allocator. It is a linear
// pool: frames handed out are never returned individually. Finalize reclaims
// MemInternal scratch as a batch and freezes the arena.
type FrameArena struct {
	free      []Range // sorted by Start, types always MemFree
	allocated []Range
	finalized bool
}

// NewFrameArena builds an arena over the given free RAM ranges. Ranges are
// clipped to page boundaries.
func NewFrameArena(free []Range) *FrameArena {
	a := &FrameArena{}
	for _, r := range free {
		start := AlignUp(r.Start, PageSize)
		end := AlignDown(r.Start+r.Size, PageSize)
		if end <= start {
			continue
		}
		a.free = append(a.free, Range{Start: start, Size: end - start, Type: MemFree})
	}
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].Start < a.free[j].Start })
	return a
}

// Reserve removes [start, start+size) from the free pool and records it with
// the given type. Used for the loader image and other pre-existing claims.
func (a *FrameArena) Reserve(start, size uint64, typ MemoryType) error {
	start = AlignDown(start, PageSize)
	size = AlignUp(size, PageSize)
	for i := range a.free {
		f := &a.free[i]
		if start < f.Start || start+size > f.Start+f.Size {
			continue
		}
		a.carve(i, start, size, typ)
		return nil
	}
	return fmt.Errorf("platform: reservation %#x+%#x outside free memory", start, size)
}

// Alloc allocates size bytes aligned to align with physical address >= minAddr,
// tagged with typ. When high is set the highest suitable range is used, which
// keeps scratch away from fixed kernel load locations.
func (a *FrameArena) Alloc(size, align, minAddr uint64, typ MemoryType, high bool) (uint64, error) {
	if a.finalized {
		return 0, ErrFinalized
	}
	if size == 0 {
		return 0, fmt.Errorf("platform: zero-size allocation")
	}
	if align < PageSize {
		align = PageSize
	}
	size = AlignUp(size, PageSize)

	indices := make([]int, len(a.free))
	for i := range indices {
		indices[i] = i
	}
	if high {
		for i, j := 0, len(indices)-1; i < j; i, j = i+1, j-1 {
			indices[i], indices[j] = indices[j], indices[i]
		}
	}

	for _, i := range indices {
		f := a.free[i]
		start := AlignUp(f.Start, align)
		if start < minAddr {
			start = AlignUp(minAddr, align)
		}
		if high {
			// Place at the top of the range instead.
			if f.Size < size {
				continue
			}
			top := AlignDown(f.Start+f.Size-size, align)
			if top >= start {
				start = top
			}
		}
		if start < f.Start || start+size > f.Start+f.Size {
			continue
		}
		a.carve(i, start, size, typ)
		return start, nil
	}
	return 0, ErrOutOfMemory
}

// carve splits free range i around [start, start+size) and records the
// allocation.
func (a *FrameArena) carve(i int, start, size uint64, typ MemoryType) {
	f := a.free[i]
	var repl []Range
	if start > f.Start {
		repl = append(repl, Range{Start: f.Start, Size: start - f.Start, Type: MemFree})
	}
	if end, fend := start+size, f.Start+f.Size; end < fend {
		repl = append(repl, Range{Start: end, Size: fend - end, Type: MemFree})
	}
	a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
	a.allocated = append(a.allocated, Range{Start: start, Size: size, Type: typ})
}

// Finalize freezes the arena and returns the complete internal memory map,
// sorted and merged, with MemInternal scratch reclaimed as MemFree.
func (a *FrameArena) Finalize() []Range {
	a.finalized = true

	var out []Range
	out = append(out, a.free...)
	for _, r := range a.allocated {
		if r.Type == MemInternal {
			r.Type = MemFree
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Type == r.Type && last.Start+last.Size == r.Start {
				last.Size += r.Size
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

// TotalFree reports the bytes currently in the free pool.
func (a *FrameArena) TotalFree() uint64 {
	var total uint64
	for _, r := range a.free {
		total += r.Size
	}
	return total
}
