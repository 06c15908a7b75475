package mezzano

import "log/slog"

// MaxMemoryMapEntries is fixed by the boot-info page layout.
const MaxMemoryMapEntries = 32

// MemoryMapEntry is a [Start, End) physical range containing RAM.
type MemoryMapEntry struct {
	Start uint64
	End   uint64
}

// MemoryMap is the kernel-visible RAM map: sorted ascending, pairwise
// disjoint, at most 32 entries. Every frame inside an entry has a page-info
// struct mapped.
type MemoryMap struct {
	entries []MemoryMapEntry
}

// Insert adds [start, end), merging with any overlapping entry or placing it
// at its sorted position. When the map is full and no merge is possible the
// range is dropped with a warning.
func (m *MemoryMap) Insert(start, end uint64) {
	i := 0
	for ; i < len(m.entries); i++ {
		e := &m.entries[i]
		if e.Start > end {
			break
		}
		if inRange(e.Start, e.End, start) || inRange(e.Start, e.End, end) || inRange(start, end, e.Start) {
			if e.Start > start {
				e.Start = start
			}
			if e.End < end {
				e.End = end
			}
			m.crunch()
			return
		}
	}
	if len(m.entries) == MaxMemoryMapEntries {
		slog.Warn("mezzano: too many memory map entries, dropping range",
			"start", start, "end", end)
		return
	}
	m.entries = append(m.entries, MemoryMapEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = MemoryMapEntry{Start: start, End: end}
	m.crunch()
}

// crunch merges touching or overlapping neighbours. Insertion can create
// adjacencies (a new range bridging two entries), so it runs after every
// modification.
func (m *MemoryMap) crunch() {
	out := m.entries[:0]
	for _, e := range m.entries {
		if n := len(out); n > 0 && e.Start <= out[n-1].End {
			if e.End > out[n-1].End {
				out[n-1].End = e.End
			}
			continue
		}
		out = append(out, e)
	}
	m.entries = out
}

func inRange(start, end, value uint64) bool {
	return start <= value && value <= end
}

// Contains reports whether addr lies inside some entry.
func (m *MemoryMap) Contains(addr uint64) bool {
	for _, e := range m.entries {
		if e.Start <= addr && addr < e.End {
			return true
		}
	}
	return false
}

func (m *MemoryMap) Len() int                  { return len(m.entries) }
func (m *MemoryMap) At(i int) MemoryMapEntry   { return m.entries[i] }
func (m *MemoryMap) Entries() []MemoryMapEntry { return m.entries }
