package mezzano

import (
	"math/rand"
	"testing"
)

func checkSorted(t *testing.T, m *MemoryMap) {
	t.Helper()
	for i := 0; i < m.Len(); i++ {
		e := m.At(i)
		if e.Start >= e.End {
			t.Fatalf("entry %d is empty or inverted: %+v", i, e)
		}
		if i > 0 && m.At(i-1).End >= e.Start {
			t.Fatalf("entries %d and %d touch or overlap: %+v %+v", i-1, i, m.At(i-1), e)
		}
	}
}

func TestInsertMergesAdjacent(t *testing.T) {
	var m MemoryMap
	m.Insert(10, 20)
	m.Insert(20, 30)
	if m.Len() != 1 || m.At(0) != (MemoryMapEntry{Start: 10, End: 30}) {
		t.Fatalf("got %+v, want single (10, 30)", m.Entries())
	}
}

func TestInsertMergesOverlap(t *testing.T) {
	var m MemoryMap
	m.Insert(10, 20)
	m.Insert(15, 25)
	if m.Len() != 1 || m.At(0) != (MemoryMapEntry{Start: 10, End: 25}) {
		t.Fatalf("got %+v, want single (10, 25)", m.Entries())
	}
}

func TestInsertBridgesTwoEntries(t *testing.T) {
	var m MemoryMap
	m.Insert(0, 10)
	m.Insert(20, 30)
	m.Insert(10, 20)
	if m.Len() != 1 || m.At(0) != (MemoryMapEntry{Start: 0, End: 30}) {
		t.Fatalf("got %+v, want single (0, 30)", m.Entries())
	}
}

func TestInsertSortsDisjoint(t *testing.T) {
	var m MemoryMap
	m.Insert(0x300000, 0x400000)
	m.Insert(0x100000, 0x200000)
	m.Insert(0x500000, 0x600000)
	if m.Len() != 3 {
		t.Fatalf("got %d entries", m.Len())
	}
	checkSorted(t, &m)
	if m.At(0).Start != 0x100000 || m.At(2).Start != 0x500000 {
		t.Fatalf("wrong order: %+v", m.Entries())
	}
}

func TestInsertRandomisedInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var m MemoryMap
	for i := 0; i < 500; i++ {
		start := uint64(rng.Intn(1 << 20))
		end := start + uint64(rng.Intn(1<<16)+1)
		m.Insert(start, end)
		checkSorted(t, &m)
	}
}

func TestInsertDropsWhenFull(t *testing.T) {
	var m MemoryMap
	for i := uint64(0); i < MaxMemoryMapEntries; i++ {
		m.Insert(i*0x10000, i*0x10000+0x1000)
	}
	if m.Len() != MaxMemoryMapEntries {
		t.Fatalf("got %d entries", m.Len())
	}
	m.Insert(0x4000_0000, 0x4000_1000)
	if m.Len() != MaxMemoryMapEntries {
		t.Fatalf("full map grew to %d entries", m.Len())
	}
	// Merging into an existing entry must still work.
	m.Insert(0x1000, 0x2000)
	if m.Len() != MaxMemoryMapEntries || m.At(0).End != 0x2000 {
		t.Fatalf("merge on full map failed: %+v", m.At(0))
	}
}

func TestContains(t *testing.T) {
	var m MemoryMap
	m.Insert(0x1000, 0x3000)
	for addr, want := range map[uint64]bool{
		0x0FFF: false,
		0x1000: true,
		0x2FFF: true,
		0x3000: false,
	} {
		if got := m.Contains(addr); got != want {
			t.Errorf("Contains(%#x) = %v, want %v", addr, got, want)
		}
	}
}
