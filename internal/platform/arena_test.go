package platform

import "testing"

func TestArenaAllocAligned(t *testing.T) {
	a := NewFrameArena([]Range{{Start: 0x1000, Size: 0x100000}})

	p, err := a.Alloc(0x1000, 0x1000, 0, MemAllocated, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if p != 0x1000 {
		t.Fatalf("first alloc at %#x, want 0x1000", p)
	}

	p, err = a.Alloc(0x1000, 0x10000, 0, MemAllocated, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if p%0x10000 != 0 {
		t.Fatalf("alloc %#x not 64 KiB aligned", p)
	}
}

func TestArenaMinAddr(t *testing.T) {
	a := NewFrameArena([]Range{{Start: 0, Size: 0x400000}})

	p, err := a.Alloc(0x2000, 0x1000, 0x100000, MemAllocated, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if p < 0x100000 {
		t.Fatalf("alloc at %#x violates 1 MiB floor", p)
	}
}

func TestArenaAllocHigh(t *testing.T) {
	a := NewFrameArena([]Range{{Start: 0, Size: 0x100000}, {Start: 0x200000, Size: 0x100000}})

	p, err := a.Alloc(0x1000, 0x1000, 0, MemInternal, true)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if p != 0x2FF000 {
		t.Fatalf("high alloc at %#x, want 0x2FF000", p)
	}
}

func TestArenaExhaustion(t *testing.T) {
	a := NewFrameArena([]Range{{Start: 0, Size: 0x2000}})
	if _, err := a.Alloc(0x1000, 0x1000, 0, MemAllocated, false); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := a.Alloc(0x2000, 0x1000, 0, MemAllocated, false); err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestArenaFinalizeReclaimsInternal(t *testing.T) {
	a := NewFrameArena([]Range{{Start: 0, Size: 0x10000}})
	if _, err := a.Alloc(0x1000, 0x1000, 0, MemInternal, false); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := a.Alloc(0x1000, 0x1000, 0, MemPagetables, false); err != nil {
		t.Fatalf("alloc: %v", err)
	}

	m := a.Finalize()
	// Internal scratch at 0 comes back as free; pagetables keep their type.
	if len(m) != 3 {
		t.Fatalf("finalized map has %d ranges, want 3: %+v", len(m), m)
	}
	if m[0].Type != MemFree || m[0].Start != 0 || m[0].Size != 0x1000 {
		t.Fatalf("range 0 = %+v, want free 0+0x1000", m[0])
	}
	if m[1].Type != MemPagetables {
		t.Fatalf("range 1 = %+v, want pagetables", m[1])
	}
	if m[2].Type != MemFree || m[2].Start != 0x2000 {
		t.Fatalf("range 2 = %+v, want free from 0x2000", m[2])
	}

	if _, err := a.Alloc(0x1000, 0x1000, 0, MemAllocated, false); err == nil {
		t.Fatal("alloc after finalize should fail")
	}
}

func TestArenaReserve(t *testing.T) {
	a := NewFrameArena([]Range{{Start: 0, Size: 0x100000}})
	if err := a.Reserve(0x10000, 0x20000, MemInternal); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	p, err := a.Alloc(0x20000, 0x1000, 0, MemAllocated, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if p >= 0x10000 && p < 0x30000 {
		t.Fatalf("alloc at %#x overlaps reservation", p)
	}
}
