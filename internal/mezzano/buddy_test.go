package mezzano

import (
	"testing"

	"github.com/froggey/kboot/internal/fixnum"
)

func TestBuddyCoalescence(t *testing.T) {
	_, ctx, mm := testEnv(t, testConfig())
	b := newBuddyAllocator(ctx, mm, testNil)

	// Two order-0 buddies become exactly one order-1 run.
	if err := b.freePage(0x200000); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := b.freePage(0x201000); err != nil {
		t.Fatalf("free: %v", err)
	}

	if got := decodeCount(b.bin32[0].count); got != 0 {
		t.Fatalf("bin 0 count = %d, want 0", got)
	}
	if got := decodeCount(b.bin32[1].count); got != 1 {
		t.Fatalf("bin 1 count = %d, want 1", got)
	}
	if b.bin32[1].firstPage != fixnum.Encode(0x200000/0x1000) {
		t.Fatalf("bin 1 first page = %#x", b.bin32[1].firstPage)
	}
	checkBuddyInvariant(t, b)
}

func TestBuddyNoCoalesceAcrossBins(t *testing.T) {
	_, ctx, mm := testEnv(t, testConfig())
	b := newBuddyAllocator(ctx, mm, testNil)

	// 0x202000's order-0 buddy is 0x203000 (absent); 0x200000 sits in bin 1
	// after its own merge, so freeing 0x202000 must not absorb it.
	if err := b.freePage(0x200000); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := b.freePage(0x201000); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := b.freePage(0x202000); err != nil {
		t.Fatalf("free: %v", err)
	}

	if got := decodeCount(b.bin32[0].count); got != 1 {
		t.Fatalf("bin 0 count = %d, want 1", got)
	}
	if got := decodeCount(b.bin32[1].count); got != 1 {
		t.Fatalf("bin 1 count = %d, want 1", got)
	}
	checkBuddyInvariant(t, b)

	// Completing the second pair ripples all the way to order 2.
	if err := b.freePage(0x203000); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := decodeCount(b.bin32[2].count); got != 1 {
		t.Fatalf("bin 2 count = %d, want 1", got)
	}
	if got := decodeCount(b.bin32[0].count) + decodeCount(b.bin32[1].count); got != 0 {
		t.Fatalf("lower bins not emptied: %d", got)
	}
	checkBuddyInvariant(t, b)
}

func TestBuddyFullRegionCollapses(t *testing.T) {
	if testing.Short() {
		t.Skip("frees 64k pages")
	}
	_, ctx, mm := testEnv(t, testConfig())
	b := newBuddyAllocator(ctx, mm, testNil)

	// Releasing every page of the 256 MiB region collapses into a single
	// order-28 run at 0.
	const ramSize = 0x10000000
	for page := uint64(0); page < ramSize; page += 0x1000 {
		if err := b.freePage(page); err != nil {
			t.Fatalf("free %#x: %v", page, err)
		}
	}

	total := checkBuddyInvariant(t, b)
	if total != ramSize {
		t.Fatalf("accounted %#x bytes, want %#x", total, ramSize)
	}
	const order28 = 28 - 12
	if got := decodeCount(b.bin32[order28].count); got != 1 {
		t.Fatalf("order-28 bin count = %d, want 1", got)
	}
	if b.bin32[order28].firstPage != fixnum.Encode(0) {
		t.Fatalf("order-28 first page = %#x, want page 0", b.bin32[order28].firstPage)
	}
	for k := range b.bin32 {
		if k != order28 && decodeCount(b.bin32[k].count) != 0 {
			t.Fatalf("bin %d not empty", k)
		}
	}
}

func TestBuddyStopsAtMemoryMapEdge(t *testing.T) {
	_, ctx, mm := testEnv(t, testConfig())
	b := newBuddyAllocator(ctx, mm, testNil)

	// The final page's buddy is present in the map but not free, so the
	// release stays in bin 0 instead of absorbing live memory.
	if err := b.freePage(0x0FFFF000); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := decodeCount(b.bin32[0].count); got != 1 {
		t.Fatalf("bin 0 count = %d, want 1", got)
	}
	checkBuddyInvariant(t, b)
}
