package mezzano

import (
	"log/slog"

	"github.com/froggey/kboot/internal/fixnum"
	"github.com/froggey/kboot/internal/paging"
	"github.com/froggey/kboot/internal/platform"
)

// Bin counts are fixed by the boot-info page layout; changing them bumps the
// protocol version. bin k holds runs of 2^(12+k) bytes.
const (
	nBuddyBins32 = 32 - 12 // memory below 4 GiB
	nBuddyBins64 = 39 - 12 // the rest of the 512 GiB physical map
)

// buddyBin is one free list head. Both fields are kernel values: first_page is
// a fixnum page number or the image's nil, count a fixnum.
type buddyBin struct {
	firstPage uint64
	count     uint64
}

// buddyAllocator is the pair of bin arrays handed to the kernel, plus the
// state needed to thread the free lists through page-info.
type buddyAllocator struct {
	bin32 [nBuddyBins32]buddyBin
	bin64 [nBuddyBins64]buddyBin

	info pageInfo
	mm   *MemoryMap
	nil_ uint64
}

func newBuddyAllocator(ctx paging.Context, mm *MemoryMap, nilValue uint64) *buddyAllocator {
	b := &buddyAllocator{info: pageInfo{ctx: ctx}, mm: mm, nil_: nilValue}
	for i := range b.bin32 {
		b.bin32[i] = buddyBin{firstPage: nilValue, count: fixnum.Encode(0)}
	}
	for i := range b.bin64 {
		b.bin64[i] = buddyBin{firstPage: nilValue, count: fixnum.Encode(0)}
	}
	return b
}

func buddyOf(k int, x uint64) uint64 {
	return x ^ (uint64(1) << (uint(k) + 12))
}

// freePage releases the frame at l into the allocator, iteratively coalescing
// with its buddy: at each order the buddy is absorbed only if it exists in the
// memory map, is free, and sits in exactly this bin. The loop shape matches
// the kernel's allocator invariant; do not reorder it.
func (b *buddyAllocator) freePage(l uint64) error {
	var bins []buddyBin
	var m int
	if l < 0x1_0000_0000 {
		m = nBuddyBins32 - 1
		bins = b.bin32[:]
	} else {
		m = nBuddyBins64 - 1
		bins = b.bin64[:]
	}

	k := 0
	for {
		p := buddyOf(k, l)

		if k == m || !b.mm.Contains(p) {
			break
		}
		pt, err := b.info.pageType(p)
		if err != nil {
			return err
		}
		if pt != PageTypeFree {
			break
		}
		bin, err := b.info.bin(p)
		if err != nil {
			return err
		}
		if int(bin) != k {
			break
		}

		// Unlink the buddy from bins[k].
		next, err := b.info.next(p)
		if err != nil {
			return err
		}
		prev, err := b.info.prev(p)
		if err != nil {
			return err
		}
		if bins[k].firstPage == fixnum.Encode(int64(p/platform.PageSize)) {
			bins[k].firstPage = next
		}
		if next != b.nil_ {
			if err := b.info.setPrev(uint64(fixnum.Decode(next))*platform.PageSize, prev); err != nil {
				return err
			}
		}
		if prev != b.nil_ {
			if err := b.info.setNext(uint64(fixnum.Decode(prev))*platform.PageSize, next); err != nil {
				return err
			}
		}
		bins[k].count -= fixnum.Encode(1)

		k++
		if p < l {
			l = p
		}
	}

	if err := b.info.setPageType(l, PageTypeFree); err != nil {
		return err
	}
	if err := b.info.setBin(l, uint8(k)); err != nil {
		return err
	}
	if err := b.info.setNext(l, bins[k].firstPage); err != nil {
		return err
	}
	if err := b.info.setPrev(l, b.nil_); err != nil {
		return err
	}
	if bins[k].firstPage != b.nil_ {
		head := uint64(fixnum.Decode(bins[k].firstPage)) * platform.PageSize
		if err := b.info.setPrev(head, fixnum.Encode(int64(l/platform.PageSize))); err != nil {
			return err
		}
	}
	bins[k].firstPage = fixnum.Encode(int64(l / platform.PageSize))
	bins[k].count += fixnum.Encode(1)
	return nil
}

// releaseFirmwareMemory feeds the finalised bootloader memory map into the
// allocator: free RAM above 1 MiB enters the buddy lists and kernel
// page-table frames get their page-info type set so the kernel keeps them.
func (b *buddyAllocator) releaseFirmwareMemory(finalMap []platform.Range) error {
	for _, r := range finalMap {
		for off := uint64(0); off < r.Size; off += platform.PageSize {
			page := r.Start + off
			switch {
			case r.Type == platform.MemFree && page > 1024*1024:
				if err := b.freePage(page); err != nil {
					return err
				}
			case r.Type == platform.MemPagetables:
				if err := b.info.setPageType(page, PageTypePageTable); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// dump logs the entire allocator state, one line per free run.
func (b *buddyAllocator) dump() {
	slog.Debug("mezzano: 32-bit buddy allocator")
	b.dumpBins(b.bin32[:])
	slog.Debug("mezzano: 64-bit buddy allocator")
	b.dumpBins(b.bin64[:])
}

func (b *buddyAllocator) dumpBins(bins []buddyBin) {
	for k := range bins {
		slog.Debug("  bin", "order", k+12,
			"count", fixnum.Decode(bins[k].count), "first", bins[k].firstPage)
		current := bins[k].firstPage
		for current != b.nil_ {
			page := uint64(fixnum.Decode(current)) * platform.PageSize
			next, err := b.info.next(page)
			if err != nil {
				slog.Warn("mezzano: unreadable buddy list entry", "page", page, "err", err)
				return
			}
			slog.Debug("    run", "start", page, "end", page+uint64(1)<<(uint(k)+12))
			current = next
		}
	}
}
