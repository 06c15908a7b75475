package mezzano

import (
	"fmt"
	"log/slog"

	"github.com/froggey/kboot/internal/paging"
	"github.com/froggey/kboot/internal/platform"
)

// addPhysicalMemoryRange maps one firmware range into the physical-map window
// and records it in the kernel memory map. Ranges are page-rounded and clipped
// to the 512 GiB window; RAM beyond it is discarded.
func addPhysicalMemoryRange(ctx paging.Context, mm *MemoryMap, origStart, origEnd uint64, cache platform.CacheAttribute) error {
	start := platform.AlignDown(origStart, platform.PageSize)
	end := platform.AlignUp(origEnd, platform.PageSize)

	if start >= PhysMapSize {
		slog.Warn("mezzano: memory beyond the physical-map window, discarding",
			"start", fmt.Sprintf("%#x", origStart), "end", fmt.Sprintf("%#x", origEnd))
		return nil
	}
	if end > PhysMapSize {
		slog.Warn("mezzano: memory extends beyond the physical-map window, clipping",
			"end", fmt.Sprintf("%#x", origEnd))
		end = PhysMapSize
	}
	if end <= start {
		return nil
	}

	flags := paging.MapWritable
	if cache == platform.CacheUncached {
		flags |= paging.MapUncached
	}
	if err := ctx.Map(PhysMapBase+start, start, end-start, flags); err != nil {
		return fmt.Errorf("%w: map physical range %#x-%#x: %v", ErrBoot, start, end, err)
	}

	mm.Insert(start, end)
	return nil
}

// generateMemoryMap maps every firmware descriptor into the physical-map
// window, producing the canonical kernel memory map, then allocates and maps
// the page-info array covering it.
func generateMemoryMap(machine platform.Machine, ctx paging.Context, mm *MemoryMap) error {
	for _, desc := range machine.FirmwareMap() {
		slog.Debug("mezzano: firmware range",
			"start", fmt.Sprintf("%#x", desc.Start),
			"end", fmt.Sprintf("%#x", desc.Start+desc.Length),
			"ram", desc.RAM)
		if err := addPhysicalMemoryRange(ctx, mm, desc.Start, desc.Start+desc.Length, desc.Cache); err != nil {
			return err
		}
	}

	slog.Debug("mezzano: final memory map")
	for _, e := range mm.Entries() {
		slog.Debug("  entry", "start", fmt.Sprintf("%016x", e.Start), "end", fmt.Sprintf("%016x", e.End))
	}

	return allocateInfoStructs(machine, ctx, mm)
}

// allocateInfoStructs backs the page-info window of every memory-map range
// with freshly allocated frames and zeroes it. Adjacent ranges can share an
// info page; pages that are already mapped are skipped rather than
// re-allocated and leaked.
func allocateInfoStructs(machine platform.Machine, ctx paging.Context, mm *MemoryMap) error {
	arena := machine.Arena()
	for _, e := range mm.Entries() {
		infoStart := platform.AlignDown(PageInfoBase+(e.Start/platform.PageSize)*pageInfoSize, platform.PageSize)
		infoEnd := platform.AlignUp(PageInfoBase+(e.End/platform.PageSize)*pageInfoSize, platform.PageSize)
		slog.Debug("mezzano: info range",
			"start", fmt.Sprintf("%016x", infoStart), "end", fmt.Sprintf("%016x", infoEnd))

		for virt := infoStart; virt < infoEnd; {
			if ctx.IsMapped(virt) {
				virt += platform.PageSize
				continue
			}
			// Extend the run over every unmapped page so contiguous
			// windows still get one allocation.
			runEnd := virt + platform.PageSize
			for runEnd < infoEnd && !ctx.IsMapped(runEnd) {
				runEnd += platform.PageSize
			}
			size := runEnd - virt
			phys, err := arena.Alloc(size, platform.PageSize, 0x100000, platform.MemAllocated, false)
			if err != nil {
				return fmt.Errorf("%w: allocate page info (%d bytes): %v", ErrBoot, size, err)
			}
			if err := ctx.Map(virt, phys, size, paging.MapWritable); err != nil {
				return fmt.Errorf("%w: map page info: %v", ErrBoot, err)
			}
			if err := ctx.Memset(virt, 0, size); err != nil {
				return fmt.Errorf("%w: zero page info: %v", ErrBoot, err)
			}
			virt = runEnd
		}
	}
	return nil
}
