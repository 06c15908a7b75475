package mezzano

import (
	"encoding/binary"
	"fmt"

	"github.com/froggey/kboot/internal/fixnum"
	"github.com/froggey/kboot/internal/paging"
	"github.com/froggey/kboot/internal/platform"
)

// pageChunkSize is how much backing memory the wired loader requests at a
// time. Allocating one frame per kernel page overwhelms some EFI firmwares.
const pageChunkSize = 8 * 1024 * 1024

// pageChunk slices one large allocation into 4 KiB frames.
type pageChunk struct {
	next      uint64
	remaining uint64
}

// take returns the next frame, requesting a fresh chunk sized to the work
// still outstanding when the current one is empty.
func (c *pageChunk) take(arena *platform.FrameArena, outstanding uint64) (uint64, error) {
	if c.remaining == 0 {
		size := outstanding * platform.PageSize
		if size > pageChunkSize {
			size = pageChunkSize
		}
		if size == 0 {
			size = platform.PageSize
		}
		phys, err := arena.Alloc(size, platform.PageSize, 0x100000, platform.MemAllocated, false)
		if err != nil {
			return 0, fmt.Errorf("%w: allocate page chunk (%d bytes): %v", ErrBoot, size, err)
		}
		c.next = phys
		c.remaining = size
	}
	phys := c.next
	c.next += platform.PageSize
	c.remaining -= platform.PageSize
	return phys, nil
}

// materializeBlockMap is pass 1: it copies the entire block map into
// kernel-visible memory, rewriting interior child pointers from disk-block ids
// to kernel virtual addresses inside the physical-map window, and counts the
// pages that pass 2 will load. Returns the kernel virtual address of the root.
func (l *Loader) materializeBlockMap() (uint64, error) {
	root, count, err := l.materializeLevel(l.header.BML4, blockMapLevels)
	if err != nil {
		return 0, err
	}
	l.pageCount = count
	return root, nil
}

const blockMapLevels = 4

func (l *Loader) materializeLevel(block uint64, level int) (uint64, uint64, error) {
	cached, err := l.cache.readBlock(block)
	if err != nil {
		return 0, 0, err
	}
	buf := make([]byte, blockSize)
	if _, err := l.mem.ReadAt(buf, int64(cached)); err != nil {
		return 0, 0, fmt.Errorf("%w: read block map block %d: %v", ErrBoot, block, err)
	}

	var count uint64
	le := binary.LittleEndian
	for i := 0; i < entriesPerBlock; i++ {
		entry := le.Uint64(buf[i*8:])
		if entry&BlockMapPresent == 0 {
			continue
		}
		if level == 1 {
			if entry&BlockMapWired != 0 || l.opts.Freestanding {
				count++
			}
			continue
		}
		childVirt, childCount, err := l.materializeLevel(entry>>BlockMapIDShift, level-1)
		if err != nil {
			return 0, 0, err
		}
		count += childCount
		le.PutUint64(buf[i*8:], childVirt|(entry&BlockMapFlagMask))
	}

	phys, err := l.arena.Alloc(blockSize, platform.PageSize, 0x100000, platform.MemAllocated, false)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: allocate block map page: %v", ErrBoot, err)
	}
	if _, err := l.mem.WriteAt(buf, int64(phys)); err != nil {
		return 0, 0, fmt.Errorf("%w: write block map page: %v", ErrBoot, err)
	}
	return PhysMapBase + phys, count, nil
}

// loadWiredPages is pass 2: it walks the materialised block map and loads
// every page that must be resident at boot — the wired set, or every present
// page in freestanding mode.
func (l *Loader) loadWiredPages() error {
	rootPhys := l.blockMapRoot - PhysMapBase
	var chunk pageChunk
	return l.loadLevel(rootPhys, blockMapLevels, 0, &chunk)
}

func (l *Loader) loadLevel(blockPhys uint64, level int, virtPrefix uint64, chunk *pageChunk) error {
	for i := uint64(0); i < entriesPerBlock; i++ {
		var buf [8]byte
		if _, err := l.mem.ReadAt(buf[:], int64(blockPhys+i*8)); err != nil {
			return fmt.Errorf("%w: read materialised block map: %v", ErrBoot, err)
		}
		entry := binary.LittleEndian.Uint64(buf[:])
		if entry&BlockMapPresent == 0 {
			continue
		}

		virt := virtPrefix | i<<(12+9*uint(level-1))
		if level > 1 {
			childPhys := (entry &^ uint64(BlockMapFlagMask)) - PhysMapBase
			if err := l.loadLevel(childPhys, level-1, virt, chunk); err != nil {
				return err
			}
			continue
		}

		if entry&BlockMapTransient != 0 {
			continue
		}
		if entry&BlockMapWired == 0 && !l.opts.Freestanding {
			continue
		}
		if err := l.loadOnePage(canonicalize(virt), entry, chunk); err != nil {
			return err
		}
	}
	return nil
}

// canonicalize sign-extends a 48-bit block-map virtual address.
func canonicalize(virt uint64) uint64 {
	if virt&(1<<47) != 0 {
		return virt | 0xFFFF_0000_0000_0000
	}
	return virt
}

func (l *Loader) loadOnePage(virt, entry uint64, chunk *pageChunk) error {
	outstanding := l.pageCount - l.pagesLoaded
	phys, err := chunk.take(l.arena, outstanding)
	if err != nil {
		return err
	}

	// Dirty-tracked pages start read-only so the kernel's fault handler can
	// observe the first write.
	var flags paging.MapFlags
	if entry&BlockMapWritable != 0 && entry&BlockMapTrackDirty == 0 {
		flags |= paging.MapWritable
	}
	if err := l.kernelCtx.Map(virt, phys, platform.PageSize, flags); err != nil {
		return fmt.Errorf("%w: map loaded page %#x: %v", ErrBoot, virt, err)
	}

	dataBlock := entry >> BlockMapIDShift
	info := pageInfo{ctx: l.kernelCtx}
	if err := info.setExtra(phys, fixnum.Encode(int64(dataBlock))); err != nil {
		return fmt.Errorf("%w: %v", ErrBoot, err)
	}
	pageType := PageTypeWired
	if l.opts.Freestanding {
		pageType = PageTypeActive
	}
	if err := info.setPageType(phys, pageType); err != nil {
		return fmt.Errorf("%w: %v", ErrBoot, err)
	}

	if entry&BlockMapZeroFill != 0 {
		zero := make([]byte, platform.PageSize)
		if _, err := l.mem.WriteAt(zero, int64(phys)); err != nil {
			return fmt.Errorf("%w: zero page %#x: %v", ErrBoot, virt, err)
		}
	} else {
		buf := make([]byte, platform.PageSize)
		if _, err := l.disk.ReadAt(buf, int64(dataBlock)*blockSize); err != nil {
			return fmt.Errorf("%w: read block %d for virtual address %#x: %v", ErrBoot, dataBlock, virt, err)
		}
		if _, err := l.mem.WriteAt(buf, int64(phys)); err != nil {
			return fmt.Errorf("%w: write page %#x: %v", ErrBoot, virt, err)
		}
	}

	l.pagesLoaded++
	if l.OnProgress != nil {
		l.OnProgress(l.pagesLoaded, l.pageCount)
	}
	return nil
}
