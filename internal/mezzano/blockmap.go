package mezzano

import (
	"encoding/binary"
	"fmt"

	"github.com/froggey/kboot/internal/platform"
)

// Block-map entry flag bits. The upper 56 bits carry the disk-block id of the
// next level table or, at level 1, the data page.
const (
	BlockMapPresent    = 0x01
	BlockMapWritable   = 0x02
	BlockMapZeroFill   = 0x04
	BlockMapWired      = 0x10
	BlockMapTrackDirty = 0x20
	BlockMapTransient  = 0x40
	BlockMapFlagMask   = 0xFF
	BlockMapIDShift    = 8
)

const (
	blockSize       = 0x1000
	entriesPerBlock = blockSize / 8
)

// blockCacheEntry holds one cached indirect block. Data lives in a frame
// allocated from the arena: the loader heap is fixed-size and small, pages are
// not.
type blockCacheEntry struct {
	block uint64
	phys  uint64
	next  *blockCacheEntry
}

// blockCache is an LRU list in front of the image device. Nothing is ever
// evicted; the number of indirect blocks is bounded by the image.
type blockCache struct {
	disk  platform.BlockDevice
	mem   platform.Memory
	arena *platform.FrameArena
	head  *blockCacheEntry
}

func newBlockCache(disk platform.BlockDevice, mem platform.Memory, arena *platform.FrameArena) *blockCache {
	return &blockCache{disk: disk, mem: mem, arena: arena}
}

// readBlock returns the physical address of the cached copy of the given disk
// block, reading it in on a miss. Recently used blocks move to the list head.
func (c *blockCache) readBlock(block uint64) (uint64, error) {
	prev := &c.head
	for e := c.head; e != nil; e = e.next {
		if e.block == block {
			*prev = e.next
			e.next = c.head
			c.head = e
			return e.phys, nil
		}
		prev = &e.next
	}

	phys, err := c.arena.Alloc(blockSize, platform.PageSize, 0, platform.MemInternal, false)
	if err != nil {
		return 0, fmt.Errorf("%w: allocate block cache page: %v", ErrBoot, err)
	}
	buf := make([]byte, blockSize)
	if _, err := c.disk.ReadAt(buf, int64(block)*blockSize); err != nil {
		return 0, fmt.Errorf("%w: read block %d: %v", ErrBoot, block, err)
	}
	if _, err := c.mem.WriteAt(buf, int64(phys)); err != nil {
		return 0, fmt.Errorf("%w: stash block %d: %v", ErrBoot, block, err)
	}
	c.head = &blockCacheEntry{block: block, phys: phys, next: c.head}
	return phys, nil
}

// entry reads one 64-bit entry out of a cached block.
func (c *blockCache) entry(block, index uint64) (uint64, error) {
	phys, err := c.readBlock(block)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := c.mem.ReadAt(buf[:], int64(phys+index*8)); err != nil {
		return 0, fmt.Errorf("%w: read cached block %d: %v", ErrBoot, block, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// blockMapIndices splits a virtual address into the four 9-bit level indices.
func blockMapIndices(virt uint64) (i4, i3, i2, i1 uint64) {
	i4 = (virt >> 39) & 0x1FF
	i3 = (virt >> 30) & 0x1FF
	i2 = (virt >> 21) & 0x1FF
	i1 = (virt >> 12) & 0x1FF
	return
}

// readInfoForPage resolves a virtual kernel address through the on-disk block
// map. Returns 0 when any level is non-present.
func readInfoForPage(c *blockCache, bml4 uint64, virt uint64) (uint64, error) {
	i4, i3, i2, i1 := blockMapIndices(virt)

	e4, err := c.entry(bml4, i4)
	if err != nil {
		return 0, err
	}
	if e4&BlockMapPresent == 0 {
		return 0, nil
	}
	e3, err := c.entry(e4>>BlockMapIDShift, i3)
	if err != nil {
		return 0, err
	}
	if e3&BlockMapPresent == 0 {
		return 0, nil
	}
	e2, err := c.entry(e3>>BlockMapIDShift, i2)
	if err != nil {
		return 0, err
	}
	if e2&BlockMapPresent == 0 {
		return 0, nil
	}
	return c.entry(e2>>BlockMapIDShift, i1)
}
