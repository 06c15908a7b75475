package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/froggey/kboot/internal/platform"
)

// archOps is the per-architecture entry encoding. Levels are numbered 4 (top)
// down to 1 (page table).
type archOps interface {
	// rootFor returns the physical address of the top-level table covering
	// virt.
	rootFor(virt uint64) uint64
	// tableEntry encodes an entry pointing at a next-level table at phys.
	tableEntry(phys uint64) uint64
	// leafEntry encodes a page (level 1) or 2 MiB block (level 2) mapping.
	leafEntry(phys uint64, flags MapFlags, large bool) uint64
	// isPresent reports whether the entry maps or points at anything.
	isPresent(e uint64) bool
	// isTable reports whether a present entry at the given level points at
	// a next-level table rather than mapping a block.
	isTable(e uint64, level int) bool
	// entryAddr extracts the physical address from an entry.
	entryAddr(e uint64) uint64
}

// walker owns the shared 4-level radix mechanics of a paging context.
type walker struct {
	mem       platform.Memory
	arena     *platform.FrameArena
	tableType platform.MemoryType
	ops       archOps
}

func index(virt uint64, level int) uint64 {
	return (virt >> (12 + 9*uint(level-1))) & 0x1FF
}

func (w *walker) readEntry(table uint64, idx uint64) (uint64, error) {
	var buf [8]byte
	if _, err := w.mem.ReadAt(buf[:], int64(table+idx*8)); err != nil {
		return 0, fmt.Errorf("paging: read entry %#x[%d]: %w", table, idx, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (w *walker) writeEntry(table uint64, idx uint64, e uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], e)
	if _, err := w.mem.WriteAt(buf[:], int64(table+idx*8)); err != nil {
		return fmt.Errorf("paging: write entry %#x[%d]: %w", table, idx, err)
	}
	return nil
}

// allocTable allocates and zeroes one table frame. Tables are allocated high
// to stay clear of fixed kernel load locations.
func (w *walker) allocTable() (uint64, error) {
	phys, err := w.arena.Alloc(platform.PageSize, platform.PageSize, 0, w.tableType, true)
	if err != nil {
		return 0, fmt.Errorf("paging: allocate table: %w", err)
	}
	zero := make([]byte, platform.PageSize)
	if _, err := w.mem.WriteAt(zero, int64(phys)); err != nil {
		return 0, fmt.Errorf("paging: zero table %#x: %w", phys, err)
	}
	return phys, nil
}

// descend walks from the top-level table down to the table at toLevel,
// allocating missing intermediate tables when alloc is set. Returns the
// physical address of the toLevel table, or ok=false if the path is absent
// (or is interrupted by a block mapping) and alloc is unset.
func (w *walker) descend(virt uint64, toLevel int, alloc bool) (uint64, bool, error) {
	table := w.ops.rootFor(virt)
	for level := 4; level > toLevel; level-- {
		idx := index(virt, level)
		e, err := w.readEntry(table, idx)
		if err != nil {
			return 0, false, err
		}
		switch {
		case !w.ops.isPresent(e):
			if !alloc {
				return 0, false, nil
			}
			next, err := w.allocTable()
			if err != nil {
				return 0, false, err
			}
			if err := w.writeEntry(table, idx, w.ops.tableEntry(next)); err != nil {
				return 0, false, err
			}
			table = next
		case !w.ops.isTable(e, level):
			// A block mapping already covers this range.
			return 0, false, nil
		default:
			table = w.ops.entryAddr(e)
		}
	}
	return table, true, nil
}

func (w *walker) mapSmall(virt, phys uint64, flags MapFlags) error {
	pt, ok, err := w.descend(virt, 1, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("paging: %#x already covered by a block mapping", virt)
	}
	return w.writeEntry(pt, index(virt, 1), w.ops.leafEntry(phys, flags, false))
}

func (w *walker) mapLarge(virt, phys uint64, flags MapFlags) error {
	pd, ok, err := w.descend(virt, 2, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("paging: %#x already covered by a block mapping", virt)
	}
	return w.writeEntry(pd, index(virt, 2), w.ops.leafEntry(phys, flags, true))
}

// mapRange implements Context.Map over the shared walker.
func (w *walker) mapRange(virt, phys, size uint64, flags MapFlags) error {
	if virt%platform.PageSize != 0 || phys%platform.PageSize != 0 || size%platform.PageSize != 0 {
		return fmt.Errorf("paging: unaligned mapping %#x -> %#x + %#x", virt, phys, size)
	}
	if !canonical(virt, size) {
		return ErrNotCanonical
	}

	// Use 2 MiB pages where possible: align up to a large-page boundary with
	// small pages, map whole large pages, then finish with small pages. If
	// virt and phys sit at different large-page offsets no large pages can
	// be used at all.
	if virt%platform.LargePageSize == phys%platform.LargePageSize {
		for virt%platform.LargePageSize != 0 && size > 0 {
			if err := w.mapSmall(virt, phys, flags); err != nil {
				return err
			}
			virt += platform.PageSize
			phys += platform.PageSize
			size -= platform.PageSize
		}
		for size >= platform.LargePageSize {
			if err := w.mapLarge(virt, phys, flags); err != nil {
				return err
			}
			virt += platform.LargePageSize
			phys += platform.LargePageSize
			size -= platform.LargePageSize
		}
	}

	for size > 0 {
		if err := w.mapSmall(virt, phys, flags); err != nil {
			return err
		}
		virt += platform.PageSize
		phys += platform.PageSize
		size -= platform.PageSize
	}
	return nil
}

// resolve translates virt and reports how many contiguous bytes remain inside
// the mapping that covers it.
func (w *walker) resolve(virt uint64) (phys uint64, run uint64, ok bool, err error) {
	pd, ok, err := w.descend(virt, 2, false)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	e, err := w.readEntry(pd, index(virt, 2))
	if err != nil {
		return 0, 0, false, err
	}
	if !w.ops.isPresent(e) {
		return 0, 0, false, nil
	}
	if !w.ops.isTable(e, 2) {
		off := virt % platform.LargePageSize
		return w.ops.entryAddr(e) + off, platform.LargePageSize - off, true, nil
	}
	pt := w.ops.entryAddr(e)
	e, err = w.readEntry(pt, index(virt, 1))
	if err != nil {
		return 0, 0, false, err
	}
	if !w.ops.isPresent(e) {
		return 0, 0, false, nil
	}
	off := virt % platform.PageSize
	return w.ops.entryAddr(e) + off, platform.PageSize - off, true, nil
}

type memOp int

const (
	opSet memOp = iota
	opCopyTo
	opCopyFrom
)

// memRange performs a set/copy operation against the context's address space,
// honouring large-page mappings.
func (w *walker) memRange(virt uint64, size uint64, op memOp, b byte, buf []byte) error {
	if !canonical(virt, size) {
		return ErrNotCanonical
	}
	off := 0
	for size > 0 {
		phys, run, ok, err := w.resolve(virt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %#x", ErrNotMapped, virt)
		}
		if run > size {
			run = size
		}
		switch op {
		case opSet:
			chunk := make([]byte, run)
			if b != 0 {
				for i := range chunk {
					chunk[i] = b
				}
			}
			if _, err := w.mem.WriteAt(chunk, int64(phys)); err != nil {
				return fmt.Errorf("paging: memset at %#x: %w", virt, err)
			}
		case opCopyTo:
			if _, err := w.mem.WriteAt(buf[off:off+int(run)], int64(phys)); err != nil {
				return fmt.Errorf("paging: copy to %#x: %w", virt, err)
			}
		case opCopyFrom:
			if _, err := w.mem.ReadAt(buf[off:off+int(run)], int64(phys)); err != nil {
				return fmt.Errorf("paging: copy from %#x: %w", virt, err)
			}
		}
		off += int(run)
		virt += run
		size -= run
	}
	return nil
}

func (w *walker) isMapped(virt uint64) bool {
	if !canonical(virt, platform.PageSize) {
		return false
	}
	_, _, ok, err := w.resolve(virt)
	return err == nil && ok
}

func (w *walker) translate(virt uint64) (uint64, bool) {
	if !canonical(virt, 1) {
		return 0, false
	}
	phys, _, ok, err := w.resolve(virt)
	if err != nil || !ok {
		return 0, false
	}
	return phys, true
}
