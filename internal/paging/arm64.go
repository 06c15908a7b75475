package paging

import "github.com/froggey/kboot/internal/platform"

// arm64 translation-table entry bits (4 KiB granule).
const (
	arm64Valid    = 1 << 0
	arm64Table    = 1 << 1 // levels 0-2: next-level table; level 3: page
	arm64AF       = 1 << 10
	arm64SHInner  = 3 << 8
	arm64APRO     = 2 << 6 // read-only at EL1
	arm64AttrDev  = 1 << 2 // MAIR index 1: device-nGnRnE
	arm64AddrMask = 0x0000FFFFFFFFF000
)

// arm64Context is a TTBR0/TTBR1 pair; the high bit of the virtual address
// selects the root.
type arm64Context struct {
	walker
	ttbr0 uint64
	ttbr1 uint64
}

func newARM64(mem platform.Memory, arena *platform.FrameArena, tableType platform.MemoryType) (*arm64Context, error) {
	c := &arm64Context{}
	c.walker = walker{mem: mem, arena: arena, tableType: tableType, ops: c}
	var err error
	if c.ttbr0, err = c.allocTable(); err != nil {
		return nil, err
	}
	if c.ttbr1, err = c.allocTable(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *arm64Context) rootFor(virt uint64) uint64 {
	if virt&(1<<63) != 0 {
		return c.ttbr1
	}
	return c.ttbr0
}

func (c *arm64Context) tableEntry(phys uint64) uint64 {
	return (phys & arm64AddrMask) | arm64Valid | arm64Table
}

func (c *arm64Context) leafEntry(phys uint64, flags MapFlags, large bool) uint64 {
	e := (phys & arm64AddrMask) | arm64Valid | arm64AF | arm64SHInner
	if !large {
		// Level-3 page descriptors set the table bit.
		e |= arm64Table
	}
	if flags&MapWritable == 0 {
		e |= arm64APRO
	}
	if flags&MapUncached != 0 {
		e |= arm64AttrDev
	}
	return e
}

func (c *arm64Context) isPresent(e uint64) bool { return e&arm64Valid != 0 }

func (c *arm64Context) isTable(e uint64, level int) bool {
	if level == 1 {
		return false
	}
	return e&arm64Table != 0
}

func (c *arm64Context) entryAddr(e uint64) uint64 { return e & arm64AddrMask }

func (c *arm64Context) Map(virt, phys, size uint64, flags MapFlags) error {
	return c.mapRange(virt, phys, size, flags)
}

func (c *arm64Context) Memset(virt uint64, b byte, size uint64) error {
	return c.memRange(virt, size, opSet, b, nil)
}

func (c *arm64Context) CopyTo(virt uint64, src []byte) error {
	return c.memRange(virt, uint64(len(src)), opCopyTo, 0, src)
}

func (c *arm64Context) CopyFrom(dst []byte, virt uint64) error {
	return c.memRange(virt, uint64(len(dst)), opCopyFrom, 0, dst)
}

func (c *arm64Context) IsMapped(virt uint64) bool { return c.isMapped(virt) }

func (c *arm64Context) Translate(virt uint64) (uint64, bool) { return c.translate(virt) }

func (c *arm64Context) Roots() platform.PageTableRoots {
	return platform.PageTableRoots{Low: c.ttbr0, High: c.ttbr1}
}

var _ Context = (*arm64Context)(nil)
