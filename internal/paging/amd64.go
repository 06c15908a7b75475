package paging

import "github.com/froggey/kboot/internal/platform"

// x86-64 page-table entry bits.
const (
	amd64Present  = 1 << 0
	amd64Writable = 1 << 1
	amd64PWT      = 1 << 3
	amd64PCD      = 1 << 4
	amd64PageSize = 1 << 7 // 2 MiB mapping when set in a PDE
	amd64AddrMask = 0x000FFFFFFFFFF000
)

// amd64Context is a single-root (CR3) 4-level paging tree.
type amd64Context struct {
	walker
	pml4 uint64
}

func newAMD64(mem platform.Memory, arena *platform.FrameArena, tableType platform.MemoryType) (*amd64Context, error) {
	c := &amd64Context{}
	c.walker = walker{mem: mem, arena: arena, tableType: tableType, ops: c}
	pml4, err := c.allocTable()
	if err != nil {
		return nil, err
	}
	c.pml4 = pml4
	return c, nil
}

func (c *amd64Context) rootFor(virt uint64) uint64 { return c.pml4 }

func (c *amd64Context) tableEntry(phys uint64) uint64 {
	return (phys & amd64AddrMask) | amd64Present | amd64Writable
}

func (c *amd64Context) leafEntry(phys uint64, flags MapFlags, large bool) uint64 {
	e := (phys & amd64AddrMask) | amd64Present
	if flags&MapWritable != 0 {
		e |= amd64Writable
	}
	if flags&MapUncached != 0 {
		e |= amd64PWT | amd64PCD
	}
	if large {
		e |= amd64PageSize
	}
	return e
}

func (c *amd64Context) isPresent(e uint64) bool { return e&amd64Present != 0 }

func (c *amd64Context) isTable(e uint64, level int) bool {
	if level == 2 {
		return e&amd64PageSize == 0
	}
	return true
}

func (c *amd64Context) entryAddr(e uint64) uint64 { return e & amd64AddrMask }

func (c *amd64Context) Map(virt, phys, size uint64, flags MapFlags) error {
	return c.mapRange(virt, phys, size, flags)
}

func (c *amd64Context) Memset(virt uint64, b byte, size uint64) error {
	return c.memRange(virt, size, opSet, b, nil)
}

func (c *amd64Context) CopyTo(virt uint64, src []byte) error {
	return c.memRange(virt, uint64(len(src)), opCopyTo, 0, src)
}

func (c *amd64Context) CopyFrom(dst []byte, virt uint64) error {
	return c.memRange(virt, uint64(len(dst)), opCopyFrom, 0, dst)
}

func (c *amd64Context) IsMapped(virt uint64) bool { return c.isMapped(virt) }

func (c *amd64Context) Translate(virt uint64) (uint64, bool) { return c.translate(virt) }

func (c *amd64Context) Roots() platform.PageTableRoots {
	return platform.PageTableRoots{Low: c.pml4}
}

var _ Context = (*amd64Context)(nil)
