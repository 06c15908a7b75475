// Package paging builds 4-level page tables for the kernel address space in
// physical memory that is still owned by the loader. A Context is an
// under-construction paging tree; mappings are written through the platform
// memory interface and intermediate table frames come from the frame arena.
//
// The architecture split (single CR3 root on x86-64, TTBR0/TTBR1 pair on
// arm64) is hidden behind the Context interface; the table-walking mechanics
// are shared.
package paging

import (
	"errors"

	"github.com/froggey/kboot/internal/platform"
)

var (
	ErrNotCanonical = errors.New("paging: address not canonical")
	ErrNotMapped    = errors.New("paging: address not mapped")
)

// MapFlags control the attributes of a mapping.
type MapFlags uint32

const (
	// MapWritable sets the write-permission bit. Mappings without it are
	// read-only, which is how dirty-tracked pages start out.
	MapWritable MapFlags = 1 << iota
	// MapUncached requests device/uncached memory attributes, used for
	// low-address MMIO windows on embedded platforms.
	MapUncached
)

// Context is an under-construction paging tree.
type Context interface {
	// Map maps [virt, virt+size) to [phys, phys+size). All three must be
	// page-aligned and virt must lie in a canonical range. 2 MiB pages are
	// used where virt and phys share their large-page offset.
	Map(virt, phys, size uint64, flags MapFlags) error

	// Memset writes size copies of b at virt in the context's address
	// space. Fails with ErrNotMapped if any page in the range is unmapped.
	Memset(virt uint64, b byte, size uint64) error
	// CopyTo copies src into the context's address space at virt.
	CopyTo(virt uint64, src []byte) error
	// CopyFrom copies len(dst) bytes out of the context's address space.
	CopyFrom(dst []byte, virt uint64) error

	// IsMapped reports whether virt translates to a physical address.
	IsMapped(virt uint64) bool
	// Translate resolves virt to a physical address.
	Translate(virt uint64) (uint64, bool)

	Roots() platform.PageTableRoots
}

// New creates an empty paging context for the given architecture. Table frames
// are allocated from arena with the given memory type, so the kernel context
// uses MemPagetables and transition contexts use MemInternal.
func New(arch platform.Architecture, mem platform.Memory, arena *platform.FrameArena, tableType platform.MemoryType) (Context, error) {
	switch arch {
	case platform.ArchX86_64:
		return newAMD64(mem, arena, tableType)
	case platform.ArchARM64:
		return newARM64(mem, arena, tableType)
	default:
		return nil, errors.New("paging: unsupported architecture " + string(arch))
	}
}

// canonical reports whether [virt, virt+size) lies entirely inside one of the
// canonical halves of the 48-bit address space.
func canonical(virt, size uint64) bool {
	const half = uint64(1) << 47
	end := virt + size
	if end < virt {
		return false
	}
	if virt < half {
		return end <= half
	}
	const highBase = ^uint64(0) - (half - 1) // 0xFFFF8000_00000000
	return virt >= highBase
}
