package mezzano

import (
	"encoding/binary"
	"fmt"

	"github.com/froggey/kboot/internal/fixnum"
	"github.com/froggey/kboot/internal/paging"
	"github.com/froggey/kboot/internal/platform"
)

// Fixed kernel virtual layout.
const (
	// PhysMapBase is the 512 GiB window that linearly mirrors physical
	// memory.
	PhysMapBase = 0xFFFF_8000_0000_0000
	// PhysMapSize bounds the window; RAM above it is discarded.
	PhysMapSize = 0x80_0000_0000
	// PageInfoBase is where the per-frame metadata array lives.
	PageInfoBase = 0xFFFF_8080_0000_0000
)

// PageType is the low byte of the decoded page-info flags word.
type PageType uint8

const (
	PageTypeOther PageType = iota
	PageTypeFree
	PageTypeWired
	PageTypeWiredBacking
	PageTypeActive
	PageTypeActiveWriteback
	PageTypeInactiveWriteback
	PageTypePageTable
)

// Page-info entry layout: four fixnum-encoded u64 fields.
const (
	pageInfoSize     = 32
	pageInfoFlagsOff = 0
	pageInfoExtraOff = 8
	pageInfoNextOff  = 16
	pageInfoPrevOff  = 24
)

// infoFieldAddr returns the kernel virtual address of one field of the
// page-info entry for the frame at phys.
func infoFieldAddr(phys uint64, field uint64) uint64 {
	return PageInfoBase + (phys/platform.PageSize)*pageInfoSize + field
}

// pageInfo reads and writes per-frame metadata through the kernel paging
// context; the info array is only mapped in the kernel's page tables, never in
// the loader's own address space.
type pageInfo struct {
	ctx paging.Context
}

func (p pageInfo) read(phys, field uint64) (uint64, error) {
	var buf [8]byte
	if err := p.ctx.CopyFrom(buf[:], infoFieldAddr(phys, field)); err != nil {
		return 0, fmt.Errorf("page info for frame %#x: %w", phys, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (p pageInfo) write(phys, field, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if err := p.ctx.CopyTo(infoFieldAddr(phys, field), buf[:]); err != nil {
		return fmt.Errorf("page info for frame %#x: %w", phys, err)
	}
	return nil
}

func (p pageInfo) flags(phys uint64) (uint64, error) { return p.read(phys, pageInfoFlagsOff) }

func (p pageInfo) setFlags(phys, value uint64) error { return p.write(phys, pageInfoFlagsOff, value) }

func (p pageInfo) pageType(phys uint64) (PageType, error) {
	flags, err := p.flags(phys)
	if err != nil {
		return 0, err
	}
	return PageType(fixnum.Decode(flags) & 0xFF), nil
}

func (p pageInfo) setPageType(phys uint64, t PageType) error {
	flags, err := p.flags(phys)
	if err != nil {
		return err
	}
	v := fixnum.Decode(flags)
	v &^= 0xFF
	v |= int64(t)
	return p.setFlags(phys, fixnum.Encode(v))
}

func (p pageInfo) bin(phys uint64) (uint8, error) {
	flags, err := p.flags(phys)
	if err != nil {
		return 0, err
	}
	return uint8(fixnum.Decode(flags) >> 8 & 0xFF), nil
}

func (p pageInfo) setBin(phys uint64, bin uint8) error {
	flags, err := p.flags(phys)
	if err != nil {
		return err
	}
	v := fixnum.Decode(flags)
	v &^= 0xFF << 8
	v |= int64(bin) << 8
	return p.setFlags(phys, fixnum.Encode(v))
}

func (p pageInfo) setExtra(phys, value uint64) error { return p.write(phys, pageInfoExtraOff, value) }

func (p pageInfo) next(phys uint64) (uint64, error) { return p.read(phys, pageInfoNextOff) }

func (p pageInfo) setNext(phys, value uint64) error { return p.write(phys, pageInfoNextOff, value) }

func (p pageInfo) prev(phys uint64) (uint64, error) { return p.read(phys, pageInfoPrevOff) }

func (p pageInfo) setPrev(phys, value uint64) error { return p.write(phys, pageInfoPrevOff, value) }
