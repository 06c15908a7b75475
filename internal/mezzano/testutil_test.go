package mezzano

import (
	"encoding/binary"
	"testing"

	"github.com/froggey/kboot/internal/paging"
	"github.com/froggey/kboot/internal/platform"
	"github.com/froggey/kboot/internal/platform/sim"
)

const testNil = 0x201 // any non-fixnum word works as the list sentinel

func testConfig() *sim.Config {
	return &sim.Config{
		Arch: "x86_64",
		RAM:  []sim.RegionConfig{{Start: 0, Size: 0x10000000}}, // 256 MiB
		Video: []sim.ModeConfig{{
			FramebufferAddr: 0xE0000000,
			Width:           1024,
			Height:          768,
			Pitch:           4096,
			BPP:             32,
		}},
		ACPIRSDP: 0xE4000,
	}
}

func testMachine(t *testing.T, cfg *sim.Config) *sim.Machine {
	t.Helper()
	m, err := sim.NewMachine(cfg)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

// testEnv builds a kernel paging context with a mapped page-info array
// covering the machine's RAM, for components that need one outside a full
// load.
func testEnv(t *testing.T, cfg *sim.Config) (*sim.Machine, paging.Context, *MemoryMap) {
	t.Helper()
	machine := testMachine(t, cfg)
	ctx, err := paging.New(machine.Architecture(), machine.Memory(), machine.Arena(), platform.MemPagetables)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	mm := &MemoryMap{}
	if err := generateMemoryMap(machine, ctx, mm); err != nil {
		t.Fatalf("generate memory map: %v", err)
	}
	return machine, ctx, mm
}

// imageBuilder assembles a synthetic Mezzano image: a header plus a sparse
// 4-level block map, one 4 KiB block per id.
type imageBuilder struct {
	blocks    map[uint64][]byte
	nextBlock uint64
	bml4      uint64
	uuid      [16]byte
	major     uint16
	minor     uint16
	arch      uint8
}

func newImageBuilder() *imageBuilder {
	b := &imageBuilder{
		blocks:    make(map[uint64][]byte),
		nextBlock: 1, // block 0 is the header
		major:     ProtocolMajor,
		minor:     ProtocolMinor,
		arch:      archX8664,
	}
	for i := range b.uuid {
		b.uuid[i] = byte(0xA0 + i)
	}
	b.bml4 = b.allocBlock()
	return b
}

func (b *imageBuilder) allocBlock() uint64 {
	id := b.nextBlock
	b.nextBlock++
	b.blocks[id] = make([]byte, blockSize)
	return id
}

func (b *imageBuilder) entryAt(block, index uint64) uint64 {
	return binary.LittleEndian.Uint64(b.blocks[block][index*8:])
}

func (b *imageBuilder) setEntry(block, index, value uint64) {
	binary.LittleEndian.PutUint64(b.blocks[block][index*8:], value)
}

// addPage inserts one page at virt with the given block-map flags. The data
// block is filled with a recognisable pattern and its id returned; zero-fill
// pages get no data block content.
func (b *imageBuilder) addPage(virt uint64, flags uint64) uint64 {
	i4, i3, i2, i1 := blockMapIndices(virt)
	table := b.bml4
	for _, idx := range []uint64{i4, i3, i2} {
		e := b.entryAt(table, idx)
		if e&BlockMapPresent == 0 {
			child := b.allocBlock()
			b.setEntry(table, idx, child<<BlockMapIDShift|BlockMapPresent)
			table = child
		} else {
			table = e >> BlockMapIDShift
		}
	}
	data := b.allocBlock()
	if flags&BlockMapZeroFill == 0 {
		blk := b.blocks[data]
		for i := range blk {
			blk[i] = byte(data) ^ byte(i)
		}
	}
	b.setEntry(table, i1, data<<BlockMapIDShift|(flags&BlockMapFlagMask))
	return data
}

// build assembles the device image.
func (b *imageBuilder) build() []byte {
	img := make([]byte, b.nextBlock*blockSize)
	copy(img, Magic)
	copy(img[16:], b.uuid[:])
	le := binary.LittleEndian
	le.PutUint16(img[32:], b.major)
	le.PutUint16(img[34:], b.minor)
	le.PutUint64(img[40:], 0x8000001000) // entry fref
	le.PutUint64(img[48:], 0x8000002000) // initial process
	le.PutUint64(img[56:], testNil)
	img[64] = b.arch
	le.PutUint64(img[72:], 0xFFFF_8100_0800_0000) // initial stack pointer
	le.PutUint64(img[96:], b.bml4)
	for id, blk := range b.blocks {
		copy(img[id*blockSize:], blk)
	}
	return img
}

func (b *imageBuilder) device(name string) *sim.MemoryDevice {
	return &sim.MemoryDevice{DeviceName: name, Data: b.build()}
}

// checkBuddyInvariant walks every bin list and verifies the page-info of each
// listed run, returning the total bytes threaded through the allocator.
func checkBuddyInvariant(t *testing.T, b *buddyAllocator) uint64 {
	t.Helper()
	var total uint64
	check := func(bins []buddyBin) {
		for k := range bins {
			var walked int64
			current := bins[k].firstPage
			for current != b.nil_ {
				if current&1 != 0 {
					t.Fatalf("bin %d: first/next is not a fixnum: %#x", k, current)
				}
				page := pageFromFixnum(current)
				pt, err := b.info.pageType(page)
				if err != nil {
					t.Fatalf("bin %d: page type of %#x: %v", k, page, err)
				}
				if pt != PageTypeFree {
					t.Fatalf("bin %d: page %#x has type %d, want free", k, page, pt)
				}
				bin, err := b.info.bin(page)
				if err != nil {
					t.Fatalf("bin %d: bin of %#x: %v", k, page, err)
				}
				if int(bin) != k {
					t.Fatalf("bin %d: page %#x claims bin %d", k, page, bin)
				}
				walked++
				total += uint64(1) << (uint(k) + 12)
				next, err := b.info.next(page)
				if err != nil {
					t.Fatalf("bin %d: next of %#x: %v", k, page, err)
				}
				current = next
			}
			if count := decodeCount(bins[k].count); count != walked {
				t.Fatalf("bin %d: count %d but %d entries on the list", k, count, walked)
			}
		}
	}
	check(b.bin32[:])
	check(b.bin64[:])
	return total
}

func pageFromFixnum(f uint64) uint64 {
	return uint64(int64(f)>>1) * platform.PageSize
}

func decodeCount(f uint64) int64 {
	return int64(f) >> 1
}
