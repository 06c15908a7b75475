package mezzano

import (
	"encoding/binary"

	"github.com/froggey/kboot/internal/fixnum"
)

// Boot-option bits, fixnum-encoded into the boot-info page.
const (
	BootOptionForceReadOnly = 0x01
	BootOptionFreestanding  = 0x02
	BootOptionVideoConsole  = 0x04
	BootOptionNoDetect      = 0x08
	BootOptionNoSMP         = 0x10
)

// Boot-information page offsets, fixed by the protocol. The layout test pins
// every one of these.
const (
	bootInfoUUID            = 0
	bootInfoBuddyBin32      = 16
	bootInfoBuddyBin64      = 336
	bootInfoVideo           = 768
	bootInfoACPIRSDP        = 808
	bootInfoBootOptions     = 816
	bootInfoNMemoryMap      = 824
	bootInfoMemoryMap       = 832
	bootInfoEFISystemTable  = 1344
	bootInfoFDTAddress      = 1352
	bootInfoBlockMapAddress = 1360
)

// composeBootInfo renders the full 4 KiB boot-information page.
func (l *Loader) composeBootInfo() []byte {
	buf := make([]byte, blockSize)
	le := binary.LittleEndian

	copy(buf[bootInfoUUID:], l.header.UUID[:])

	off := bootInfoBuddyBin32
	for _, bin := range l.buddy.bin32 {
		le.PutUint64(buf[off:], bin.firstPage)
		le.PutUint64(buf[off+8:], bin.count)
		off += 16
	}
	off = bootInfoBuddyBin64
	for _, bin := range l.buddy.bin64 {
		le.PutUint64(buf[off:], bin.firstPage)
		le.PutUint64(buf[off+8:], bin.count)
		off += 16
	}

	le.PutUint64(buf[bootInfoVideo:], fixnum.Encode(int64(l.video.framebufferAddr)))
	le.PutUint64(buf[bootInfoVideo+8:], fixnum.Encode(int64(l.video.width)))
	le.PutUint64(buf[bootInfoVideo+16:], fixnum.Encode(int64(l.video.pitch)))
	le.PutUint64(buf[bootInfoVideo+24:], fixnum.Encode(int64(l.video.height)))
	le.PutUint64(buf[bootInfoVideo+32:], fixnum.Encode(int64(l.video.layout)))

	le.PutUint64(buf[bootInfoACPIRSDP:], l.acpiRSDP)

	var options int64
	if l.opts.ForceReadOnly {
		options |= BootOptionForceReadOnly
	}
	if l.opts.Freestanding {
		options |= BootOptionFreestanding
	}
	if l.opts.VideoConsole {
		options |= BootOptionVideoConsole
	}
	if l.opts.NoDetect {
		options |= BootOptionNoDetect
	}
	if l.opts.NoSMP {
		options |= BootOptionNoSMP
	}
	le.PutUint64(buf[bootInfoBootOptions:], fixnum.Encode(options))

	// Memory map entries are raw physical addresses, not fixnums.
	le.PutUint64(buf[bootInfoNMemoryMap:], fixnum.Encode(int64(l.memmap.Len())))
	for i, e := range l.memmap.Entries() {
		le.PutUint64(buf[bootInfoMemoryMap+i*16:], e.Start)
		le.PutUint64(buf[bootInfoMemoryMap+i*16+8:], e.End)
	}

	le.PutUint64(buf[bootInfoEFISystemTable:], l.efiSystemTable)
	le.PutUint64(buf[bootInfoFDTAddress:], l.fdtAddress)
	le.PutUint64(buf[bootInfoBlockMapAddress:], l.blockMapRoot)

	return buf
}
