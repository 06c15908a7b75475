// Package mezzano implements the Mezzano image loader: it validates an
// on-disk image, constructs the kernel's initial memory state (physical map,
// page-info array, wired pages, buddy allocator, boot-information page) and
// hands off to the architecture entry trampoline.
package mezzano

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/froggey/kboot/internal/platform"
)

// Magic is the 16-byte signature at the start of every image.
const Magic = "\x00MezzanineImage\x00"

// Protocol version understood by this loader. Major 0 is the development
// series: the minor must match exactly. Majors above 0 are releases and are
// backwards compatible at the minor level.
const (
	ProtocolMajor = 0
	ProtocolMinor = 23
)

// HeaderSize is how much of the first sector the loader reads.
const HeaderSize = 512

const (
	archX8664 = 1
	archARM64 = 2
)

// Header is the on-disk image header (first 4 KiB sector, little-endian).
type Header struct {
	UUID                [16]byte
	ProtocolMajor       uint16
	ProtocolMinor       uint16
	EntryFref           uint64
	InitialProcess      uint64
	Nil                 uint64
	Architecture        uint8
	InitialStackPointer uint64
	BML4                uint64 // disk block of the block-map root
	FreelistHead        uint64
}

// ParseHeader decodes and validates an image header from the first sector.
func ParseHeader(sector []byte) (*Header, error) {
	if len(sector) < 112 {
		return nil, fmt.Errorf("%w: header truncated (%d bytes)", ErrConfig, len(sector))
	}
	if !bytes.Equal(sector[0:16], []byte(Magic)) {
		return nil, fmt.Errorf("%w: not a Mezzano image, bad magic", ErrConfig)
	}

	le := binary.LittleEndian
	h := &Header{
		ProtocolMajor:       le.Uint16(sector[32:]),
		ProtocolMinor:       le.Uint16(sector[34:]),
		EntryFref:           le.Uint64(sector[40:]),
		InitialProcess:      le.Uint64(sector[48:]),
		Nil:                 le.Uint64(sector[56:]),
		Architecture:        sector[64],
		InitialStackPointer: le.Uint64(sector[72:]),
		BML4:                le.Uint64(sector[96:]),
		FreelistHead:        le.Uint64(sector[104:]),
	}
	copy(h.UUID[:], sector[16:32])

	if err := h.checkProtocol(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) checkProtocol() error {
	if h.ProtocolMajor == 0 && h.ProtocolMinor != ProtocolMinor {
		return fmt.Errorf("%w: unsupported protocol minor %d (development series requires %d)",
			ErrConfig, h.ProtocolMinor, ProtocolMinor)
	}
	if h.ProtocolMajor != 0 && h.ProtocolMinor > ProtocolMinor {
		return fmt.Errorf("%w: unsupported protocol minor %d (loader supports up to %d)",
			ErrConfig, h.ProtocolMinor, ProtocolMinor)
	}
	return nil
}

// Arch maps the header's architecture byte to a platform architecture.
func (h *Header) Arch() (platform.Architecture, error) {
	switch h.Architecture {
	case archX8664:
		return platform.ArchX86_64, nil
	case archARM64:
		return platform.ArchARM64, nil
	default:
		return platform.ArchInvalid, fmt.Errorf("%w: unknown architecture %d", ErrConfig, h.Architecture)
	}
}

// UUIDString renders the image UUID in canonical 8-4-4-4-12 form.
func (h *Header) UUIDString() string {
	u := h.UUID
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		u[0], u[1], u[2], u[3], u[4], u[5], u[6], u[7],
		u[8], u[9], u[10], u[11], u[12], u[13], u[14], u[15])
}

// ParseUUID accepts the canonical dashed form or 32 raw hex digits.
func ParseUUID(s string) ([16]byte, error) {
	var out [16]byte
	var digits []byte
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			continue
		}
		digits = append(digits, s[i])
	}
	if len(digits) != 32 {
		return out, fmt.Errorf("%w: malformed UUID %q", ErrConfig, s)
	}
	for i := 0; i < 16; i++ {
		hi, ok1 := hexVal(digits[i*2])
		lo, ok2 := hexVal(digits[i*2+1])
		if !ok1 || !ok2 {
			return out, fmt.Errorf("%w: malformed UUID %q", ErrConfig, s)
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
