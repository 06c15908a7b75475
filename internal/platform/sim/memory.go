package sim

import (
	"fmt"

	"github.com/froggey/kboot/internal/platform"
)

// SparseMemory models a 64-bit physical address space with copy-on-write
// pages. Untouched memory reads as zero; writes consisting entirely of zeroes
// to untouched pages are elided, which keeps multi-hundred-GiB firmware maps
// cheap to simulate.
type SparseMemory struct {
	pages map[uint64]*[platform.PageSize]byte
}

func NewSparseMemory() *SparseMemory {
	return &SparseMemory{pages: make(map[uint64]*[platform.PageSize]byte)}
}

func (m *SparseMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sim: negative physical address %d", off)
	}
	addr := uint64(off)
	done := 0
	for done < len(p) {
		pageNo := (addr + uint64(done)) / platform.PageSize
		pageOff := (addr + uint64(done)) % platform.PageSize
		n := platform.PageSize - int(pageOff)
		if rem := len(p) - done; n > rem {
			n = rem
		}
		if page, ok := m.pages[pageNo]; ok {
			copy(p[done:done+n], page[pageOff:])
		} else {
			for i := done; i < done+n; i++ {
				p[i] = 0
			}
		}
		done += n
	}
	return done, nil
}

func (m *SparseMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sim: negative physical address %d", off)
	}
	addr := uint64(off)
	done := 0
	for done < len(p) {
		pageNo := (addr + uint64(done)) / platform.PageSize
		pageOff := (addr + uint64(done)) % platform.PageSize
		n := platform.PageSize - int(pageOff)
		if rem := len(p) - done; n > rem {
			n = rem
		}
		chunk := p[done : done+n]
		page, ok := m.pages[pageNo]
		if !ok {
			if allZero(chunk) {
				done += n
				continue
			}
			page = new([platform.PageSize]byte)
			m.pages[pageNo] = page
		}
		copy(page[pageOff:], chunk)
		done += n
	}
	return done, nil
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

var _ platform.Memory = (*SparseMemory)(nil)
