//go:build unix

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/froggey/kboot/internal/platform"
	"github.com/froggey/kboot/internal/platform/sim"
)

// openImage memory-maps an image file read-only. Block reads become plain
// slice copies, which matters for large images walked block by block.
func openImage(name, path string) (platform.BlockDevice, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if st.Size() == 0 {
		return nil, nil, fmt.Errorf("image %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	dev := &sim.MemoryDevice{DeviceName: name, Data: data}
	closer := func() { _ = unix.Munmap(data) }
	return dev, closer, nil
}
