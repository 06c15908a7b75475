//go:build !unix

package main

import (
	"os"

	"github.com/froggey/kboot/internal/platform"
)

type fileDevice struct {
	name string
	f    *os.File
}

func (d *fileDevice) Name() string { return d.name }

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

func openImage(name, path string) (platform.BlockDevice, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	dev := &fileDevice{name: name, f: f}
	return dev, func() { _ = f.Close() }, nil
}
