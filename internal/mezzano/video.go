package mezzano

import (
	"fmt"
	"log/slog"

	"github.com/froggey/kboot/internal/platform"
)

// Framebuffer layouts understood by the current boot protocol. Layouts beyond
// these will be supported in later protocols.
const (
	framebufferLayoutX8R8G8B8 = 1 // 32-bit XRGB
	framebufferLayoutX0R8G8B8 = 5 // 24-bit RGB
)

// videoInfo is the boot-info video descriptor, all fields fixnum-encoded when
// written.
type videoInfo struct {
	framebufferAddr uint64
	width           uint64
	pitch           uint64
	height          uint64
	layout          uint64
}

// determineModeLayout maps a linear-framebuffer mode to a protocol layout id,
// or 0 when the channel arrangement is not supported.
func determineModeLayout(mode platform.VideoMode) uint64 {
	rgbPositions := mode.RedSize == 8 && mode.RedPos == 16 &&
		mode.GreenSize == 8 && mode.GreenPos == 8 &&
		mode.BlueSize == 8 && mode.BluePos == 0
	switch mode.BPP {
	case 32:
		if rgbPositions {
			return framebufferLayoutX8R8G8B8
		}
	case 24:
		if rgbPositions {
			return framebufferLayoutX0R8G8B8
		}
	}
	return 0
}

// setVideoMode asks the platform for its selected mode and fills the video
// descriptor. An unsupported mode is fatal: the loader is already committed.
func (l *Loader) setVideoMode() error {
	mode, ok := l.machine.Video().SelectMode()
	if !ok {
		return fmt.Errorf("%w: unable to find a supported video mode", ErrBoot)
	}
	layout := determineModeLayout(mode)
	if layout == 0 {
		return fmt.Errorf("%w: selected video mode is not supported: %d bpp r%d-%d g%d-%d b%d-%d",
			ErrBoot, mode.BPP,
			mode.RedSize, mode.RedPos, mode.GreenSize, mode.GreenPos, mode.BlueSize, mode.BluePos)
	}

	slog.Debug("mezzano: video mode",
		"width", mode.Width, "height", mode.Height, "layout", layout,
		"pitch", mode.Pitch, "framebuffer", fmt.Sprintf("%#x", mode.FramebufferAddr))

	l.video = videoInfo{
		framebufferAddr: mode.FramebufferAddr,
		width:           mode.Width,
		pitch:           mode.Pitch,
		height:          mode.Height,
		layout:          layout,
	}
	return nil
}
