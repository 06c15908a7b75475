package mezzano

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/froggey/kboot/internal/fixnum"
	"github.com/froggey/kboot/internal/paging"
	"github.com/froggey/kboot/internal/platform"
)

// minimumMemory is the installed-RAM floor checked before anything is
// committed. Undersized machines fail the command instead of halting halfway
// through the load.
const minimumMemory = 500 * 1024 * 1024

// Options are the flag tokens of the mezzano command.
type Options struct {
	ForceReadOnly   bool
	Freestanding    bool
	VideoConsole    bool
	NoDetect        bool
	NoSMP           bool
	SkipMemoryCheck bool
	Verbose         bool
}

// ParseArgs splits a mezzano command line into the image path and options.
func ParseArgs(args []string) (string, Options, error) {
	var opts Options
	var path string
	for _, tok := range args {
		switch tok {
		case "read-only":
			opts.ForceReadOnly = true
		case "freestanding":
			opts.Freestanding = true
		case "video-console":
			opts.VideoConsole = true
		case "no-detect":
			opts.NoDetect = true
		case "no-smp":
			opts.NoSMP = true
		case "i-promise-i-have-enough-memory":
			opts.SkipMemoryCheck = true
		case "verbose":
			opts.Verbose = true
		default:
			if path != "" {
				return "", opts, fmt.Errorf("%w: unknown option %q", ErrConfig, tok)
			}
			path = tok
		}
	}
	if path == "" {
		return "", opts, fmt.Errorf("%w: missing image path", ErrConfig)
	}
	return path, opts, nil
}

// Loader carries the state of one mezzano command from validation to the
// entry trampoline.
type Loader struct {
	machine platform.Machine
	mem     platform.Memory
	arena   *platform.FrameArena
	disk    platform.BlockDevice
	header  *Header
	opts    Options

	kernelCtx paging.Context
	cache     *blockCache
	memmap    MemoryMap
	buddy     *buddyAllocator
	video     videoInfo

	acpiRSDP       uint64
	efiSystemTable uint64
	fdtAddress     uint64

	blockMapRoot uint64
	bootInfoPhys uint64
	pageCount    uint64
	pagesLoaded  uint64

	// OnProgress, when set, is called after each loaded page.
	OnProgress func(loaded, total uint64)
}

// Command is stage 1 of the mezzano command: resolve the image, validate its
// header and check the machine is big enough. Every failure here wraps
// ErrConfig; nothing has been committed and the shell just reports false.
func Command(machine platform.Machine, args []string) (*Loader, error) {
	path, opts, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}

	l := &Loader{
		machine: machine,
		mem:     machine.Memory(),
		arena:   machine.Arena(),
		opts:    opts,
	}

	if err := l.resolveImage(path); err != nil {
		return nil, err
	}

	imgArch, err := l.header.Arch()
	if err != nil {
		return nil, err
	}
	if imgArch != machine.Architecture() {
		return nil, fmt.Errorf("%w: image is for %s but machine is %s",
			ErrConfig, imgArch, machine.Architecture())
	}

	if !opts.SkipMemoryCheck {
		var total uint64
		for _, desc := range machine.FirmwareMap() {
			if desc.RAM {
				total += desc.Length
			}
		}
		if total < minimumMemory {
			return nil, fmt.Errorf("%w: %d MiB of memory installed, 500 MiB required",
				ErrConfig, total/(1024*1024))
		}
	}

	slog.Info("mezzano: loading image",
		"uuid", l.header.UUIDString(),
		"device", l.disk.Name(),
		"protocol", fmt.Sprintf("%d.%d", l.header.ProtocolMajor, l.header.ProtocolMinor))
	slog.Debug("mezzano: image entry",
		"entry_fref", fmt.Sprintf("%#x", l.header.EntryFref),
		"initial_process", fmt.Sprintf("%#x", l.header.InitialProcess))

	return l, nil
}

// resolveImage opens the image device, either by name or by scanning every
// device for a matching header UUID ("uuid:..." paths).
func (l *Loader) resolveImage(path string) error {
	if uuidStr, ok := strings.CutPrefix(path, "uuid:"); ok {
		want, err := ParseUUID(uuidStr)
		if err != nil {
			return err
		}
		for _, dev := range l.machine.Devices() {
			h, err := readHeader(dev)
			if err != nil {
				continue
			}
			if bytes.Equal(h.UUID[:], want[:]) {
				l.disk = dev
				l.header = h
				return nil
			}
		}
		return fmt.Errorf("%w: no device carries image %s", ErrConfig, uuidStr)
	}

	dev, ok := l.machine.LookupDevice(path)
	if !ok {
		return fmt.Errorf("%w: unknown device %q", ErrConfig, path)
	}
	h, err := readHeader(dev)
	if err != nil {
		return err
	}
	l.disk = dev
	l.header = h
	return nil
}

func readHeader(dev platform.BlockDevice) (*Header, error) {
	sector := make([]byte, HeaderSize)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		return nil, fmt.Errorf("%w: unable to read header from %s: %v", ErrConfig, dev.Name(), err)
	}
	return ParseHeader(sector)
}

// Load is stage 2: it constructs the kernel's entire initial memory state and
// hands off through the trampoline. Once this starts the allocator pool is
// being consumed; failures wrap ErrBoot and on real hardware halt the machine.
func (l *Loader) Load() error {
	arch := l.machine.Architecture()
	ctx, err := paging.New(arch, l.mem, l.arena, platform.MemPagetables)
	if err != nil {
		return fmt.Errorf("%w: create kernel context: %v", ErrBoot, err)
	}
	l.kernelCtx = ctx

	bootInfoPhys, err := l.arena.Alloc(platform.PageSize, platform.PageSize, 0x100000, platform.MemAllocated, false)
	if err != nil {
		return fmt.Errorf("%w: allocate boot info page: %v", ErrBoot, err)
	}
	l.bootInfoPhys = bootInfoPhys

	if err := generateMemoryMap(l.machine, l.kernelCtx, &l.memmap); err != nil {
		return err
	}

	l.cache = newBlockCache(l.disk, l.mem, l.arena)
	root, err := l.materializeBlockMap()
	if err != nil {
		return err
	}
	l.blockMapRoot = root
	slog.Debug("mezzano: block map materialised",
		"root", fmt.Sprintf("%#x", root), "pages", l.pageCount)

	if err := l.loadWiredPages(); err != nil {
		return err
	}
	slog.Debug("mezzano: pages loaded", "count", l.pagesLoaded)

	if !l.opts.NoDetect {
		l.acpiRSDP = l.machine.ACPIRSDP()
	}
	l.efiSystemTable = l.machine.EFISystemTable()
	l.fdtAddress = l.machine.FDTAddress()

	if err := l.setVideoMode(); err != nil {
		return err
	}

	l.buddy = newBuddyAllocator(l.kernelCtx, &l.memmap, l.header.Nil)

	transition, err := l.buildTransition()
	if err != nil {
		return err
	}

	// Point of no return: firmware services end here and the bootloader's
	// remaining memory is surrendered to the kernel's allocator.
	finalMap := l.machine.Finalize()
	if err := l.buddy.releaseFirmwareMemory(finalMap); err != nil {
		return fmt.Errorf("%w: release firmware memory: %v", ErrBoot, err)
	}
	if l.opts.Verbose {
		l.buddy.dump()
	}

	if _, err := l.mem.WriteAt(l.composeBootInfo(), int64(l.bootInfoPhys)); err != nil {
		return fmt.Errorf("%w: write boot info page: %v", ErrBoot, err)
	}

	slog.Info("mezzano: starting system")
	if err := l.machine.Trampoline().Enter(platform.EnterArgs{
		Transition:          transition.Roots(),
		Kernel:              l.kernelCtx.Roots(),
		EntryFref:           l.header.EntryFref,
		InitialProcess:      l.header.InitialProcess,
		BootInfo:            fixnum.Encode(int64(PhysMapBase + l.bootInfoPhys)),
		Nil:                 l.header.Nil,
		InitialStackPointer: l.header.InitialStackPointer,
	}); err != nil {
		return fmt.Errorf("%w: enter kernel: %v", ErrBoot, err)
	}
	return nil
}

// PagesLoaded reports the wired-load progress counters.
func (l *Loader) PagesLoaded() (loaded, total uint64) {
	return l.pagesLoaded, l.pageCount
}

// BootInfoAddress is the kernel-virtual address of the boot-information page.
func (l *Loader) BootInfoAddress() uint64 {
	return PhysMapBase + l.bootInfoPhys
}
