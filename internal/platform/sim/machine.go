// Package sim provides a simulated machine for the image loader: a sparse
// physical memory, a firmware memory map and video modes described by a yaml
// machine description, and a trampoline that records the entry state instead
// of jumping. cmd/kboot and the test suites run the loader against it.
package sim

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/froggey/kboot/internal/platform"
)

// RegionConfig is one physical range in a machine description.
type RegionConfig struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

// ModeConfig describes one available video mode.
type ModeConfig struct {
	FramebufferAddr uint64 `yaml:"framebuffer"`
	Width           uint64 `yaml:"width"`
	Height          uint64 `yaml:"height"`
	Pitch           uint64 `yaml:"pitch"`
	BPP             int    `yaml:"bpp"`
}

// Config is the yaml machine description.
type Config struct {
	Arch string `yaml:"arch"`

	RAM []RegionConfig `yaml:"ram"`
	// MMIO windows are mapped uncached into the physical map but do not
	// count as installed memory (embedded platform profile).
	MMIO []RegionConfig `yaml:"mmio"`

	// Loader is the region occupied by the loader image itself. Defaults to
	// 1 MiB at 1 MiB.
	Loader RegionConfig `yaml:"loader"`

	Video []ModeConfig `yaml:"video"`

	ACPIRSDP       uint64 `yaml:"acpi_rsdp"`
	EFISystemTable uint64 `yaml:"efi_system_table"`
	FDTAddress     uint64 `yaml:"fdt_address"`
}

// LoadConfig reads a machine description file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sim: read machine description: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("sim: parse machine description: %w", err)
	}
	return &cfg, nil
}

// Machine implements platform.Machine over a sparse memory slab.
type Machine struct {
	arch   platform.Architecture
	mem    *SparseMemory
	arena  *platform.FrameArena
	cfg    *Config
	tramp  *RecordingTrampoline
	devs   []platform.BlockDevice
	byName map[string]platform.BlockDevice

	finalized bool
	finalMap  []platform.Range
}

// NewMachine builds a machine from its description.
func NewMachine(cfg *Config) (*Machine, error) {
	arch := platform.Architecture(cfg.Arch)
	switch arch {
	case platform.ArchX86_64, platform.ArchARM64:
	case "":
		arch = platform.ArchX86_64
	default:
		return nil, fmt.Errorf("sim: unsupported architecture %q", cfg.Arch)
	}
	if len(cfg.RAM) == 0 {
		return nil, errors.New("sim: machine description has no RAM")
	}
	if cfg.Loader.Size == 0 {
		cfg.Loader = RegionConfig{Start: 0x100000, Size: 0x100000}
	}

	var free []platform.Range
	for _, r := range cfg.RAM {
		free = append(free, platform.Range{Start: r.Start, Size: r.Size, Type: platform.MemFree})
	}
	arena := platform.NewFrameArena(free)
	// The loader image occupies RAM; it is scratch from the kernel's point
	// of view and is reclaimed at finalize.
	if err := arena.Reserve(cfg.Loader.Start, cfg.Loader.Size, platform.MemInternal); err != nil {
		return nil, fmt.Errorf("sim: loader region: %w", err)
	}

	return &Machine{
		arch:   arch,
		mem:    NewSparseMemory(),
		arena:  arena,
		cfg:    cfg,
		tramp:  &RecordingTrampoline{},
		byName: make(map[string]platform.BlockDevice),
	}, nil
}

func (m *Machine) Architecture() platform.Architecture { return m.arch }
func (m *Machine) Memory() platform.Memory             { return m.mem }
func (m *Machine) Arena() *platform.FrameArena         { return m.arena }

func (m *Machine) FirmwareMap() []platform.MemoryDescriptor {
	var out []platform.MemoryDescriptor
	for _, r := range m.cfg.MMIO {
		out = append(out, platform.MemoryDescriptor{
			Start:  r.Start,
			Length: r.Size,
			Cache:  platform.CacheUncached,
		})
	}
	for _, r := range m.cfg.RAM {
		out = append(out, platform.MemoryDescriptor{
			Start:  r.Start,
			Length: r.Size,
			Cache:  platform.CacheNormal,
			RAM:    true,
		})
	}
	return out
}

// AddDevice registers a block device; devices enumerate in registration order.
func (m *Machine) AddDevice(dev platform.BlockDevice) {
	m.devs = append(m.devs, dev)
	m.byName[dev.Name()] = dev
}

func (m *Machine) Devices() []platform.BlockDevice { return m.devs }

func (m *Machine) LookupDevice(name string) (platform.BlockDevice, bool) {
	dev, ok := m.byName[name]
	return dev, ok
}

func (m *Machine) Video() platform.VideoSelector { return m }

// SelectMode returns the first configured mode. Channels are always laid out
// as XRGB; the depth is the configured bpp, or 32 when none is given.
func (m *Machine) SelectMode() (platform.VideoMode, bool) {
	if len(m.cfg.Video) == 0 {
		return platform.VideoMode{}, false
	}
	mc := m.cfg.Video[0]
	mode := platform.VideoMode{
		FramebufferAddr: mc.FramebufferAddr,
		Width:           mc.Width,
		Height:          mc.Height,
		Pitch:           mc.Pitch,
		BPP:             mc.BPP,
		RedSize:         8, RedPos: 16,
		GreenSize: 8, GreenPos: 8,
		BlueSize: 8, BluePos: 0,
	}
	if mode.BPP == 0 {
		mode.BPP = 32
	}
	return mode, true
}

func (m *Machine) LoaderRegion() (uint64, uint64) {
	return m.cfg.Loader.Start, m.cfg.Loader.Size
}

func (m *Machine) ACPIRSDP() uint64       { return m.cfg.ACPIRSDP }
func (m *Machine) EFISystemTable() uint64 { return m.cfg.EFISystemTable }
func (m *Machine) FDTAddress() uint64     { return m.cfg.FDTAddress }

func (m *Machine) Finalize() []platform.Range {
	if !m.finalized {
		m.finalized = true
		m.finalMap = m.arena.Finalize()
	}
	return m.finalMap
}

func (m *Machine) Trampoline() platform.Trampoline { return m.tramp }

// Entered reports the recorded entry state once the trampoline has fired.
func (m *Machine) Entered() (platform.EnterArgs, bool) {
	return m.tramp.Args, m.tramp.Fired
}

var _ platform.Machine = (*Machine)(nil)

// RecordingTrampoline captures the entry state instead of switching address
// spaces.
type RecordingTrampoline struct {
	Args  platform.EnterArgs
	Fired bool
}

func (t *RecordingTrampoline) Enter(args platform.EnterArgs) error {
	if t.Fired {
		return errors.New("sim: trampoline entered twice")
	}
	t.Args = args
	t.Fired = true
	return nil
}

// MemoryDevice is a block device backed by a byte slice, used for synthetic
// images in tests.
type MemoryDevice struct {
	DeviceName string
	Data       []byte
}

func (d *MemoryDevice) Name() string { return d.DeviceName }

func (d *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(d.Data)) {
		return 0, fmt.Errorf("sim: read past end of device %s", d.DeviceName)
	}
	n := copy(p, d.Data[off:])
	if n < len(p) {
		return n, fmt.Errorf("sim: short read on device %s", d.DeviceName)
	}
	return n, nil
}

var _ platform.BlockDevice = (*MemoryDevice)(nil)
