// Command kboot drives the Mezzano image loader against a simulated machine.
//
// Usage:
//
//	kboot -machine virt.yaml [-disk name=path ...] mezzano <path-or-uuid:UUID> [options...]
//
// The mezzano command options match the bootloader shell: read-only,
// freestanding, video-console, no-detect, no-smp,
// i-promise-i-have-enough-memory, verbose.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/froggey/kboot/internal/mezzano"
	"github.com/froggey/kboot/internal/platform"
	"github.com/froggey/kboot/internal/platform/sim"
)

type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, mezzano.ErrConfig) {
			fmt.Fprintf(os.Stderr, "kboot: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "kboot: boot failed: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	machinePath := flag.String("machine", "", "Machine description (yaml)")
	disks := &stringSlice{}
	flag.Var(disks, "disk", "Attach a disk image as name=path, can be specified multiple times")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -machine <desc.yaml> [flags] mezzano <path-or-uuid:UUID> [options...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Load a Mezzano OS image and report the entry state the kernel would see.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -machine virt.yaml mezzano mezzano.image\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -machine virt.yaml -disk hd0=a.image -disk hd1=b.image mezzano uuid:f00dd00d-... verbose\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if *machinePath == "" || len(args) < 2 || args[0] != "mezzano" {
		flag.Usage()
		return fmt.Errorf("%w: expected a mezzano command", mezzano.ErrConfig)
	}
	cmdArgs := args[1:]

	verbose := false
	for _, tok := range cmdArgs {
		if tok == "verbose" {
			verbose = true
		}
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := sim.LoadConfig(*machinePath)
	if err != nil {
		return fmt.Errorf("%w: %v", mezzano.ErrConfig, err)
	}
	machine, err := sim.NewMachine(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", mezzano.ErrConfig, err)
	}

	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	for _, spec := range *disks {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("%w: malformed -disk %q, want name=path", mezzano.ErrConfig, spec)
		}
		dev, closer, err := openImage(name, path)
		if err != nil {
			return fmt.Errorf("%w: open disk %s: %v", mezzano.ErrConfig, name, err)
		}
		closers = append(closers, closer)
		machine.AddDevice(dev)
	}

	// A plain file path names an image directly; register it as a device so
	// the loader can look it up.
	imagePath := cmdArgs[0]
	if !strings.HasPrefix(imagePath, "uuid:") {
		if _, ok := machine.LookupDevice(imagePath); !ok {
			dev, closer, err := openImage(imagePath, imagePath)
			if err != nil {
				return fmt.Errorf("%w: open image: %v", mezzano.ErrConfig, err)
			}
			closers = append(closers, closer)
			machine.AddDevice(dev)
		}
	}

	loader, err := mezzano.Command(machine, cmdArgs)
	if err != nil {
		return err
	}

	if term.IsTerminal(int(os.Stderr.Fd())) && !verbose {
		var bar *progressbar.ProgressBar
		loader.OnProgress = func(loaded, total uint64) {
			if bar == nil {
				bar = progressbar.NewOptions64(int64(total),
					progressbar.OptionSetDescription("loading wired pages"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set64(int64(loaded))
		}
	}

	if err := loader.Load(); err != nil {
		return err
	}

	entered, ok := machine.Entered()
	if !ok {
		return errors.New("kboot: trampoline never fired")
	}
	printEntryState(machine, loader, entered)
	return nil
}

func printEntryState(machine *sim.Machine, loader *mezzano.Loader, args platform.EnterArgs) {
	loaded, total := loader.PagesLoaded()
	fmt.Printf("entry state for %s machine:\n", machine.Architecture())
	fmt.Printf("  transition roots  %#x %#x\n", args.Transition.Low, args.Transition.High)
	fmt.Printf("  kernel roots      %#x %#x\n", args.Kernel.Low, args.Kernel.High)
	fmt.Printf("  entry fref        %#x\n", args.EntryFref)
	fmt.Printf("  initial process   %#x\n", args.InitialProcess)
	fmt.Printf("  boot info         %#x\n", args.BootInfo)
	fmt.Printf("  stack pointer     %#x\n", args.InitialStackPointer)
	fmt.Printf("  wired pages       %d of %d\n", loaded, total)
}
