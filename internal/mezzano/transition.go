package mezzano

import (
	"fmt"

	"github.com/froggey/kboot/internal/paging"
	"github.com/froggey/kboot/internal/platform"
)

// buildTransition creates the paging context used for the hop between
// identity and high-half addressing. The loader must be visible both at its
// identity address and inside the physical-map window: the trampoline loads
// the transition root, jumps to a PMAP-aliased instruction pointer, then
// switches to the kernel root — which does not identity-map the loader.
func (l *Loader) buildTransition() (paging.Context, error) {
	transition, err := paging.New(l.machine.Architecture(), l.mem, l.arena, platform.MemInternal)
	if err != nil {
		return nil, fmt.Errorf("%w: create transition context: %v", ErrBoot, err)
	}

	start, size := l.machine.LoaderRegion()
	start = platform.AlignDown(start, platform.PageSize)
	size = platform.AlignUp(size, platform.PageSize)

	if err := transition.Map(start, start, size, paging.MapWritable); err != nil {
		return nil, fmt.Errorf("%w: identity-map loader: %v", ErrBoot, err)
	}
	if err := transition.Map(PhysMapBase+start, start, size, paging.MapWritable); err != nil {
		return nil, fmt.Errorf("%w: alias loader into physical map: %v", ErrBoot, err)
	}
	// The kernel context needs the aliased loader too so execution can
	// continue across the final context switch. The physical-map window
	// normally covers it already; map it only when the firmware left the
	// loader out of its reported memory.
	for off := uint64(0); off < size; off += platform.PageSize {
		if l.kernelCtx.IsMapped(PhysMapBase + start + off) {
			continue
		}
		if err := l.kernelCtx.Map(PhysMapBase+start+off, start+off, platform.PageSize, paging.MapWritable); err != nil {
			return nil, fmt.Errorf("%w: map loader into kernel context: %v", ErrBoot, err)
		}
	}
	return transition, nil
}
