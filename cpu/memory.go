package cpu

import (
	"github.com/pkg/errors"

	"github.com/daniilk-spire/renode-infrastructure/internal/memmap"
)

// requirePaused enforces spec.md §5's ordering guarantee 2: memory-map
// mutations happen only while the machine is in its paused state.
func (c *CPU) requirePaused() error {
	c.mu.Lock()
	paused := c.pauseSet
	c.mu.Unlock()
	if !paused {
		return errors.New("cpu: memory map may only be mutated while paused")
	}
	return nil
}

// MapMemory registers a page-aligned guest segment backed by hostPointer,
// resizing the translation cache to sum(segment sizes)/4 (spec.md §4.5,
// §6). touch, if non-nil, lazily materializes the host-side backing the
// first time the translator reports activity on one of the segment's
// pages.
func (c *CPU) MapMemory(startingOffset, size uint64, hostPointer uintptr, touch func()) error {
	if err := c.requirePaused(); err != nil {
		return err
	}
	seg := &memmap.Segment{
		StartingOffset: startingOffset,
		Size:           size,
		HostPointer:    hostPointer,
		Touch:          touch,
	}
	return errors.Wrap(c.memmap.Map(seg), "cpu: MapMemory")
}

// UnmapMemory removes the page-aligned range [start, start+size) and
// rebuilds the segment list from what the translator still reports as
// mapped (spec.md §4.5, §6).
func (c *CPU) UnmapMemory(start, size uint64) error {
	if err := c.requirePaused(); err != nil {
		return err
	}
	return errors.Wrap(c.memmap.Unmap(start, size), "cpu: UnmapMemory")
}

// SetPageAccessViaIo flags addr's page for I/O bypass on load/store
// (spec.md §4.5, §6).
func (c *CPU) SetPageAccessViaIo(addr uint64) {
	c.memmap.SetPageAccessViaIO(addr)
}

// ClearPageAccessViaIo clears the I/O-bypass flag for addr's page.
func (c *CPU) ClearPageAccessViaIo(addr uint64) {
	c.memmap.ClearPageAccessViaIO(addr)
}
