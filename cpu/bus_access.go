package cpu

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/daniilk-spire/renode-infrastructure/bus"
)

// busRead brackets one read export from the translator with the pause
// guard's per-access Initialize/Dispose, implementing spec.md §4.7's
// precise watchpoint pause: the first time a watchpointed address is
// reached, restart_translation_block unwinds the translator to
// retranslate a single-instruction block and never returns normally to
// this call; the second time the guard lets the access through.
func (c *CPU) busRead(addr uint32, access bus.Access, read func(addr uint32) (uint32, error)) uint32 {
	watchpointed := c.bus != nil && c.bus.IsWatchpointAt(addr, access)
	if c.guard.Initialize(watchpointed) {
		c.guard.Dispose()
		if c.translator.RestartTranslationBlock != nil {
			c.translator.RestartTranslationBlock()
		}
		return 0
	}
	defer c.guard.Dispose()

	if watchpointed {
		c.onWatchpointBoundary(addr)
	}
	if c.bus == nil {
		return 0
	}
	v, err := read(addr)
	if err != nil {
		slog.Warn("cpu: bus read failed", "addr", hexAddr(uint64(addr)), "error", err)
	}
	return v
}

// busWrite is busRead's write-side counterpart.
func (c *CPU) busWrite(addr, val uint32, access bus.Access, write func(addr, val uint32) error) {
	watchpointed := c.bus != nil && c.bus.IsWatchpointAt(addr, access)
	if c.guard.Initialize(watchpointed) {
		c.guard.Dispose()
		if c.translator.RestartTranslationBlock != nil {
			c.translator.RestartTranslationBlock()
		}
		return
	}
	defer c.guard.Dispose()

	if watchpointed {
		c.onWatchpointBoundary(addr)
	}
	if c.bus == nil {
		return
	}
	if err := write(addr, val); err != nil {
		slog.Warn("cpu: bus write failed", "addr", hexAddr(uint64(addr)), "error", err)
	}
}

// onWatchpointBoundary is reached on the second pass through the guard
// for a watchpointed access — the single retranslated instruction is
// about to actually perform the access. It orders a pause the same way
// an external caller's Pause would, but reentrantly from the CPU thread
// (spec.md §4.4 Pause protocol, §4.7): the execution loop notices
// watchpointHitPending once execute returns and fires Halted(Watchpoint)
// with PC already pointing at the next instruction.
func (c *CPU) onWatchpointBoundary(addr uint32) {
	if err := c.guard.OrderPause(); err != nil {
		panic(errors.Wrap(err, "cpu: invariant violation"))
	}
	c.mu.Lock()
	c.pauseSet = true
	c.watchpointHitPending = true
	c.watchpointHitAddr = uint64(addr)
	c.mu.Unlock()
	if c.translator.SetPaused != nil {
		c.translator.SetPaused()
	}
}
