package cpu

import (
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/daniilk-spire/renode-infrastructure/internal/clocksource"
)

// currentGoroutineID returns an identifier for the calling goroutine.
// Go has no public API for this; parsing the header line of
// runtime.Stack's output is the standard workaround, used here the way
// a managed-thread ID would be used to test thread affinity (spec.md
// §4.4 Pause protocol).
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}

// ExecutionMode returns the current execution mode.
func (c *CPU) ExecutionMode() ExecutionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetExecutionMode changes the execution mode; AdjustBlockSize picks up
// the transition on the loop's next iteration (spec.md §4.4 step a).
// Setting the same mode twice is a no-op (spec.md §8's step-idempotence
// law).
func (c *CPU) SetExecutionMode(m ExecutionMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}

// Start is an alias for Resume (spec.md §6).
func (c *CPU) Start() error { return c.Resume() }

// Resume spawns the CPU thread if paused (spec.md §4.4 Resume).
func (c *CPU) Resume() error {
	c.mu.Lock()
	if !c.pauseSet {
		c.mu.Unlock()
		return nil
	}
	c.pauseSet = false
	c.isStarted = true
	c.mu.Unlock()

	if c.translator.ClearPaused != nil {
		c.translator.ClearPaused()
	}

	c.threadWG.Add(1)
	go c.executionLoop()
	return nil
}

// Pause implements spec.md §4.4's Pause protocol, distinguishing an
// external caller (which joins the CPU thread) from a reentrant call
// from the CPU thread itself (which must instead route through the
// pause guard's order-pause rendezvous to avoid self-deadlock).
func (c *CPU) Pause() error {
	c.mu.Lock()
	if c.pauseSet {
		c.mu.Unlock()
		return nil
	}
	c.pauseSet = true
	if c.translator.SetPaused != nil {
		c.translator.SetPaused()
	}
	c.mu.Unlock()

	if id := currentGoroutineID(); id != 0 && id == c.cpuGoroutineID.Load() {
		if err := c.guard.OrderPause(); err != nil {
			panic(errors.Wrap(err, "cpu: invariant violation"))
		}
	} else {
		// Reset step-done(1) and release one step to unblock a possibly
		// sleeping HandleStepping (spec.md §4.4 Pause protocol), the
		// same way Step does. If the CPU thread never passes back
		// through HandleStepping before exiting the loop (it wasn't
		// actually parked there), drain the unconsumed release below
		// rather than let it grant a spurious extra step after the next
		// Resume.
		c.mu.Lock()
		c.stepDone.Add(1)
		c.stepReleases++
		c.mu.Unlock()

		c.wake.notify()
		c.threadWG.Wait()

		c.mu.Lock()
		if c.stepReleases > 0 {
			c.stepReleases--
			c.stepDone.Done()
		}
		c.mu.Unlock()

		if c.translator.ClearPaused != nil {
			c.translator.ClearPaused()
		}
	}

	c.mu.Lock()
	c.isStarted = false
	c.mu.Unlock()
	c.SetIsHalted(true)
	c.fireHalted(HaltArguments{Reason: HaltPause, PC: c.PC()})
	return nil
}

// Step requires ExecutionMode==SingleStep and releases the step barrier
// count times, waiting for each to be consumed (spec.md §4.4 Step).
func (c *CPU) Step(count int) error {
	if count <= 0 {
		count = 1
	}
	if c.ExecutionMode() != SingleStep {
		return errors.New("cpu: Step requires ExecutionMode == SingleStep")
	}
	c.mu.Lock()
	c.stepDone.Add(count)
	c.stepReleases += count
	c.mu.Unlock()
	c.wake.notify()
	c.stepDone.Wait()
	return nil
}

// Reset pauses, re-runs memory registration, and resets translator state
// (spec.md §3 Lifecycle).
func (c *CPU) Reset() error {
	if err := c.Pause(); err != nil {
		return err
	}
	c.mu.Lock()
	c.executedInstructions = 0
	c.mu.Unlock()
	if c.translator.Reset != nil {
		c.translator.Reset()
	}
	for _, seg := range c.memmap.Segments() {
		if err := c.memmap.Map(seg); err != nil {
			return errors.Wrap(err, "cpu: Reset failed to re-register memory")
		}
	}
	return errors.Wrap(c.hooks.Reapply(), "cpu: Reset failed to reapply hooks")
}

// Dispose pauses, removes all hooks, disposes the translator, frees the
// temporary library file, and asserts the memory manager has zero
// outstanding allocations (spec.md §3 Lifecycle, §4.9).
func (c *CPU) Dispose() error {
	if err := c.Pause(); err != nil {
		return err
	}
	for _, addr := range c.hooks.Addresses() {
		if err := c.hooks.RemoveAllAt(addr); err != nil {
			return errors.Wrap(err, "cpu: Dispose failed to remove hooks")
		}
	}
	if c.translator.FreeHostBlocks != nil {
		c.translator.FreeHostBlocks()
	}
	if c.translator.Dispose != nil {
		c.translator.Dispose()
	}
	if err := c.translator.Close(); err != nil {
		slog.Warn("cpu: failed to unload translator library", "error", err)
	}
	return errors.Wrap(c.mem.AssertEmpty(), "cpu: Dispose")
}

// executionLoop is the CPU thread's sole function (spec.md §4.4). It
// always falls out of its inner for-loop rather than returning directly
// from inside it, so the step-5 bookkeeping below the loop — a final
// AdjustBlockSize and the watchpoint resume-in-SingleStep handoff — runs
// on every exit from the loop. The one early return, taken before the
// loop when the restarted clock advance is cancelled again, skips it.
func (c *CPU) executionLoop() {
	defer c.threadWG.Done()
	c.cpuGoroutineID.Store(currentGoroutineID())
	defer c.cpuGoroutineID.Store(0)

	if c.advanceShouldBeRestarted && c.clock.HasEntries() {
		if err := c.clock.Advance(0, true); err != nil {
			return
		}
		c.advanceShouldBeRestarted = false
	}

	c.handleStepping()
	c.skipNextStepping = true

loop:
	for {
		c.adjustBlockSize()
		c.repushIRQsIfNeeded()

		c.mu.Lock()
		halted := c.isHalted
		c.mu.Unlock()

		if !halted {
			c.guard.Enter()
			result := c.translator.Execute()
			c.guard.Leave()
			c.skipNextStepping = false

			c.mu.Lock()
			hitPending := c.watchpointHitPending
			c.watchpointHitPending = false
			c.mu.Unlock()
			if hitPending {
				c.fireHalted(HaltArguments{Reason: HaltWatchpoint, PC: c.PC()})
				c.watchpointResumeSingleStep = true
			}

			switch result {
			case exitBreakpoint:
				c.hooks.Dispatch(c.PC())
				c.fireHalted(HaltArguments{Reason: HaltBreakpoint, PC: c.PC()})
			case exitHalted:
				c.SetIsHalted(true)
			case exitYield:
				delta := c.takePendingInstructions()
				if delta == 0 {
					delta = 1 // translator build predates update_instruction_counter
				}
				c.mu.Lock()
				c.executedInstructions += delta
				c.mu.Unlock()
				if c.clock.HasEntries() {
					ticks := clocksource.TicksForInstructions(delta, c.opts.PerformanceInMips)
					if err := c.clock.Advance(ticks, false); err != nil {
						c.advanceShouldBeRestarted = true
						break loop
					}
				}
			}
		}

		c.mu.Lock()
		pauseSet := c.pauseSet
		c.mu.Unlock()
		if pauseSet {
			break loop
		}

		c.mu.Lock()
		stillHalted := c.isHalted
		wfi := c.translator.IsWFI != nil && c.translator.IsWFI() != 0
		c.mu.Unlock()

		if stillHalted || wfi {
			if c.clock.HasEntries() {
				limit := c.clock.NearestLimitIn()
				if limit <= 0 {
					limit = 1
				}
				elapsed := c.sleepOrWake(uint64(limit))
				if elapsed == 0 {
					elapsed = uint64(limit)
				}
				if err := c.clock.Advance(elapsed, false); err != nil {
					c.advanceShouldBeRestarted = true
					break loop
				}
			} else {
				c.wake.wait()
			}
		}
	}

	// spec.md §4.4 step 5: a mode change may still be pending after the
	// loop exits, and a watchpoint hit may have requested that the CPU
	// resume single-stepping rather than stay paused.
	c.adjustBlockSize()

	c.mu.Lock()
	resumeSingleStep := c.watchpointResumeSingleStep
	c.watchpointResumeSingleStep = false
	c.mu.Unlock()
	if resumeSingleStep {
		c.SetExecutionMode(SingleStep)
		c.Resume()
	}
}

// sleepOrWake blocks until either limit virtual ticks (approximated as
// microseconds of wall-clock time) have elapsed or wake is signaled,
// matching spec.md §4.4 step g's wait-until-timeout-or-any-handle
// behavior. It returns the number of virtual ticks that actually
// elapsed — limit if the timeout fired, or the (possibly much smaller)
// elapsed wall-clock time if wake fired first — so the caller advances
// the clock by what really happened rather than always by the full
// limit.
func (c *CPU) sleepOrWake(limit uint64) uint64 {
	if c.opts.AdvanceImmediately {
		return limit
	}
	start := time.Now()
	select {
	case <-c.wake.c():
		elapsed := uint64(time.Since(start) / time.Microsecond)
		if elapsed > limit {
			elapsed = limit
		}
		return elapsed
	case <-time.After(time.Duration(limit) * time.Microsecond):
		return limit
	}
}

// repushIRQsIfNeeded implements spec.md §4.3/§4.4 step c: edges missed
// while paused are re-armed by re-pushing every latched line's current
// level, but only when stepping isn't suppressing delivery and the
// translator doesn't already have an IRQ pending.
func (c *CPU) repushIRQsIfNeeded() {
	suppressed := c.opts.DisableInterruptsWhileStepping && c.ExecutionMode() == SingleStep
	if suppressed {
		return
	}
	if c.translator.IsIRQSet != nil && c.translator.IsIRQSet() != 0 {
		return
	}
	if !c.irq.AnySet() {
		return
	}
	c.irq.RepushAll()
}

// adjustBlockSize implements spec.md §4.4 step a.
func (c *CPU) adjustBlockSize() {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	if mode == SingleStep && !c.savedMaxBlockSizeIsSet {
		if c.translator.GetMaxBlockSize != nil {
			c.savedMaxBlockSize = c.translator.GetMaxBlockSize()
		}
		c.savedMaxBlockSizeIsSet = true
		if c.translator.SetMaxBlockSize != nil {
			c.translator.SetMaxBlockSize(1)
		}
	} else if mode == Continuous && c.savedMaxBlockSizeIsSet {
		if c.translator.SetMaxBlockSize != nil {
			c.translator.SetMaxBlockSize(c.savedMaxBlockSize)
		}
		c.savedMaxBlockSizeIsSet = false
	}
}

// handleStepping is called twice per loop invocation — once at the top,
// once from onBlockBegin — per spec.md §4.4's two-call-site rule.
func (c *CPU) handleStepping() {
	if c.ExecutionMode() != SingleStep || c.skipNextStepping {
		return
	}
	c.fireHalted(HaltArguments{Reason: HaltStep, PC: c.PC()})

	c.mu.Lock()
	for c.stepReleases == 0 {
		c.mu.Unlock()
		c.wake.wait()
		c.mu.Lock()
	}
	c.stepReleases--
	c.mu.Unlock()

	c.stepDone.Done()
}

// onBlockBegin is the translator's on_block_begin export.
func (c *CPU) onBlockBegin(addr uint64) {
	c.handleStepping()
	c.skipNextStepping = false
	c.hooks.DispatchBlockBegin(addr)
}

// onAbort is the translator's report_abort export: log, pause, fire
// Halted(Abort), and let the loop exit (spec.md §4.4 step e, §7).
func (c *CPU) onAbort(message string) {
	slog.Error("cpu: guest abort", "message", message, "pc", hexAddr(c.PC()))
	c.mu.Lock()
	c.isHalted = true
	c.pauseSet = true
	c.mu.Unlock()
	c.fireHalted(HaltArguments{Reason: HaltAbort, PC: c.PC()})
}
