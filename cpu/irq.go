package cpu

// OnGPIO delivers a level change on the given guest interrupt line
// (spec.md §4.3, §6). It may be called from any thread. Raising a line
// also signals wake, so a halted or WFI-waiting execution loop re-checks.
func (c *CPU) OnGPIO(line int, level bool) {
	started := c.IsStarted()
	suppressed := c.opts.DisableInterruptsWhileStepping && c.ExecutionMode() == SingleStep
	c.irq.OnGPIO(line, level, started, suppressed)
	if level {
		c.wake.notify()
	}
}

// IsSetEvent reports the latched level of the given interrupt line.
func (c *CPU) IsSetEvent(line int) bool {
	return c.irq.IsSetEvent(line)
}

// IRQ reports whether line 0 — the architecture's primary interrupt
// line by convention — is currently latched. Concrete CPUs with more
// than one meaningful line should prefer IsSetEvent(line) directly.
func (c *CPU) IRQ() bool {
	return c.irq.IsSetEvent(0)
}
