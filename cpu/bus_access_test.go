package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daniilk-spire/renode-infrastructure/bus"
	"github.com/daniilk-spire/renode-infrastructure/internal/translator"
)

func TestBusReadWithoutWatchpointPassesThrough(t *testing.T) {
	c := newTestCPU(nil)
	b := newFakeBus()
	b.words[0x1000] = 0x42
	c.bus = b

	v := c.busRead(0x1000, bus.AccessRead, func(addr uint32) (uint32, error) {
		val, err := b.ReadDword(addr)
		return val, err
	})
	assert.Equal(t, uint32(0x42), v)
	assert.False(t, c.guard.Active())
}

func TestBusReadAtWatchpointRestartsOnceThenStops(t *testing.T) {
	var restarts int
	bind := &translator.Binding{
		RestartTranslationBlock: func() { restarts++ },
	}
	c := newTestCPU(bind)
	b := newFakeBus()
	b.words[0x2000] = 0x99
	b.watchpoints[0x2000] = true
	c.bus = b
	c.pauseSet = false // bus accesses happen while the CPU is running

	read := func(addr uint32) (uint32, error) { return b.ReadDword(addr) }

	// First pass: the guard demands a restart and the access is skipped.
	v1 := c.busRead(0x2000, bus.AccessRead, read)
	assert.Equal(t, uint32(0), v1)
	assert.Equal(t, 1, restarts)
	assert.False(t, c.pauseSet)

	// Second pass (post-retranslation): the access proceeds and the CPU
	// is ordered to pause with the watchpoint hit recorded.
	v2 := c.busRead(0x2000, bus.AccessRead, read)
	assert.Equal(t, uint32(0x99), v2)
	assert.Equal(t, 1, restarts, "the second pass must not restart again")
	assert.True(t, c.pauseSet)
	assert.True(t, c.watchpointHitPending)
	assert.Equal(t, uint64(0x2000), c.watchpointHitAddr)
}

func TestBusWriteAtWatchpointAppliesOnSecondPass(t *testing.T) {
	bind := &translator.Binding{
		RestartTranslationBlock: func() {},
	}
	c := newTestCPU(bind)
	b := newFakeBus()
	b.watchpoints[0x3000] = true
	c.bus = b

	write := func(addr, val uint32) error { return b.WriteDword(addr, val) }

	c.busWrite(0x3000, 0x55, bus.AccessWrite, write)
	assert.Equal(t, uint32(0), b.words[0x3000], "first pass must not perform the write")

	c.busWrite(0x3000, 0x55, bus.AccessWrite, write)
	assert.Equal(t, uint32(0x55), b.words[0x3000])
}

func TestOnWatchpointBoundaryPanicsOutsideGuardedAccess(t *testing.T) {
	c := newTestCPU(nil)
	c.guard.Enter()
	defer c.guard.Leave()

	assert.Panics(t, func() { c.onWatchpointBoundary(0x4000) })
}
