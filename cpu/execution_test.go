package cpu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daniilk-spire/renode-infrastructure/internal/clocksource"
	"github.com/daniilk-spire/renode-infrastructure/internal/translator"
)

func TestResumeNoopWhenNotPaused(t *testing.T) {
	c := newTestCPU(nil)
	c.pauseSet = false
	require.NoError(t, c.Resume())
	assert.False(t, c.IsStarted())
}

func TestPauseNoopWhenAlreadyPaused(t *testing.T) {
	c := newTestCPU(nil)
	c.pauseSet = true
	require.NoError(t, c.Pause())
}

func TestExecutionLoopHaltsAndJoinsOnPause(t *testing.T) {
	bind := &translator.Binding{
		Execute: func() int32 { return exitHalted },
	}
	c := newTestCPU(bind)
	c.pauseSet = true

	require.NoError(t, c.Resume())
	assert.Eventually(t, func() bool { return c.IsStarted() }, time.Second, time.Millisecond)

	require.NoError(t, c.Pause())
	assert.False(t, c.IsStarted())
	assert.True(t, c.IsHalted())
}

func TestExecutionLoopAccumulatesInstructionsOnYield(t *testing.T) {
	var calls atomic.Int32
	bind := &translator.Binding{
		Execute: func() int32 {
			if calls.Add(1) == 1 {
				return exitYield
			}
			return exitHalted
		},
	}
	c := newTestCPU(bind)
	c.clock.Add(&clocksource.Entry{Handler: func(uint64) {}, Period: 1000, Enabled: true})
	c.pauseSet = true

	require.NoError(t, c.Resume())
	assert.Eventually(t, func() bool { return !c.IsStarted() || calls.Load() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, c.Pause())

	// exitYield falls back to a delta of 1 since no
	// update_instruction_counter call was simulated.
	assert.Equal(t, uint64(1), c.ExecutedInstructions())
}

func TestSetExecutionModeIsIdempotentAndReadable(t *testing.T) {
	c := newTestCPU(nil)
	assert.Equal(t, Continuous, c.ExecutionMode())
	c.SetExecutionMode(SingleStep)
	assert.Equal(t, SingleStep, c.ExecutionMode())
	c.SetExecutionMode(SingleStep)
	assert.Equal(t, SingleStep, c.ExecutionMode())
}

func TestRepushIRQsIfNeededSkipsWhenSuppressedByStepping(t *testing.T) {
	c := newTestCPU(nil)
	c.opts.DisableInterruptsWhileStepping = true
	c.SetExecutionMode(SingleStep)
	c.irq.OnGPIO(0, true, true, false)

	var pushed []int32
	c.irq.SetIRQ = func(line int32, level bool) { pushed = append(pushed, line) }
	c.repushIRQsIfNeeded()
	assert.Empty(t, pushed)
}

func TestRepushIRQsIfNeededRepushesLatchedLines(t *testing.T) {
	c := newTestCPU(nil)
	var pushed []int32
	c.irq.SetIRQ = func(line int32, level bool) { pushed = append(pushed, line) }
	c.irq.OnGPIO(0, true, false, false)
	c.repushIRQsIfNeeded()
	assert.NotEmpty(t, pushed)
}
