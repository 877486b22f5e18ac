package cpu

import (
	"github.com/daniilk-spire/renode-infrastructure/bus"
	"github.com/daniilk-spire/renode-infrastructure/internal/clocksource"
	"github.com/daniilk-spire/renode-infrastructure/internal/hooktable"
	"github.com/daniilk-spire/renode-infrastructure/internal/irqplane"
	"github.com/daniilk-spire/renode-infrastructure/internal/memmap"
	"github.com/daniilk-spire/renode-infrastructure/internal/memmgr"
	"github.com/daniilk-spire/renode-infrastructure/internal/pauseguard"
	"github.com/daniilk-spire/renode-infrastructure/internal/translator"
)

// newTestCPU builds a CPU without going through New, since New dlopens a
// real translator shared object. bind supplies whatever translator
// exports/imports a test needs; callers fill in only what they exercise.
func newTestCPU(bind *translator.Binding) *CPU {
	if bind == nil {
		bind = &translator.Binding{}
	}
	c := &CPU{
		Architecture:  "test",
		opts:          Options{PerformanceInMips: DefaultPerformanceInMips},
		mem:           memmgr.New(),
		clock:         clocksource.New(),
		hooks:         hooktable.New(),
		guard:         pauseguard.New(),
		memmap:        memmap.New(4096),
		disassemblers: make(map[string]bus.Disassembler),
		translator:    bind,
		arch:          "test",
		bits:          32,
		pauseSet:      true,
		pcIndex:       -1,
	}
	c.wake.init()
	c.irq = irqplane.New(2)
	c.irq.Decode = func(line int) int32 { return int32(line) }
	c.irq.SetIRQ = func(int32, bool) {}
	c.irq.IsSynchronized = func() bool { return true }
	return c
}

type fakeBus struct {
	words       map[uint32]uint32
	watchpoints map[uint32]bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{words: map[uint32]uint32{}, watchpoints: map[uint32]bool{}}
}

func (b *fakeBus) ReadByte(addr uint32) (uint8, error)   { return uint8(b.words[addr]), nil }
func (b *fakeBus) ReadWord(addr uint32) (uint16, error)  { return uint16(b.words[addr]), nil }
func (b *fakeBus) ReadDword(addr uint32) (uint32, error) { return b.words[addr], nil }
func (b *fakeBus) WriteByte(addr uint32, v uint8) error  { b.words[addr] = uint32(v); return nil }
func (b *fakeBus) WriteWord(addr uint32, v uint16) error { b.words[addr] = uint32(v); return nil }
func (b *fakeBus) WriteDword(addr uint32, v uint32) error {
	b.words[addr] = v
	return nil
}

func (b *fakeBus) IsWatchpointAt(addr uint32, access bus.Access) bool {
	return b.watchpoints[addr]
}
