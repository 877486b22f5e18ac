package cpu

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/daniilk-spire/renode-infrastructure/bus"
	"github.com/daniilk-spire/renode-infrastructure/internal/clocksource"
	"github.com/daniilk-spire/renode-infrastructure/internal/hooktable"
	"github.com/daniilk-spire/renode-infrastructure/internal/irqplane"
	"github.com/daniilk-spire/renode-infrastructure/internal/memmap"
	"github.com/daniilk-spire/renode-infrastructure/internal/memmgr"
	"github.com/daniilk-spire/renode-infrastructure/internal/pauseguard"
	"github.com/daniilk-spire/renode-infrastructure/internal/translator"
)

// ExecutionMode selects continuous execution or single-instruction
// stepping (spec.md §3).
type ExecutionMode int

const (
	Continuous ExecutionMode = iota
	SingleStep
)

// HaltReason is surfaced on the Halted event (spec.md §3).
type HaltReason int

const (
	HaltPause HaltReason = iota
	HaltStep
	HaltAbort
	HaltBreakpoint
	HaltWatchpoint
)

// HaltArguments is delivered to Halted listeners.
type HaltArguments struct {
	Reason HaltReason
	PC     uint64
}

// Exit sentinels from the translator's execute import (spec.md §6).
const (
	exitBreakpoint = 0x10002
	exitHalted     = 0x10003
	exitYield      = 0
)

// CPU is the public contract: one translated guest processor, composing
// the memory manager, interrupt plane, clock source, memory-map registry,
// hook table, pause guard, and native translator binding into a single
// execution loop (spec.md §2 "Execution Loop & State Machine").
type CPU struct {
	mu sync.Mutex

	Endianness   bool // true = big-endian
	Model        string
	Architecture string
	Slot         int

	opts Options

	regs  []RegisterDef
	banks []BankDef

	mem        *memmgr.Manager
	irq        *irqplane.Plane
	clock      *clocksource.Source
	memmap     *memmap.Registry
	hooks      *hooktable.Table
	guard      *pauseguard.Guard
	translator *translator.Binding

	bus      bus.Bus
	symbols  bus.SymbolSource
	siblings []*CPU

	disassemblers map[string]bus.Disassembler
	disassembler  string

	// execution state, spec.md §3/§4.4
	mode                     ExecutionMode
	isStarted                bool
	isHalted                 bool
	executedInstructions     uint64
	savedMaxBlockSize        uint32
	savedMaxBlockSizeIsSet   bool
	skipNextStepping         bool
	advanceShouldBeRestarted bool
	watchpointResumeSingleStep bool
	watchpointHitPending     bool
	watchpointHitAddr        uint64
	pendingInstructionDelta uint64

	pauseSet     bool
	stepReleases int
	stepDone     sync.WaitGroup
	threadWG     sync.WaitGroup

	// cpuGoroutineID holds the goroutine ID of the goroutine currently
	// running executionLoop (0 when no thread is running), so Pause can
	// tell whether its caller is literally that goroutine — running
	// inside execute() or a callback the translator invokes synchronously
	// from within it — rather than merely observing that some CPU thread
	// happens to be alive (spec.md §4.4 Pause protocol: "caller is the
	// CPU thread"). A shared bool set for the thread's whole lifetime
	// can't make that distinction: it reads true for an external caller
	// racing a genuinely running thread just as much as for the thread
	// itself. Per-CPU rather than global so a harness hosting several
	// CPUs doesn't have one CPU's reentrant pause mistaken for another's.
	cpuGoroutineID atomic.Uint64

	// wake is signaled whenever a condition the sleeping execution loop
	// might be waiting on changes: pause requested, an interrupt latch
	// set, or IsHalted cleared (spec.md §4.4 step g, §5's wait-handle
	// array collapsed to one broadcast event since Go has no
	// WaitAny-over-many-handles primitive).
	wake event

	pcIndex int

	// BeforeSave/AfterLoad are subclass-supplied snapshot lifecycle
	// hooks (spec.md §4.9), plain function fields mirroring
	// models.OS.Init/Syscall being function fields the teacher's
	// architecture registrations set.
	BeforeSave func()
	AfterLoad  func()

	haltedListeners          []func(HaltArguments)
	isHaltedChangedListeners []func(bool)

	libraryData []byte
	cpuType     int32
	arch        string
	bits        int
}

// New constructs an idle CPU with pause event set (spec.md §3
// Lifecycle). The translator library is loaded and initialized
// immediately so construction fails fast on an invalid architecture or
// CPU type (spec.md §4.1: init returning -1 is a recoverable
// configuration error).
func New(arch string, bits int, be bool, cpuType int32, opts Options) (*CPU, error) {
	opts.applyDefaults()
	if opts.LibraryResource == nil {
		return nil, errors.New("cpu: Options.LibraryResource is required")
	}
	data, err := opts.LibraryResource(bits, arch, be)
	if err != nil {
		return nil, errors.Wrap(err, "cpu: failed to load translator library resource")
	}

	c := &CPU{
		Endianness:    be,
		Architecture:  arch,
		opts:          opts,
		mem:           memmgr.New(),
		clock:         clocksource.New(),
		hooks:         hooktable.New(),
		guard:         pauseguard.New(),
		disassemblers: make(map[string]bus.Disassembler),
		libraryData:   data,
		cpuType:       cpuType,
		arch:          arch,
		bits:          bits,
		pauseSet:      true, // idle CPU is already paused, spec.md §3 Lifecycle
		pcIndex:       -1,
	}
	c.wake.init()

	if err := c.loadTranslator(data); err != nil {
		return nil, err
	}

	pageSize := uint32(4096)
	if c.translator.GetPageSize != nil {
		pageSize = c.translator.GetPageSize()
	}
	c.memmap = memmap.New(pageSize)
	c.memmap.MapRange = func(start, size uint32) error {
		if c.translator.MapRange != nil {
			c.translator.MapRange(start, size)
		}
		return nil
	}
	c.memmap.UnmapRange = func(start, end uint32) error {
		if c.translator.UnmapRange != nil {
			c.translator.UnmapRange(start, end)
		}
		return nil
	}
	c.memmap.IsRangeMapped = func(start, size uint32) bool {
		if c.translator.IsRangeMapped == nil {
			return true
		}
		return c.translator.IsRangeMapped(start, size) != 0
	}
	c.memmap.SetCacheSize = func(size uint64) {
		if c.translator.SetTranslationCacheSize != nil {
			c.translator.SetTranslationCacheSize(uintptr(size))
		}
	}

	c.hooks.AddHook = func(addr uint64) (uintptr, error) {
		if c.translator.AddBreakpoint != nil {
			c.translator.AddBreakpoint(uint32(addr))
		}
		return uintptr(addr), nil
	}
	c.hooks.RemoveHook = func(handle uintptr) error {
		if c.translator.RemoveBreakpoint != nil {
			c.translator.RemoveBreakpoint(uint32(handle))
		}
		return nil
	}

	c.irq = irqplane.New(2)
	c.irq.Decode = func(line int) int32 { return int32(line) }
	c.irq.SetIRQ = func(decoded int32, level bool) {
		lvl := int32(0)
		if level {
			lvl = 1
		}
		if c.translator.SetIRQ != nil {
			c.translator.SetIRQ(decoded, lvl)
		}
	}
	c.irq.IsSynchronized = func() bool { return true }

	return c, nil
}

// SetInterruptLineCount replaces the interrupt plane with one declaring
// n lines, for architectures whose line count differs from the default
// of 2 (spec.md §3: "fixed count declared by the architecture, >= 2").
// Must be called before Resume.
func (c *CPU) SetInterruptLineCount(n int) {
	decode := c.irq.Decode
	setIRQ := c.irq.SetIRQ
	sync := c.irq.IsSynchronized
	c.irq = irqplane.New(n)
	c.irq.Decode = decode
	c.irq.SetIRQ = setIRQ
	c.irq.IsSynchronized = sync
}

func (c *CPU) loadTranslator(data []byte) error {
	callbacks := translator.Callbacks{
		ReadByte: func(addr uint32) uint32 {
			return c.busRead(addr, bus.AccessRead, func(a uint32) (uint32, error) {
				v, err := c.bus.ReadByte(a)
				return uint32(v), err
			})
		},
		ReadWord: func(addr uint32) uint32 {
			return c.busRead(addr, bus.AccessRead, func(a uint32) (uint32, error) {
				v, err := c.bus.ReadWord(a)
				return uint32(v), err
			})
		},
		ReadDword: func(addr uint32) uint32 {
			return c.busRead(addr, bus.AccessRead, func(a uint32) (uint32, error) {
				return c.bus.ReadDword(a)
			})
		},
		WriteByte: func(addr, val uint32) {
			c.busWrite(addr, val, bus.AccessWrite, func(a, v uint32) error {
				return c.bus.WriteByte(a, uint8(v))
			})
		},
		WriteWord: func(addr, val uint32) {
			c.busWrite(addr, val, bus.AccessWrite, func(a, v uint32) error {
				return c.bus.WriteWord(a, uint16(v))
			})
		},
		WriteDword: func(addr, val uint32) {
			c.busWrite(addr, val, bus.AccessWrite, func(a, v uint32) error {
				return c.bus.WriteDword(a, v)
			})
		},

		TouchHostBlock: func(addr uint32) { c.memmap.TouchHostBlock(uint64(addr)) },
		IsIOAccessed: func(addr uint32) int32 {
			if c.memmap.IsIOAccessed(uint64(addr)) {
				return 1
			}
			return 0
		},
		OnBlockBegin: func(addr, size uint32) { c.onBlockBegin(uint64(addr)) },
		ReportAbort:  func(message string) { c.onAbort(message) },
		InvalidateTBInOtherCPUs: func(start, end uint32) {
			c.invalidateTBInSiblings(uint64(start), uint64(end))
		},
		LogAsCPU:    func(level int32, message string) { c.logFromTranslator(level, message) },
		GetCPUIndex: func() int32 { return int32(c.Slot) },

		Allocate:   func(size uint64) uintptr { return c.allocate(size) },
		Reallocate: func(ptr uintptr, size uint64) uintptr { return c.reallocate(ptr, size) },
		Free:       func(ptr uintptr) { c.free(ptr) },

		UpdateInstructionCounter: func(n int32) { c.accumulateInstructions(n) },
		IsInstructionCountEnabled: func() uint32 {
			if c.clock.HasEntries() {
				return 1
			}
			return 0
		},
		IsBlockBeginEventEnabled: func() uint32 {
			if c.hooks.HasBlockBeginHook() {
				return 1
			}
			return 0
		},

		LogDisassembly: func(addr, size, flags uint32) { c.logDisassembly(addr, size, flags) },

		OnTranslationCacheSizeChange: func(size int32) {
			if c.opts.Verbose {
				slog.Debug("cpu: translation cache resized", "bytes", size)
			}
		},
	}

	bind, err := translator.Load(c.arch, data, callbacks)
	if err != nil {
		return errors.Wrap(err, "cpu: failed to load translator binding")
	}
	c.translator = bind

	if bind.Init == nil {
		return errors.New("cpu: translator library does not export init")
	}
	if rc := bind.Init(c.cpuType); rc == -1 {
		bind.Close()
		return errors.Errorf("cpu: translator rejected CPU type %d (invalid argument)", c.cpuType)
	}

	if bind.SetCountThreshold != nil {
		bind.SetCountThreshold(c.opts.CountThreshold)
	}
	if bind.SetMaxBlockSize != nil {
		bind.SetMaxBlockSize(c.opts.MaximumBlockSize)
	}
	if bind.SetTranslationCacheSize != nil {
		bind.SetTranslationCacheSize(uintptr(c.opts.TranslationCacheSize))
	}
	return nil
}

func (c *CPU) logFromTranslator(level int32, msg string) {
	if !c.opts.Verbose {
		return
	}
	slog.Debug("cpu: message from translator", "level", level, "message", msg)
}

// accumulateInstructions records the translator's update_instruction_counter
// export (spec.md §4.1): the authoritative per-execute retired-instruction
// count, consumed by the execution loop once execute returns rather than
// driving the clock from deep inside the translator's native call stack.
func (c *CPU) accumulateInstructions(n int32) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.pendingInstructionDelta += uint64(n)
	c.mu.Unlock()
}

// takePendingInstructions drains and returns the instruction delta
// accumulated since the last drain.
func (c *CPU) takePendingInstructions() uint64 {
	c.mu.Lock()
	n := c.pendingInstructionDelta
	c.pendingInstructionDelta = 0
	c.mu.Unlock()
	return n
}

// logDisassembly resolves the active disassembler, if any, and logs the
// disassembly of the block at addr..addr+size (spec.md §4.1's
// log_disassembly export; flags is translator-defined and passed through
// for the disassembler to interpret).
func (c *CPU) logDisassembly(addr, size, flags uint32) {
	if !c.opts.LogTranslatedBlocks {
		return
	}
	c.mu.Lock()
	d, ok := c.disassemblers[c.disassembler]
	c.mu.Unlock()
	if !ok || c.bus == nil {
		return
	}
	code := make([]byte, size)
	for i := range code {
		b, err := c.bus.ReadByte(addr + uint32(i))
		if err != nil {
			slog.Warn("cpu: failed to read block bytes for disassembly", "addr", hexAddr(uint64(addr)), "error", err)
			return
		}
		code[i] = b
	}
	text, err := d.Disassemble(code, uint64(addr))
	if err != nil {
		slog.Warn("cpu: disassembly failed", "addr", hexAddr(uint64(addr)), "error", err)
		return
	}
	slog.Debug("cpu: translated block", "addr", hexAddr(uint64(addr)), "size", size, "flags", flags, "disassembly", text)
}

// SetBus wires the external system bus and its symbol source, consulted
// by the pause guard for watchpoint decisions and by lookupSymbol for
// logging (spec.md §1, §9).
func (c *CPU) SetBus(b bus.Bus, symbols bus.SymbolSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus = b
	c.symbols = symbols
}

// RegisterDisassembler adds a named disassembler engine a host may
// select via SetDisassembler (spec.md §9 supplemented feature).
func (c *CPU) RegisterDisassembler(name string, d bus.Disassembler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disassemblers[name] = d
}

// AvailableDisassemblers lists every registered disassembler name.
func (c *CPU) AvailableDisassemblers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.disassemblers))
	for name := range c.disassemblers {
		out = append(out, name)
	}
	return out
}

// SetDisassembler selects the active disassembler by name.
func (c *CPU) SetDisassembler(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.disassemblers[name]; !ok {
		return errors.Errorf("cpu: no disassembler registered under %q", name)
	}
	c.disassembler = name
	return nil
}

// Disassembler returns the name of the currently selected disassembler.
func (c *CPU) Disassembler() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disassembler
}

// lookupSymbol resolves addr through the registered SymbolSource,
// falling back to a hex address only when no symbol covers it — the
// corrected precedence from spec.md §9's second open question, not the
// source's unconditional-concatenation bug.
func (c *CPU) lookupSymbol(addr uint64) string {
	if c.symbols != nil {
		if name, ok := c.symbols.Lookup(addr); ok {
			return name
		}
	}
	return hexAddr(addr)
}

func hexAddr(addr uint64) string {
	const hexdigits = "0123456789abcdef"
	if addr == 0 {
		return "0x0"
	}
	var buf [18]byte
	i := len(buf)
	for addr > 0 {
		i--
		buf[i] = hexdigits[addr&0xf]
		addr >>= 4
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}

// AddHalted registers a Halted event listener.
func (c *CPU) AddHalted(fn func(HaltArguments)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltedListeners = append(c.haltedListeners, fn)
}

// AddIsHaltedChanged registers an IsHaltedChanged event listener.
func (c *CPU) AddIsHaltedChanged(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isHaltedChangedListeners = append(c.isHaltedChangedListeners, fn)
}

func (c *CPU) fireHalted(args HaltArguments) {
	c.mu.Lock()
	listeners := append([]func(HaltArguments){}, c.haltedListeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(args)
	}
}

func (c *CPU) fireIsHaltedChanged(v bool) {
	c.mu.Lock()
	listeners := append([]func(bool){}, c.isHaltedChangedListeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}
}

// IsStarted reports whether the CPU thread is running.
func (c *CPU) IsStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isStarted
}

// IsHalted is readable and settable with Halted event side-effects
// (spec.md §6): setting true fires Halted(Pause); setting back to false
// signals the wake event, per §5's ordering guarantee 3.
func (c *CPU) IsHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHalted
}

// SetIsHalted implements the settable half of the IsHalted property.
func (c *CPU) SetIsHalted(v bool) {
	c.mu.Lock()
	changed := c.isHalted != v
	c.isHalted = v
	c.mu.Unlock()
	if !changed {
		return
	}
	c.fireIsHaltedChanged(v)
	if v {
		c.fireHalted(HaltArguments{Reason: HaltPause, PC: c.PC()})
	} else {
		c.wake.notify()
	}
}

// PC reads the program counter through the register bank's PC entry, if
// one has been declared; 0 otherwise.
func (c *CPU) PC() uint64 {
	if c.pcIndex < 0 || c.translator.GetRegister == nil {
		return 0
	}
	return c.translator.GetRegister(uint32(c.pcIndex))
}

// SetPC writes the program counter, used by InitFromElf/InitFromUImage.
func (c *CPU) SetPC(addr uint64) {
	if c.pcIndex < 0 || c.translator.SetRegister == nil {
		return
	}
	c.translator.SetRegister(uint32(c.pcIndex), addr)
}

// SetPCRegisterIndex tells the CPU which declared register index is the
// program counter, since spec.md's register bank is architecture-defined.
func (c *CPU) SetPCRegisterIndex(index int) {
	c.pcIndex = index
}

// ExecutedInstructions returns the retired-instruction count.
func (c *CPU) ExecutedInstructions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executedInstructions
}

// PerformanceInMips is the divisor converting retired instructions to
// virtual clock ticks (spec.md §6), wired through clocksource.TicksForInstructions.
func (c *CPU) PerformanceInMips() uint32 {
	return c.opts.PerformanceInMips
}

// Siblings returns the sibling CPUs registered for cross-CPU translation
// block invalidation (spec.md §9 supplemented feature).
func (c *CPU) Siblings() []*CPU {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CPU, len(c.siblings))
	copy(out, c.siblings)
	return out
}

// AddSibling registers another CPU on the same system bus.
func (c *CPU) AddSibling(other *CPU) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.siblings = append(c.siblings, other)
}

// invalidateTBInSiblings broadcasts a translation-block invalidation to
// every sibling excluding self, wired to the translator's
// invalidate_tb_in_other_cpus export (spec.md §9).
func (c *CPU) invalidateTBInSiblings(start, end uint64) {
	for _, s := range c.Siblings() {
		if s == c {
			continue
		}
		if s.translator.InvalidateTranslationBlocks != nil {
			s.translator.InvalidateTranslationBlocks(uintptr(start), uintptr(end))
		}
	}
}
