// Package cpu is the public contract of the Translation CPU Harness: a
// managed-side control plane around a native dynamic binary translator,
// composing the memory, interrupt, clock, memory-map, hook, and
// pause-guard components under internal/ with a translator.Binding into
// a single execution loop and state machine.
package cpu

// Options configures a CPU at construction, mirroring the teacher's
// models.Config (go/models/cfg.go): a plain struct of tunables passed
// in, with defaults applied by New for anything left zero.
type Options struct {
	// TranslationCacheSize is the initial translator cache size in
	// bytes; overridden automatically to sum(segment sizes)/4 once any
	// memory is mapped (spec.md §4.5).
	TranslationCacheSize uint64

	MaximumBlockSize uint32
	CountThreshold   int32

	// PerformanceInMips divides retired instructions into virtual clock
	// ticks (spec.md §6).
	PerformanceInMips uint32

	AdvanceImmediately              bool
	ThreadSentinelEnabled           bool
	DisableInterruptsWhileStepping  bool
	UpdateContextOnLoadAndStore     bool
	LogTranslationBlockFetch        bool
	LogTranslatedBlocks             bool

	// Verbose enables debug-level logging of messages the translator sends
	// through log_as_cpu and of translation-cache resizes. Block and step
	// boundaries are not logged.
	Verbose bool

	// LibraryResource loads the translator shared object for the given
	// word size, architecture, and endianness (spec.md §6's naming
	// scheme "translate_<bits>-<architecture>-<be|le>.so").
	LibraryResource func(bits int, arch string, be bool) ([]byte, error)
}

// Defaults per spec.md §6.
const (
	DefaultTranslationCacheSize = 32 * 1024 * 1024
	DefaultMaximumBlockSize     = 0x7FF
	DefaultCountThreshold       = 5000
	DefaultPerformanceInMips    = 100
)

func (o *Options) applyDefaults() {
	if o.TranslationCacheSize == 0 {
		o.TranslationCacheSize = DefaultTranslationCacheSize
	}
	if o.MaximumBlockSize == 0 {
		o.MaximumBlockSize = DefaultMaximumBlockSize
	}
	if o.CountThreshold == 0 {
		o.CountThreshold = DefaultCountThreshold
	}
	if o.PerformanceInMips == 0 {
		o.PerformanceInMips = DefaultPerformanceInMips
	}
}
