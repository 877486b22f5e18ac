// Package bus describes the external collaborators a Translation CPU
// Harness core talks to but does not implement: the flat-address-space
// system bus, the disassembler engine, and symbol/peer lookups used for
// logging and cross-CPU invalidation. Concrete implementations live in the
// host emulator.
package bus

// Access direction, passed to IsWatchpointAt and to bus read/write calls.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// Bus is the flat guest address space the translator's bus exports read
// from and write to, and the source of watchpoint decisions consulted by
// the pause guard (spec.md §4.7).
type Bus interface {
	ReadByte(addr uint32) (uint8, error)
	ReadWord(addr uint32) (uint16, error)
	ReadDword(addr uint32) (uint32, error)
	WriteByte(addr uint32, val uint8) error
	WriteWord(addr uint32, val uint16) error
	WriteDword(addr uint32, val uint32) error

	// IsWatchpointAt reports whether addr has a watchpoint registered for
	// the given access direction.
	IsWatchpointAt(addr uint32, access Access) bool
}

// Redirector lets a bus remap an address before the CPU hands off to it,
// used by InitFromElf/InitFromUImage when an entry point resolves to a
// redirected address.
type Redirector interface {
	Redirect(addr uint64) (uint64, bool)
}

// SymbolSource resolves an address to a human-readable symbol name for
// logging. Lookup returns ok=false when no symbol covers addr.
type SymbolSource interface {
	Lookup(addr uint64) (name string, ok bool)
}

// Disassembler is the engine used for LogTranslatedBlocks and LogDisassembly
// exports; a concrete implementation (e.g. capstone-backed) is supplied by
// the host process and registered with the CPU by name.
type Disassembler interface {
	Disassemble(code []byte, addr uint64) (string, error)
}

// Peer is a sibling CPU known to the system bus, used for cross-CPU
// translation-block invalidation (spec.md §9).
type Peer interface {
	InvalidateTranslationBlocks(start, end uint64)
}
