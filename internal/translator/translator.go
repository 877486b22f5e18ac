// Package translator loads the per-architecture native dynamic binary
// translator shared object at runtime and binds its imports and exports,
// replacing the teacher's build-time cgo bindings to a fixed engine
// (spec.md §4.1) with purego's dlopen/dlsym-based FFI, since the engine
// to load is not known until the architecture is chosen at runtime.
//
// Naming follows spec.md §4.1's perspective: "imports" are native
// functions the managed side calls into (bound below as fields on
// Binding via purego.RegisterLibFunc); "exports" are managed functions
// the native side calls back into (bound below as Callbacks, registered
// with the library via purego.NewCallback trampolines).
package translator

import (
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// Callbacks are the managed-side functions the native translator calls
// into — spec.md §4.1's "exports". A nil field means the translator
// build in use does not call back for that concern; Load skips
// registering it rather than erroring, since not every architecture's
// translator exercises every callback (e.g. a translator with no MMU
// never calls translate_to_physical's counterpart).
type Callbacks struct {
	ReadByte    func(addr uint32) uint32
	ReadWord    func(addr uint32) uint32
	ReadDword   func(addr uint32) uint32
	WriteByte   func(addr, val uint32)
	WriteWord   func(addr, val uint32)
	WriteDword  func(addr, val uint32)

	OnBlockBegin func(addr, size uint32)
	ReportAbort  func(message string)

	IsIOAccessed              func(addr uint32) int32
	UpdateInstructionCounter  func(n int32)
	IsInstructionCountEnabled func() uint32
	IsBlockBeginEventEnabled  func() uint32
	TouchHostBlock            func(addr uint32)
	InvalidateTBInOtherCPUs   func(start, end uint32)

	Allocate   func(size uint64) uintptr
	Reallocate func(ptr uintptr, size uint64) uintptr
	Free       func(ptr uintptr)

	LogAsCPU        func(level int32, message string)
	LogDisassembly  func(addr, size, flags uint32)
	GetCPUIndex     func() int32

	OnTranslationCacheSizeChange func(size int32)
}

// Binding owns a loaded translator .so and the bound import table:
// every native function listed in spec.md §4.1 that the managed side
// calls directly.
type Binding struct {
	handle   uintptr
	tempPath string
	libc     *libc

	// callbacks holds every purego.NewCallback trampoline created for
	// this binding; they must be kept alive for the binding's lifetime
	// or the runtime may reclaim them out from under the native side.
	callbacks []uintptr

	Init                        func(cpuType int32) int32
	Dispose                     func()
	Reset                       func()
	Execute                     func() int32
	RestartTranslationBlock     func()
	SetPaused                   func()
	ClearPaused                 func()
	IsWFI                       func() uint32
	GetPageSize                 func() uint32
	MapRange                    func(start, size uint32)
	UnmapRange                  func(start, end uint32)
	IsRangeMapped               func(start, size uint32) uint32
	InvalidateTranslationBlocks func(start, end uintptr)
	TranslateToPhysical         func(addr uint32) uint32
	SetHostBlocks               func(ptr uintptr, count int32)
	FreeHostBlocks              func()
	SetCountThreshold           func(n int32)
	SetIRQ                      func(line, level int32)
	IsIRQSet                    func() uint32
	AddBreakpoint               func(addr uint32)
	RemoveBreakpoint            func(addr uint32)
	AttachLogBlockFetch         func(ptr uintptr)
	SetOnBlockTranslationEnabled func(enabled int32)
	SetTranslationCacheSize     func(size uintptr)
	InvalidateTranslationCache  func()
	SetMaxBlockSize             func(size uint32) uint32
	GetMaxBlockSize             func() uint32
	RestoreContext              func()
	ExportState                 func() uintptr
	ImportState                 func(ptr uintptr, size int32)
	GetStateSize                func() int32

	// SetRegister/GetRegister are not named in spec.md §4.1's import
	// list but are required by the register bank component; bound the
	// same way as the rest of the import table, tolerant of a
	// translator build that omits them. The hook table's own
	// AddHook/RemoveHook fields (internal/hooktable) are wired by cpu.New
	// to AddBreakpoint/RemoveBreakpoint above; there is no separate hook
	// import.
	SetRegister func(index uint32, value uint64)
	GetRegister func(index uint32) uint64
}

// Load extracts libraryData to a temp file, dlopens it, binds every
// import, and registers every supplied callback (spec.md §4.1). The
// caller owns the returned Binding and must call Close when the CPU is
// disposed.
func Load(arch string, libraryData []byte, callbacks Callbacks) (*Binding, error) {
	tmp, err := extractTemp(arch, libraryData)
	if err != nil {
		return nil, err
	}

	handle, err := purego.Dlopen(tmp, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		os.Remove(tmp)
		return nil, errors.Wrapf(err, "translator: dlopen %s failed", tmp)
	}

	b := &Binding{handle: handle, tempPath: tmp}
	b.bindImports()
	b.bindCallbacks(callbacks)

	if lc, lerr := loadLibc(); lerr == nil {
		b.libc = lc
	}
	return b, nil
}

// AllocNative, ReallocNative, and FreeNative back the translator's
// allocate/reallocate/free exports with the platform C allocator
// (spec.md §4.2); callers are expected to pair them with
// internal/memmgr bookkeeping. They are no-ops (returning 0) if libc
// could not be resolved on this platform.
func (b *Binding) AllocNative(size uint64) uintptr {
	if b.libc == nil {
		return 0
	}
	return b.libc.Malloc(uintptr(size))
}

func (b *Binding) ReallocNative(ptr uintptr, size uint64) uintptr {
	if b.libc == nil {
		return 0
	}
	return b.libc.Realloc(ptr, uintptr(size))
}

func (b *Binding) FreeNative(ptr uintptr) {
	if b.libc == nil || ptr == 0 {
		return
	}
	b.libc.Free(ptr)
}

// ExportStateBytes copies the translator's opaque state blob out of
// native memory, sized by get_state_size, for inclusion in a snapshot
// (spec.md §4.9). Returns nil if the translator build exports neither
// function.
func (b *Binding) ExportStateBytes() []byte {
	if b.ExportState == nil || b.GetStateSize == nil {
		return nil
	}
	size := b.GetStateSize()
	if size <= 0 {
		return nil
	}
	ptr := b.ExportState()
	if ptr == 0 {
		return nil
	}
	native := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(size))
	out := make([]byte, size)
	copy(out, native)
	return out
}

// ImportStateBytes hands blob back to the translator via import_state, a
// no-op if the translator build does not export it or blob is empty.
func (b *Binding) ImportStateBytes(blob []byte) {
	if b.ImportState == nil || len(blob) == 0 {
		return
	}
	b.ImportState(uintptr(unsafe.Pointer(&blob[0])), int32(len(blob)))
}

// extractTemp copies libraryData to a temp file with a platform-correct
// shared-library suffix, since purego.Dlopen requires a filesystem path
// and the translator is shipped as an in-memory asset per architecture.
func extractTemp(arch string, data []byte) (string, error) {
	suffix := ".so"
	switch runtime.GOOS {
	case "darwin":
		suffix = ".dylib"
	case "windows":
		suffix = ".dll"
	}
	f, err := os.CreateTemp("", "translator-"+arch+"-*"+suffix)
	if err != nil {
		return "", errors.Wrap(err, "translator: failed to create temp file")
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(err, "translator: failed to write library image")
	}
	return f.Name(), nil
}

// bindImports resolves every native import via purego, silently leaving
// a field nil when the loaded library does not export it — a translator
// built for a simpler architecture may omit MMU-related imports like
// translate_to_physical.
func (b *Binding) bindImports() {
	bindings := []struct {
		name string
		fn   interface{}
	}{
		{"init", &b.Init},
		{"dispose", &b.Dispose},
		{"reset", &b.Reset},
		{"execute", &b.Execute},
		{"restart_translation_block", &b.RestartTranslationBlock},
		{"set_paused", &b.SetPaused},
		{"clear_paused", &b.ClearPaused},
		{"is_wfi", &b.IsWFI},
		{"get_page_size", &b.GetPageSize},
		{"map_range", &b.MapRange},
		{"unmap_range", &b.UnmapRange},
		{"is_range_mapped", &b.IsRangeMapped},
		{"invalidate_translation_blocks", &b.InvalidateTranslationBlocks},
		{"translate_to_physical", &b.TranslateToPhysical},
		{"set_host_blocks", &b.SetHostBlocks},
		{"free_host_blocks", &b.FreeHostBlocks},
		{"set_count_threshold", &b.SetCountThreshold},
		{"set_irq", &b.SetIRQ},
		{"is_irq_set", &b.IsIRQSet},
		{"add_breakpoint", &b.AddBreakpoint},
		{"remove_breakpoint", &b.RemoveBreakpoint},
		{"attach_log_block_fetch", &b.AttachLogBlockFetch},
		{"set_on_block_translation_enabled", &b.SetOnBlockTranslationEnabled},
		{"set_translation_cache_size", &b.SetTranslationCacheSize},
		{"invalidate_translation_cache", &b.InvalidateTranslationCache},
		{"set_max_block_size", &b.SetMaxBlockSize},
		{"get_max_block_size", &b.GetMaxBlockSize},
		{"restore_context", &b.RestoreContext},
		{"export_state", &b.ExportState},
		{"import_state", &b.ImportState},
		{"get_state_size", &b.GetStateSize},
		{"set_register", &b.SetRegister},
		{"get_register", &b.GetRegister},
	}
	for _, imp := range bindings {
		if _, err := purego.Dlsym(b.handle, imp.name); err != nil {
			continue
		}
		purego.RegisterLibFunc(imp.fn, b.handle, imp.name)
	}
}

// bindCallbacks wraps each non-nil Callbacks field in a purego callback
// trampoline and hands its address to the library's matching
// register_<export> function, e.g. register_read_byte_from_bus. This
// mirrors purego.NewCallback's use for exposing Go functions with a
// fixed C ABI to native code, since purego itself cannot make a Go
// function resolvable by name from a C dlsym call the way the translator
// would need to look up "read_byte_from_bus" directly.
func (b *Binding) bindCallbacks(cb Callbacks) {
	register := func(exportName string, goFunc interface{}) {
		if goFunc == nil {
			return
		}
		registerName := "register_" + exportName
		if _, err := purego.Dlsym(b.handle, registerName); err != nil {
			return
		}
		var registerFn func(uintptr)
		purego.RegisterLibFunc(&registerFn, b.handle, registerName)
		ptr := purego.NewCallback(goFunc)
		b.callbacks = append(b.callbacks, ptr)
		registerFn(ptr)
	}

	register("read_byte_from_bus", cb.ReadByte)
	register("read_word_from_bus", cb.ReadWord)
	register("read_dword_from_bus", cb.ReadDword)
	register("write_byte_to_bus", cb.WriteByte)
	register("write_word_to_bus", cb.WriteWord)
	register("write_dword_to_bus", cb.WriteDword)
	register("on_block_begin", cb.OnBlockBegin)
	if cb.ReportAbort != nil {
		register("report_abort", func(messagePtr uintptr) { cb.ReportAbort(cString(messagePtr)) })
	}
	register("is_io_accessed", cb.IsIOAccessed)
	register("update_instruction_counter", cb.UpdateInstructionCounter)
	register("is_instruction_count_enabled", cb.IsInstructionCountEnabled)
	register("is_block_begin_event_enabled", cb.IsBlockBeginEventEnabled)
	register("touch_host_block", cb.TouchHostBlock)
	register("invalidate_tb_in_other_cpus", cb.InvalidateTBInOtherCPUs)
	register("allocate", cb.Allocate)
	register("reallocate", cb.Reallocate)
	register("free", cb.Free)
	if cb.LogAsCPU != nil {
		register("log_as_cpu", func(level int32, messagePtr uintptr) { cb.LogAsCPU(level, cString(messagePtr)) })
	}
	register("log_disassembly", cb.LogDisassembly)
	register("get_cpu_index", cb.GetCPUIndex)
	register("on_translation_cache_size_change", cb.OnTranslationCacheSizeChange)
}

// cString reads a NUL-terminated string out of native memory, used for
// callback arguments that pass a C string pointer (report_abort,
// log_as_cpu).
func cString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var buf []byte
	base := unsafe.Pointer(ptr)
	for i := 0; ; i++ {
		b := *(*byte)(unsafe.Add(base, i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// Close releases the native library and removes the extracted temp file.
// Safe to call multiple times.
func (b *Binding) Close() error {
	var err error
	if b.handle != 0 {
		err = purego.Dlclose(b.handle)
		b.handle = 0
	}
	if b.tempPath != "" {
		os.Remove(filepath.Clean(b.tempPath))
		b.tempPath = ""
	}
	return err
}
