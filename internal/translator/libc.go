package translator

import (
	"runtime"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// libc backs the translator's allocate/reallocate/free exports (spec.md
// §4.1, §4.2) with the platform C allocator, resolved the same way Load
// resolves the translator .so itself — purego.Dlopen + Dlsym — since
// purego intentionally has no allocator of its own (the host process,
// not Go's GC, must own memory the translator keeps a native pointer to
// across calls).
type libc struct {
	Malloc  func(size uintptr) uintptr
	Realloc func(ptr uintptr, size uintptr) uintptr
	Free    func(ptr uintptr)
}

func loadLibc() (*libc, error) {
	name := "libc.so.6"
	switch runtime.GOOS {
	case "darwin":
		name = "/usr/lib/libSystem.B.dylib"
	case "windows":
		name = "msvcrt.dll"
	}
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrapf(err, "translator: failed to dlopen %s for the allocator", name)
	}
	l := &libc{}
	purego.RegisterLibFunc(&l.Malloc, handle, "malloc")
	purego.RegisterLibFunc(&l.Realloc, handle, "realloc")
	purego.RegisterLibFunc(&l.Free, handle, "free")
	return l, nil
}
