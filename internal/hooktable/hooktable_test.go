package hooktable

import "testing"

func TestAddHookInstallsOncePerAddress(t *testing.T) {
	installs := 0
	tbl := New()
	tbl.AddHook = func(addr uint64) (uintptr, error) {
		installs++
		return uintptr(addr), nil
	}

	var fired []uint64
	cb := func(addr uint64) { fired = append(fired, addr) }
	if err := tbl.AddHookAt(0x1000, cb); err != nil {
		t.Fatalf("AddHookAt: %v", err)
	}
	if err := tbl.AddHookAt(0x1000, cb); err != nil {
		t.Fatalf("AddHookAt: %v", err)
	}
	if installs != 1 {
		t.Fatalf("expected exactly one translator-side install, got %d", installs)
	}

	tbl.Dispatch(0x1000)
	if len(fired) != 2 {
		t.Fatalf("expected both registered callbacks to fire, got %d", len(fired))
	}
}

func TestRemoveAllAtUninstalls(t *testing.T) {
	var removed []uintptr
	tbl := New()
	tbl.AddHook = func(addr uint64) (uintptr, error) { return uintptr(addr), nil }
	tbl.RemoveHook = func(h uintptr) error { removed = append(removed, h); return nil }

	tbl.AddHookAt(0x2000, func(uint64) {})
	if err := tbl.RemoveAllAt(0x2000); err != nil {
		t.Fatalf("RemoveAllAt: %v", err)
	}
	if len(removed) != 1 || removed[0] != 0x2000 {
		t.Fatalf("expected remove_hook(0x2000), got %v", removed)
	}
	if tbl.Count() != 0 {
		t.Fatal("expected hook table entry to be gone")
	}
}

func TestRemoveAllAtNoopWithoutHooks(t *testing.T) {
	tbl := New()
	if err := tbl.RemoveAllAt(0x3000); err != nil {
		t.Fatalf("expected no error removing an unregistered address, got %v", err)
	}
}

func TestReapplyReplacesHandles(t *testing.T) {
	calls := 0
	tbl := New()
	tbl.AddHook = func(addr uint64) (uintptr, error) {
		calls++
		return uintptr(addr) + uintptr(calls), nil
	}
	tbl.AddHookAt(0x4000, func(uint64) {})
	if err := tbl.Reapply(); err != nil {
		t.Fatalf("Reapply: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected install + reapply to each call add_hook, got %d calls", calls)
	}
}

func TestBlockBeginDispatch(t *testing.T) {
	tbl := New()
	var got uint64
	tbl.SetBlockBeginCallback(func(addr uint64) { got = addr })
	tbl.DispatchBlockBegin(0x5000)
	if got != 0x5000 {
		t.Fatalf("expected block-begin callback to fire with addr, got %#x", got)
	}
}
