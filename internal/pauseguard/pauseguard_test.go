package pauseguard

import "testing"

func TestInitializeIgnoresUnwatchedAccess(t *testing.T) {
	g := New()
	if g.Initialize(false) {
		t.Fatal("expected an unwatchpointed access not to request a restart")
	}
	g.Dispose()
}

func TestInitializeRestartsOnceThenProceeds(t *testing.T) {
	g := New()

	if !g.Initialize(true) {
		t.Fatal("expected the first pass over a watchpointed access to request a restart")
	}
	g.Dispose()

	if g.Initialize(true) {
		t.Fatal("expected the second pass (post-retranslation) to proceed without restarting")
	}
	g.Dispose()

	// A third, independent access to the same address restarts again.
	if !g.Initialize(true) {
		t.Fatal("expected a fresh access to request a restart again")
	}
	g.Dispose()
}

func TestOrderPauseSucceedsInsideGuardedAccess(t *testing.T) {
	g := New()
	g.Enter()
	g.Initialize(false)
	if err := g.OrderPause(); err != nil {
		t.Fatalf("expected OrderPause to succeed inside a guarded access, got %v", err)
	}
	g.Dispose()
	g.Leave()
}

func TestOrderPauseFailsOutsideGuardedAccess(t *testing.T) {
	g := New()
	g.Enter()
	if err := g.OrderPause(); err == nil {
		t.Fatal("expected OrderPause to fail when no bus access is in flight")
	}
	g.Leave()
}

func TestOrderPauseSucceedsWhenNotActive(t *testing.T) {
	g := New()
	if err := g.OrderPause(); err != nil {
		t.Fatalf("expected OrderPause to be a no-op when the guard is not active, got %v", err)
	}
}
