package irqplane

import "testing"

func TestOnGPIOLatchesAndForwards(t *testing.T) {
	var pushed []int32
	p := New(4)
	p.Decode = func(line int) int32 { return int32(line) + 10 }
	p.SetIRQ = func(decoded int32, level bool) {
		if level {
			pushed = append(pushed, decoded)
		}
	}

	p.OnGPIO(0, true, true, false)
	if !p.IsSetEvent(0) {
		t.Fatal("expected line 0 to be latched")
	}
	if len(pushed) != 1 || pushed[0] != 10 {
		t.Fatalf("expected set_irq(10, true) to be forwarded, got %v", pushed)
	}
}

func TestOnGPIOSuppressedWhileStepping(t *testing.T) {
	var pushed int
	p := New(2)
	p.Decode = func(line int) int32 { return int32(line) }
	p.SetIRQ = func(decoded int32, level bool) { pushed++ }

	p.OnGPIO(1, true, true, true)
	if pushed != 0 {
		t.Fatal("expected set_irq not to fire while interrupts are suppressed during stepping")
	}
	if !p.IsSetEvent(1) {
		t.Fatal("expected latch to still be updated even while suppressed")
	}
}

func TestRepushAllOnResume(t *testing.T) {
	var pushed []bool
	p := New(2)
	p.Decode = func(line int) int32 { return int32(line) }
	p.SetIRQ = func(decoded int32, level bool) { pushed = append(pushed, level) }

	p.OnGPIO(0, true, false, false)
	p.RepushAll()
	if len(pushed) != 2 {
		t.Fatalf("expected one push per declared line, got %d", len(pushed))
	}
	if !pushed[0] || pushed[1] {
		t.Fatalf("expected repush to reflect latched state, got %v", pushed)
	}
}

func TestSnapshotRestore(t *testing.T) {
	p := New(3)
	p.Decode = func(line int) int32 { return int32(line) }
	p.SetIRQ = func(decoded int32, level bool) {}
	p.OnGPIO(2, true, false, false)

	saved := p.Snapshot()
	p2 := New(3)
	p2.Restore(saved)
	if !p2.IsSetEvent(2) {
		t.Fatal("expected restored latch to match snapshot")
	}
}

func TestNewPanicsOnTooFewLines(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected New to panic with fewer than 2 lines")
		}
	}()
	New(1)
}
