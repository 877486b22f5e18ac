package snapshot

import "testing"

func TestSaveLoadRoundTrip(t *testing.T) {
	st := &State{
		Arch: "arm",
		Properties: Properties{
			ExecutionMode:        1,
			MaximumBlockSize:     32,
			TranslationCacheSize: 1 << 20,
			CountThreshold:       1000,
			PerformanceInMips:    100,
		},
		Segments: []Segment{
			{StartingOffset: 0x1000, Size: 0x4000},
			{StartingOffset: 0x40000000, Size: 0x1000},
		},
		IRQLatches:     []bool{true, false, true},
		TranslatorBlob: []byte("opaque-native-state"),
	}

	raw, err := Save(st)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.Arch != st.Arch {
		t.Fatalf("arch mismatch: got %q want %q", got.Arch, st.Arch)
	}
	if got.Properties != st.Properties {
		t.Fatalf("properties mismatch: got %+v want %+v", got.Properties, st.Properties)
	}
	if len(got.Segments) != 2 || got.Segments[0] != st.Segments[0] || got.Segments[1] != st.Segments[1] {
		t.Fatalf("segment mismatch: %+v", got.Segments)
	}
	if len(got.IRQLatches) != 3 || !got.IRQLatches[0] || got.IRQLatches[1] || !got.IRQLatches[2] {
		t.Fatalf("irq latch mismatch: %v", got.IRQLatches)
	}
	if string(got.TranslatorBlob) != "opaque-native-state" {
		t.Fatalf("translator blob mismatch: %q", got.TranslatorBlob)
	}
}

func TestLoadRejectsCorruptChecksum(t *testing.T) {
	raw, err := Save(&State{Arch: "x86"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if _, err := Load(raw); err == nil {
		t.Fatal("expected Load to reject a corrupted body")
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	raw, err := Save(&State{Arch: "x86"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw[3] = 0xff
	if _, err := Load(raw); err == nil {
		t.Fatal("expected Load to reject an unsupported format version")
	}
}

func TestSaveLoadEmptyState(t *testing.T) {
	raw, err := Save(&State{Arch: "riscv"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Arch != "riscv" {
		t.Fatalf("arch mismatch: got %q", got.Arch)
	}
	if len(got.Segments) != 0 || len(got.IRQLatches) != 0 || len(got.TranslatorBlob) != 0 {
		t.Fatalf("expected all-empty state, got %+v", got)
	}
}
