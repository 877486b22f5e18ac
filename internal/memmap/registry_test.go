package memmap

import "testing"

func TestMapRejectsUnalignedSegment(t *testing.T) {
	r := New(0x1000)
	err := r.Map(&Segment{StartingOffset: 1, Size: 0x1000})
	if err == nil {
		t.Fatal("expected unaligned segment to be rejected")
	}
}

func TestMapResizesCacheToQuarterOfTotal(t *testing.T) {
	var gotSize uint64
	r := New(0x1000)
	r.SetCacheSize = func(size uint64) { gotSize = size }

	if err := r.Map(&Segment{StartingOffset: 0, Size: 0x4000}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if gotSize != 0x1000 {
		t.Fatalf("expected cache size 0x1000, got %#x", gotSize)
	}
}

func TestTouchHostBlockMaterializesOnce(t *testing.T) {
	var touches int
	r := New(0x1000)
	seg := &Segment{StartingOffset: 0x1000, Size: 0x1000, HostPointer: 0xbeef, Touch: func() { touches++ }}
	if err := r.Map(seg); err != nil {
		t.Fatalf("Map: %v", err)
	}

	r.TouchHostBlock(0x1050)
	r.TouchHostBlock(0x1060)
	if touches != 1 {
		t.Fatalf("expected exactly one materialization, got %d", touches)
	}
}

func TestRebuildHostBlocksSortsByHostPointerAndAliases(t *testing.T) {
	var got []HostBlock
	r := New(0x1000)
	r.SetHostBlocks = func(b []HostBlock) { got = b }

	segA := &Segment{StartingOffset: 0x2000, Size: 0x1000, HostPointer: 0x200}
	segB := &Segment{StartingOffset: 0x1000, Size: 0x1000, HostPointer: 0x100}
	segAlias := &Segment{StartingOffset: 0x3000, Size: 0x1000, HostPointer: 0x100}
	for _, s := range []*Segment{segA, segB, segAlias} {
		if err := r.Map(s); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}

	r.TouchHostBlock(0x2000)
	r.TouchHostBlock(0x1000)
	r.TouchHostBlock(0x3000)

	if len(got) != 3 {
		t.Fatalf("expected 3 host blocks, got %d", len(got))
	}
	if got[0].HostPointer != 0x100 || got[1].HostPointer != 0x100 || got[2].HostPointer != 0x200 {
		t.Fatalf("expected ascending host-pointer order, got %+v", got)
	}
	if got[0].HostBlockStart != 0 || got[1].HostBlockStart != 0 {
		t.Fatalf("expected aliased blocks to share HostBlockStart 0, got %+v", got[:2])
	}
}

func TestUnmapWithoutTranslatorRemovesCoveredSegments(t *testing.T) {
	r := New(0x1000)
	if err := r.Map(&Segment{StartingOffset: 0x1000, Size: 0x1000}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := r.Map(&Segment{StartingOffset: 0x2000, Size: 0x1000}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := r.Unmap(0x1000, 0x1000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	segs := r.Segments()
	if len(segs) != 1 || segs[0].StartingOffset != 0x2000 {
		t.Fatalf("expected only the untouched segment to remain, got %+v", segs)
	}
}

func TestPageAccessViaIOUsesCorrectedMask(t *testing.T) {
	r := New(0x1000)
	r.SetPageAccessViaIO(0x1234)
	if !r.IsIOAccessed(0x1000) {
		t.Fatal("expected addr 0x1234 to flag the containing page 0x1000")
	}
	if r.IsIOAccessed(0x2000) {
		t.Fatal("did not expect an unrelated page to be flagged")
	}
	r.ClearPageAccessViaIO(0x1234)
	if r.IsIOAccessed(0x1000) {
		t.Fatal("expected clear to remove the flag")
	}
}
