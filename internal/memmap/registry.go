// Package memmap tracks page-aligned guest regions and their host-memory
// backing, and rebuilds the translator-visible host-blocks table whenever
// a segment is first touched (spec.md §4.5).
package memmap

import (
	"sort"

	"github.com/pkg/errors"
)

// Segment is a mapped guest region and its host-side materialization
// state (spec.md §3).
type Segment struct {
	StartingOffset uint64
	Size           uint64
	HostPointer    uintptr
	touched        bool

	// Touch lazily materializes the host-side backing for this segment
	// the first time the translator reports activity on one of its pages.
	// It is supplied by the registry's owner (the CPU); the default is a
	// no-op for segments that are already backed at Map time.
	Touch func()
}

func (s *Segment) touch() {
	if !s.touched {
		if s.Touch != nil {
			s.Touch()
		}
		s.touched = true
	}
}

// HostBlock is the translator-facing record described in spec.md §3:
// emitted sorted ascending by HostPointer, with HostBlockStart indexing
// the first block sharing that pointer so aliased mappings can be
// expressed without duplicating the aliased range.
type HostBlock struct {
	Start           uint32
	Size            uint32
	HostPointer     uintptr
	HostBlockStart  int32
}

// MapRangeFunc/UnmapRangeFunc/IsRangeMappedFunc bind to the translator's
// map_range/unmap_range/is_range_mapped imports (spec.md §4.1).
type (
	MapRangeFunc       func(start, size uint32) error
	UnmapRangeFunc     func(start, end uint32) error
	IsRangeMappedFunc  func(start, size uint32) bool
	SetHostBlocksFunc  func(blocks []HostBlock)
	SetCacheSizeFunc   func(size uint64)
)

// Registry is the Memory Map Registry component.
type Registry struct {
	PageSize uint32

	MapRange      MapRangeFunc
	UnmapRange    UnmapRangeFunc
	IsRangeMapped IsRangeMappedFunc
	SetHostBlocks SetHostBlocksFunc
	SetCacheSize  SetCacheSizeFunc

	segments []*Segment
	ioPages  map[uint64]struct{}
}

// New returns an empty registry for the given translator page size.
func New(pageSize uint32) *Registry {
	return &Registry{PageSize: pageSize, ioPages: make(map[uint64]struct{})}
}

func (r *Registry) alignedPage(addr uint64) uint64 {
	return addr &^ (uint64(r.PageSize) - 1)
}

// Map appends a segment, validates page alignment, maps it with the
// translator, and resizes the translation cache to sum(sizes)/4 (spec.md
// §4.5). Must be called while the owning CPU is paused.
func (r *Registry) Map(seg *Segment) error {
	if seg.StartingOffset%uint64(r.PageSize) != 0 || seg.Size%uint64(r.PageSize) != 0 {
		return errors.Errorf("memmap: segment %#x/%#x is not page-aligned (page size %#x)", seg.StartingOffset, seg.Size, r.PageSize)
	}
	r.segments = append(r.segments, seg)
	if r.MapRange != nil {
		if err := r.MapRange(uint32(seg.StartingOffset), uint32(seg.Size)); err != nil {
			return errors.Wrap(err, "memmap: map_range failed")
		}
	}
	if r.SetCacheSize != nil {
		r.SetCacheSize(r.sumSizes() / 4)
	}
	return nil
}

func (r *Registry) sumSizes() uint64 {
	var total uint64
	for _, s := range r.segments {
		total += s.Size
	}
	return total
}

// Unmap validates alignment, unmaps the range with the translator (which
// flags those pages as I/O), then rebuilds the segment list by asking the
// translator which ranges remain mapped (spec.md §4.5). Must be called
// while the owning CPU is paused.
func (r *Registry) Unmap(start, size uint64) error {
	if start%uint64(r.PageSize) != 0 || size%uint64(r.PageSize) != 0 {
		return errors.Errorf("memmap: unmap range %#x/%#x is not page-aligned", start, size)
	}
	end := start + size
	if r.UnmapRange != nil {
		if err := r.UnmapRange(uint32(start), uint32(end-1)); err != nil {
			return errors.Wrap(err, "memmap: unmap_range failed")
		}
	}
	r.rebuildFromTranslator(start, end)
	return nil
}

func (r *Registry) rebuildFromTranslator(start, end uint64) {
	kept := r.segments[:0]
	for _, s := range r.segments {
		if r.IsRangeMapped != nil {
			if r.IsRangeMapped(uint32(s.StartingOffset), uint32(s.Size)) {
				kept = append(kept, s)
			}
			continue
		}
		// No translator bound (unit tests): fall back to removing the
		// segments fully covered by [start,end).
		if s.StartingOffset >= start && s.StartingOffset+s.Size <= end {
			continue
		}
		kept = append(kept, s)
	}
	r.segments = kept
}

// TouchHostBlock locates the segment containing offset, materializes it
// lazily, marks it touched, and rebuilds the host-blocks table (spec.md
// §4.5). Bound to the translator's touch_host_block export.
func (r *Registry) TouchHostBlock(offset uint64) {
	for _, s := range r.segments {
		if offset >= s.StartingOffset && offset < s.StartingOffset+s.Size {
			s.touch()
			r.rebuildHostBlocks()
			return
		}
	}
}

// rebuildHostBlocks recomputes the sorted, alias-aware host-blocks table
// and hands it to the translator via SetHostBlocks.
func (r *Registry) rebuildHostBlocks() {
	touched := make([]*Segment, 0, len(r.segments))
	for _, s := range r.segments {
		if s.touched {
			touched = append(touched, s)
		}
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].HostPointer < touched[j].HostPointer })

	blocks := make([]HostBlock, len(touched))
	firstIdx := map[uintptr]int{}
	for i, s := range touched {
		start, ok := firstIdx[s.HostPointer]
		if !ok {
			start = i
			firstIdx[s.HostPointer] = i
		}
		blocks[i] = HostBlock{
			Start:          uint32(s.StartingOffset),
			Size:           uint32(s.Size),
			HostPointer:    s.HostPointer,
			HostBlockStart: int32(start),
		}
	}
	if r.SetHostBlocks != nil {
		r.SetHostBlocks(blocks)
	}
}

// SetPageAccessViaIO and ClearPageAccessViaIO toggle membership of the
// page containing addr in the I/O-access set (spec.md §4.5). The key is
// masked with addr &^ (pageSize-1); spec.md §9 flags the source's
// addr & pageSize mask as a bug and specifies the corrected mask used
// here.
func (r *Registry) SetPageAccessViaIO(addr uint64) {
	r.ioPages[r.alignedPage(addr)] = struct{}{}
}

func (r *Registry) ClearPageAccessViaIO(addr uint64) {
	delete(r.ioPages, r.alignedPage(addr))
}

// IsIOAccessed reports whether addr's page is flagged for I/O bypass,
// bound to the translator's is_io_accessed export.
func (r *Registry) IsIOAccessed(addr uint64) bool {
	_, ok := r.ioPages[r.alignedPage(addr)]
	return ok
}

// Segments returns the currently tracked segments, for invariant checks
// (spec.md §8) and snapshotting.
func (r *Registry) Segments() []*Segment {
	out := make([]*Segment, len(r.segments))
	copy(out, r.segments)
	return out
}
