package cpu

import (
	"github.com/pkg/errors"

	"github.com/daniilk-spire/renode-infrastructure/internal/memmap"
	"github.com/daniilk-spire/renode-infrastructure/internal/snapshot"
)

// Save implements spec.md §4.9: pause, run BeforeSave, capture the
// property set, segment ranges, IRQ latches, and the translator's own
// opaque state blob, and encode them with internal/snapshot.
func (c *CPU) Save() ([]byte, error) {
	if err := c.Pause(); err != nil {
		return nil, errors.Wrap(err, "cpu: Save failed to pause")
	}
	if c.BeforeSave != nil {
		c.BeforeSave()
	}

	segs := c.memmap.Segments()
	st := &snapshot.State{
		Arch: c.arch,
		Properties: snapshot.Properties{
			ExecutionMode:        uint8(c.ExecutionMode()),
			MaximumBlockSize:     c.MaximumBlockSize(),
			TranslationCacheSize: c.TranslationCacheSize(),
			CountThreshold:       c.CountThreshold(),
			PerformanceInMips:    c.PerformanceInMips(),
		},
		Segments:   make([]snapshot.Segment, len(segs)),
		IRQLatches: c.irq.Snapshot(),
	}
	for i, s := range segs {
		st.Segments[i] = snapshot.Segment{StartingOffset: s.StartingOffset, Size: s.Size}
	}
	if c.translator != nil {
		st.TranslatorBlob = c.translator.ExportStateBytes()
	}

	return snapshot.Save(st)
}

// Load implements spec.md §4.9: decode raw, re-register the saved
// memory segments, restore IRQ latches, hand the opaque blob back to the
// translator, restore the saved properties, reapply hooks (translator
// hook handles do not survive a reset), and run AfterLoad.
func (c *CPU) Load(raw []byte) error {
	if err := c.Pause(); err != nil {
		return errors.Wrap(err, "cpu: Load failed to pause")
	}

	st, err := snapshot.Load(raw)
	if err != nil {
		return errors.Wrap(err, "cpu: Load failed to decode snapshot")
	}
	if st.Arch != c.arch {
		return errors.Errorf("cpu: snapshot architecture %q does not match CPU architecture %q", st.Arch, c.arch)
	}

	if c.translator.Reset != nil {
		c.translator.Reset()
	}
	for _, seg := range st.Segments {
		if err := c.memmap.Map(&memmap.Segment{StartingOffset: seg.StartingOffset, Size: seg.Size}); err != nil {
			return errors.Wrap(err, "cpu: Load failed to re-register memory")
		}
	}
	c.irq.Restore(st.IRQLatches)
	if c.translator != nil {
		c.translator.ImportStateBytes(st.TranslatorBlob)
	}

	c.SetExecutionMode(ExecutionMode(st.Properties.ExecutionMode))
	if c.translator.SetMaxBlockSize != nil {
		c.translator.SetMaxBlockSize(st.Properties.MaximumBlockSize)
	}
	if c.translator.SetTranslationCacheSize != nil {
		c.translator.SetTranslationCacheSize(uintptr(st.Properties.TranslationCacheSize))
	}
	if c.translator.SetCountThreshold != nil {
		c.translator.SetCountThreshold(st.Properties.CountThreshold)
	}
	c.opts.PerformanceInMips = st.Properties.PerformanceInMips

	if err := c.hooks.Reapply(); err != nil {
		return errors.Wrap(err, "cpu: Load failed to reapply hooks")
	}

	if c.AfterLoad != nil {
		c.AfterLoad()
	}
	return nil
}
