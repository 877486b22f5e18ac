package cpu

import "github.com/daniilk-spire/renode-infrastructure/internal/clocksource"

// AddClockEntry schedules a timer callback on the clock source. Per
// spec.md §4.8, the transition from zero to one entries requires
// invalidating the translation cache, since the translator's
// is_instruction_count_enabled export now returns 1 and any block
// translated before this call did not account for instruction counting.
func (c *CPU) AddClockEntry(e *clocksource.Entry) {
	if c.clock.Add(e) {
		c.invalidateTranslationCache()
	}
}

// RemoveClockEntry unregisters the entry scheduled for handler h.
func (c *CPU) RemoveClockEntry(h clocksource.Handler) {
	c.clock.Remove(h)
}

func (c *CPU) invalidateTranslationCache() {
	if c.translator.InvalidateTranslationCache != nil {
		c.translator.InvalidateTranslationCache()
	}
}

// TranslationCacheSize reports the translation cache size in bytes
// configured in Options. The sum(segment sizes)/4 resize that MapMemory
// applies to the translator is not reflected here.
func (c *CPU) TranslationCacheSize() uint64 {
	return c.opts.TranslationCacheSize
}

// MaximumBlockSize reports the configured maximum block size.
func (c *CPU) MaximumBlockSize() uint32 {
	return c.opts.MaximumBlockSize
}

// CountThreshold reports the configured instruction count threshold.
func (c *CPU) CountThreshold() int32 {
	return c.opts.CountThreshold
}
