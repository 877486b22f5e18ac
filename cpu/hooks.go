package cpu

import "github.com/pkg/errors"

// AddHook registers cb to fire when guest execution reaches addr
// (spec.md §6). Safe to call at any time; the translator-visible
// breakpoint only takes effect after the current block completes
// (spec.md §4.6).
func (c *CPU) AddHook(addr uint64, cb func(addr uint64)) error {
	return errors.Wrap(c.hooks.AddHookAt(addr, cb), "cpu: AddHook")
}

// RemoveHook unregisters cb at addr, removing the translator-visible
// breakpoint once the set at addr becomes empty (spec.md §4.6, §6).
func (c *CPU) RemoveHook(addr uint64, cb func(addr uint64)) error {
	return errors.Wrap(c.hooks.RemoveHookAt(addr, cb), "cpu: RemoveHook")
}

// RemoveAllAt drops every hook registered at addr (spec.md §6).
func (c *CPU) RemoveAllAt(addr uint64) error {
	return errors.Wrap(c.hooks.RemoveAllAt(addr), "cpu: RemoveAllAt")
}

// SetHookAtBlockBegin installs a per-CPU block-begin callback. Passing
// nil uninstalls it. A transition between installed and uninstalled
// forces a translation-cache invalidation, since the translator's
// is_block_begin_event_enabled export then changes value (spec.md
// §4.6).
func (c *CPU) SetHookAtBlockBegin(cb func(addr uint64)) {
	if c.hooks.SetBlockBeginCallback(cb) {
		if c.translator.InvalidateTranslationCache != nil {
			c.translator.InvalidateTranslationCache()
		}
	}
}
