package cpu

import (
	"github.com/pkg/errors"

	"github.com/daniilk-spire/renode-infrastructure/loader"
)

// InitFromElf parses data as an ELF image, verifies it targets this
// CPU's architecture, and sets PC to its entry point, redirected through
// the registered bus if one implements bus.Redirector (spec.md §6).
func (c *CPU) InitFromElf(data []byte) error {
	img, err := loader.FromElf(data)
	if err != nil {
		return errors.Wrap(err, "cpu: InitFromElf")
	}
	return c.initFromImage(img)
}

// InitFromUImage parses data as a U-Boot legacy uImage and sets PC the
// same way InitFromElf does (spec.md §6).
func (c *CPU) InitFromUImage(data []byte) error {
	img, err := loader.FromUImage(data)
	if err != nil {
		return errors.Wrap(err, "cpu: InitFromUImage")
	}
	return c.initFromImage(img)
}

func (c *CPU) initFromImage(img *loader.Image) error {
	if img.Arch != c.arch {
		return errors.Errorf("cpu: image architecture %q does not match CPU architecture %q", img.Arch, c.arch)
	}
	c.mu.Lock()
	redirector, _ := c.bus.(interface {
		Redirect(addr uint64) (uint64, bool)
	})
	c.mu.Unlock()

	var redirect func(uint64) (uint64, bool)
	if redirector != nil {
		redirect = redirector.Redirect
	}
	c.SetPC(loader.ResolveEntry(img, redirect))
	return nil
}
