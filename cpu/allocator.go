package cpu

// allocate, reallocate, and free back the translator's allocate/
// reallocate/free exports: they perform the actual native allocation
// through the translator binding's libc-backed allocator and keep
// internal/memmgr's bookkeeping in sync, exactly as spec.md §4.2
// describes (reallocate's null-pointer and zero-size special cases are
// handled here before the general reallocate-in-place path).
func (c *CPU) allocate(size uint64) uintptr {
	ptr := c.translator.AllocNative(size)
	if ptr == 0 {
		return 0
	}
	c.mem.Allocate(ptr, size)
	return ptr
}

func (c *CPU) reallocate(ptr uintptr, size uint64) uintptr {
	if ptr == 0 {
		return c.allocate(size)
	}
	if size == 0 {
		c.free(ptr)
		return 0
	}
	newPtr := c.translator.ReallocNative(ptr, size)
	if newPtr == 0 {
		return 0
	}
	c.mem.Reallocate(ptr, newPtr, size)
	return newPtr
}

func (c *CPU) free(ptr uintptr) {
	c.translator.FreeNative(ptr)
	c.mem.Free(ptr)
}
