package main

import "github.com/daniilk-spire/renode-infrastructure/bus"

// flatBus is the simplest possible bus.Bus: a single contiguous byte
// slice starting at base, with no watchpoints. A host program backing a
// real system would compose several of these, or something richer,
// behind the same interface.
type flatBus struct {
	mem  []byte
	base uint64
}

func newFlatBus(mem []byte, base uint64) *flatBus {
	return &flatBus{mem: mem, base: base}
}

func (b *flatBus) off(addr uint32) uint64 { return uint64(addr) - b.base }

func (b *flatBus) ReadByte(addr uint32) (uint8, error)  { return b.mem[b.off(addr)], nil }
func (b *flatBus) WriteByte(addr uint32, v uint8) error { b.mem[b.off(addr)] = v; return nil }

func (b *flatBus) ReadWord(addr uint32) (uint16, error) {
	o := b.off(addr)
	return uint16(b.mem[o]) | uint16(b.mem[o+1])<<8, nil
}

func (b *flatBus) WriteWord(addr uint32, v uint16) error {
	o := b.off(addr)
	b.mem[o] = byte(v)
	b.mem[o+1] = byte(v >> 8)
	return nil
}

func (b *flatBus) ReadDword(addr uint32) (uint32, error) {
	o := b.off(addr)
	return uint32(b.mem[o]) | uint32(b.mem[o+1])<<8 | uint32(b.mem[o+2])<<16 | uint32(b.mem[o+3])<<24, nil
}

func (b *flatBus) WriteDword(addr uint32, v uint32) error {
	o := b.off(addr)
	b.mem[o] = byte(v)
	b.mem[o+1] = byte(v >> 8)
	b.mem[o+2] = byte(v >> 16)
	b.mem[o+3] = byte(v >> 24)
	return nil
}

func (b *flatBus) IsWatchpointAt(addr uint32, access bus.Access) bool { return false }
