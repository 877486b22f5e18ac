package cpu

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daniilk-spire/renode-infrastructure/internal/translator"
)

type uImageHeaderForTest struct {
	Magic     uint32
	HCRC      uint32
	Time      uint32
	Size      uint32
	Load      uint32
	EntryAddr uint32
	DCRC      uint32
	OS        uint8
	Arch      uint8
	Type      uint8
	Comp      uint8
}

func buildUImage(t *testing.T, entry uint32, archCode uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := uImageHeaderForTest{Magic: 0x27051956, Load: entry, EntryAddr: entry, Arch: archCode, Type: 2}
	require.NoError(t, binary.Write(&buf, binary.BigEndian, hdr))
	buf.Write(make([]byte, 64-buf.Len()))
	return buf.Bytes()
}

type redirectingBusForTest struct {
	*fakeBus
	table map[uint64]uint64
}

func (r *redirectingBusForTest) Redirect(addr uint64) (uint64, bool) {
	v, ok := r.table[addr]
	return v, ok
}

func TestInitFromUImageSetsPC(t *testing.T) {
	var pc uint64
	bind := &translator.Binding{
		SetRegister: func(index uint32, value uint64) { pc = value },
		GetRegister: func(index uint32) uint64 { return pc },
	}
	c := newTestCPU(bind)
	c.arch = "arm"
	c.SetPCRegisterIndex(0)

	data := buildUImage(t, 0x80008000, 2)
	require.NoError(t, c.InitFromUImage(data))
	assert.Equal(t, uint64(0x80008000), c.PC())
}

func TestInitFromUImageRejectsArchitectureMismatch(t *testing.T) {
	c := newTestCPU(nil)
	c.arch = "mips"
	data := buildUImage(t, 0x1000, 2) // arch code 2 == arm
	require.Error(t, c.InitFromUImage(data))
}

func TestInitFromElfRejectsGarbage(t *testing.T) {
	c := newTestCPU(nil)
	require.Error(t, c.InitFromElf([]byte("not an elf")))
}

func TestInitFromUImageResolvesThroughBusRedirector(t *testing.T) {
	var pc uint64
	bind := &translator.Binding{
		SetRegister: func(index uint32, value uint64) { pc = value },
		GetRegister: func(index uint32) uint64 { return pc },
	}
	c := newTestCPU(bind)
	c.arch = "arm"
	c.SetPCRegisterIndex(0)
	c.bus = &redirectingBusForTest{fakeBus: newFakeBus(), table: map[uint64]uint64{0x80008000: 0x1000}}

	data := buildUImage(t, 0x80008000, 2)
	require.NoError(t, c.InitFromUImage(data))
	assert.Equal(t, uint64(0x1000), c.PC())
}
