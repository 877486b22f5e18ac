package loader

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFromElfRejectsGarbage(t *testing.T) {
	if _, err := FromElf([]byte("not an elf")); err == nil {
		t.Fatal("expected FromElf to reject non-ELF data")
	}
}

func buildUImageHeader(t *testing.T, entry uint32, arch uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := uImageHeader{
		Magic:     uImageMagic,
		HCRC:      0,
		Time:      0,
		Size:      0,
		Load:      entry,
		EntryAddr: entry,
		DCRC:      0,
		OS:        0,
		Arch:      arch,
		Type:      2,
		Comp:      0,
	}
	if err := binary.Write(&buf, binary.BigEndian, hdr); err != nil {
		t.Fatalf("binary.Write: %v", err)
	}
	buf.Write(make([]byte, 64-buf.Len()))
	return buf.Bytes()
}

func TestFromUImageParsesEntryAndArch(t *testing.T) {
	data := buildUImageHeader(t, 0x80008000, 2)
	img, err := FromUImage(data)
	if err != nil {
		t.Fatalf("FromUImage: %v", err)
	}
	if img.Arch != "arm" {
		t.Fatalf("expected arch arm, got %q", img.Arch)
	}
	if img.Entry != 0x80008000 {
		t.Fatalf("expected entry 0x80008000, got %#x", img.Entry)
	}
}

func TestFromUImageRejectsBadMagic(t *testing.T) {
	data := make([]byte, 64)
	if _, err := FromUImage(data); err == nil {
		t.Fatal("expected FromUImage to reject a bad magic")
	}
}

func TestResolveEntryAppliesRedirect(t *testing.T) {
	img := &Image{Entry: 0x1000}
	got := ResolveEntry(img, func(addr uint64) (uint64, bool) { return 0x2000, true })
	if got != 0x2000 {
		t.Fatalf("expected redirected entry 0x2000, got %#x", got)
	}
}

func TestResolveEntryFallsBackWithoutRedirect(t *testing.T) {
	img := &Image{Entry: 0x1000}
	if got := ResolveEntry(img, nil); got != 0x1000 {
		t.Fatalf("expected original entry, got %#x", got)
	}
}
