// Package snapshot implements the struc+gzip+crc32 binary format used to
// save and restore a CPU's full state, generalizing the teacher's
// savestate.go to the property set, mapped segments, IRQ latches, and
// opaque translator state blob described in spec.md §4.9.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// formatVersion is bumped whenever the uncompressed body layout changes.
const formatVersion = 1

// stream wraps an io.ReadWriter with a fixed byte order, mirroring the
// teacher's StrucStream.
type stream struct {
	rw    io.ReadWriter
	order binary.ByteOrder
}

func (s stream) pack(v interface{}) error {
	return struc.PackWithOrder(s.rw, v, s.order)
}

func (s stream) unpack(v interface{}) error {
	return struc.UnpackWithOrder(s.rw, v, s.order)
}

// Segment is one saved memory mapping's address range. The harness does
// not own guest memory contents — the translator's opaque state blob
// does, per spec.md §4.9 — so only the range needed to re-register the
// mapping on restore is saved, not backing bytes.
type Segment struct {
	StartingOffset uint64
	Size           uint64
}

// Properties is the small set of public CPU properties the snapshot
// format lists alongside the latch array and translator blob (spec.md
// §6 "Snapshot format" point (a)).
type Properties struct {
	ExecutionMode        uint8
	MaximumBlockSize     uint32
	TranslationCacheSize uint64
	CountThreshold       int32
	PerformanceInMips    uint32
}

// State is everything needed to reconstruct a CPU (spec.md §4.9).
type State struct {
	Arch           string
	Properties     Properties
	Segments       []Segment
	IRQLatches     []bool
	TranslatorBlob []byte
}

var order = binary.BigEndian

// Save serializes st into the on-disk format: a small uncompressed
// header (version, crc32 of the compressed body, body length) followed
// by a gzip-compressed body holding the architecture tag, property set,
// memory segments, IRQ latches, and the translator's own opaque state
// blob (spec.md §4.9).
func Save(st *State) ([]byte, error) {
	var body bytes.Buffer
	s := stream{&body, order}

	if err := s.pack(archHeader(st.Arch)); err != nil {
		return nil, errors.Wrap(err, "snapshot: pack arch header")
	}
	if err := s.pack(&st.Properties); err != nil {
		return nil, errors.Wrap(err, "snapshot: pack properties")
	}

	if err := s.pack(uint64(len(st.Segments))); err != nil {
		return nil, errors.Wrap(err, "snapshot: pack segment count")
	}
	for i := range st.Segments {
		if err := s.pack(&st.Segments[i]); err != nil {
			return nil, errors.Wrap(err, "snapshot: pack segment")
		}
	}

	if err := s.pack(uint64(len(st.IRQLatches))); err != nil {
		return nil, errors.Wrap(err, "snapshot: pack irq latch count")
	}
	for _, set := range st.IRQLatches {
		var b uint8
		if set {
			b = 1
		}
		if err := s.pack(b); err != nil {
			return nil, errors.Wrap(err, "snapshot: pack irq latch")
		}
	}

	if err := s.pack(uint64(len(st.TranslatorBlob))); err != nil {
		return nil, errors.Wrap(err, "snapshot: pack translator blob length")
	}
	if _, err := body.Write(st.TranslatorBlob); err != nil {
		return nil, errors.Wrap(err, "snapshot: write translator blob")
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := body.WriteTo(gz); err != nil {
		return nil, errors.Wrap(err, "snapshot: gzip write")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "snapshot: gzip close")
	}

	var final bytes.Buffer
	header := stream{&final, order}
	data := compressed.Bytes()
	if err := header.pack(uint32(formatVersion)); err != nil {
		return nil, err
	}
	if err := header.pack(crc32.ChecksumIEEE(data)); err != nil {
		return nil, err
	}
	if err := header.pack(uint32(len(data))); err != nil {
		return nil, err
	}
	final.Write(data)
	return final.Bytes(), nil
}

type archHeaderT [16]byte

func archHeader(arch string) archHeaderT {
	var h archHeaderT
	copy(h[:], arch)
	return h
}

// Load parses the format produced by Save, validating the crc32 of the
// compressed body before inflating and unpacking it.
func Load(raw []byte) (*State, error) {
	buf := bytes.NewBuffer(raw)
	header := stream{buf, order}

	var version, checksum, length uint32
	if err := header.unpack(&version); err != nil {
		return nil, errors.Wrap(err, "snapshot: read version")
	}
	if version != formatVersion {
		return nil, errors.Errorf("snapshot: unsupported format version %d", version)
	}
	if err := header.unpack(&checksum); err != nil {
		return nil, errors.Wrap(err, "snapshot: read checksum")
	}
	if err := header.unpack(&length); err != nil {
		return nil, errors.Wrap(err, "snapshot: read length")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(buf, data); err != nil {
		return nil, errors.Wrap(err, "snapshot: read compressed body")
	}
	if crc32.ChecksumIEEE(data) != checksum {
		return nil, errors.New("snapshot: crc32 mismatch, corrupt snapshot")
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: gzip reader")
	}
	defer gz.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(gz); err != nil {
		return nil, errors.Wrap(err, "snapshot: gzip inflate")
	}
	s := stream{&body, order}

	var archBuf archHeaderT
	if err := s.unpack(&archBuf); err != nil {
		return nil, errors.Wrap(err, "snapshot: unpack arch header")
	}
	st := &State{Arch: trimZeroes(archBuf[:])}
	if err := s.unpack(&st.Properties); err != nil {
		return nil, errors.Wrap(err, "snapshot: unpack properties")
	}

	var segCount uint64
	if err := s.unpack(&segCount); err != nil {
		return nil, errors.Wrap(err, "snapshot: unpack segment count")
	}
	st.Segments = make([]Segment, segCount)
	for i := range st.Segments {
		if err := s.unpack(&st.Segments[i]); err != nil {
			return nil, errors.Wrap(err, "snapshot: unpack segment")
		}
	}

	var latchCount uint64
	if err := s.unpack(&latchCount); err != nil {
		return nil, errors.Wrap(err, "snapshot: unpack irq latch count")
	}
	st.IRQLatches = make([]bool, latchCount)
	for i := range st.IRQLatches {
		var b uint8
		if err := s.unpack(&b); err != nil {
			return nil, errors.Wrap(err, "snapshot: unpack irq latch")
		}
		st.IRQLatches[i] = b != 0
	}

	var blobLen uint64
	if err := s.unpack(&blobLen); err != nil {
		return nil, errors.Wrap(err, "snapshot: unpack translator blob length")
	}
	blob := make([]byte, blobLen)
	if _, err := io.ReadFull(&body, blob); err != nil {
		return nil, errors.Wrap(err, "snapshot: read translator blob")
	}
	st.TranslatorBlob = blob

	return st, nil
}

func trimZeroes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
