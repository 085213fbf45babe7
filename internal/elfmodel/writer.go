package elfmodel

import (
	"bytes"
	"encoding/binary"

	"github.com/spf13/afero"
)

// byteWriter accumulates a flat byte stream with a small vocabulary of
// fixed-width append operations (Write/WriteN/Write2/Write4/Write8u/
// WriteBytes). It is unexported; this package's minimal-ELF writer is its
// only user.
type byteWriter struct {
	buf bytes.Buffer
}

func (w *byteWriter) Write(b byte) int { w.buf.WriteByte(b); return 1 }

func (w *byteWriter) WriteN(b byte, n int) int {
	for i := 0; i < n; i++ {
		w.buf.WriteByte(b)
	}
	return n
}

func (w *byteWriter) Write2(v uint16) int {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
	return 2
}

func (w *byteWriter) Write4(v uint32) int {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
	return 4
}

func (w *byteWriter) Write8u(v uint64) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
	return 8
}

func (w *byteWriter) WriteBytes(bs []byte) int {
	w.buf.Write(bs)
	return len(bs)
}

const (
	elf64HeaderSize  = 64
	elf64ProgHdrSize = 56
)

// WriteMinimal emits a single flat ELF64, little-endian, class 64, one
// program header per segment in f, alignment 1 — the §4.B "write(path,
// machine_type)" operation. No other package of this module calls it; the
// loader image formatter copies segment bytes directly.
func WriteMinimal(fs afero.Fs, path string, f *File, machine uint16) error {
	numSegs := len(f.Segments)
	headerSize := uint64(elf64HeaderSize + numSegs*elf64ProgHdrSize)

	offsets := make([]uint64, numSegs)
	off := headerSize
	for i, seg := range f.Segments {
		offsets[i] = off
		off += uint64(len(seg.Data))
	}

	w := &byteWriter{}

	// e_ident
	w.Write(0x7f)
	w.Write('E')
	w.Write('L')
	w.Write('F')
	w.Write(2) // ELFCLASS64
	w.Write(1) // ELFDATA2LSB
	w.Write(1) // EV_CURRENT
	w.Write(0) // ELFOSABI_NONE
	w.WriteN(0, 8)

	w.Write2(2) // ET_EXEC
	w.Write2(machine)
	w.Write4(1) // EV_CURRENT
	w.Write8u(f.Entry)
	w.Write8u(elf64HeaderSize) // e_phoff
	w.Write8u(0)               // e_shoff: no section headers
	w.Write4(0)                // e_flags
	w.Write2(elf64HeaderSize)
	w.Write2(elf64ProgHdrSize)
	w.Write2(uint16(numSegs))
	w.Write2(0) // e_shentsize
	w.Write2(0) // e_shnum
	w.Write2(0) // e_shstrndx

	for i, seg := range f.Segments {
		w.Write4(1) // PT_LOAD
		w.Write4(seg.Flags)
		w.Write8u(offsets[i])
		w.Write8u(seg.Vaddr)
		w.Write8u(seg.Paddr)
		w.Write8u(uint64(len(seg.Data)))
		w.Write8u(seg.Memsz)
		w.Write8u(1) // alignment 1
	}

	for _, seg := range f.Segments {
		w.WriteBytes(seg.Data)
	}

	return afero.WriteFile(fs, path, w.buf.Bytes(), 0o644)
}
