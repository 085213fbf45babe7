// Package elfmodel reads, patches, and re-emits the ELF images the system
// builder consumes: the kernel, the monitor, and one per protection domain
// (spec §4.B). Reading is built on debug/elf; patching and re-emission are
// bespoke, matching only the subset of ELF the builder ever needs to write
// back out (one program header per loadable segment).
package elfmodel

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/spf13/afero"
)

// Segment is one loadable program header, with a mutable in-memory copy of
// its file contents so symbol patches can be applied before re-emission.
type Segment struct {
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Flags  uint32 // elf.PF_R | elf.PF_W | elf.PF_X
	Data   []byte
}

// Symbol is the (value, size) pair the builder needs from the symbol table;
// the name is kept only as the map key in File.symbols.
type Symbol struct {
	Value uint64
	Size  uint64
}

// File is the mutable in-memory ELF model the builder patches and, for
// generated outputs, re-emits. It carries only what §4.B names: entry
// point, class, machine type, ordered loadable segments, and a name-keyed
// symbol table.
type File struct {
	Class   elf.Class
	Machine elf.Machine
	Entry   uint64

	Segments []*Segment
	symbols  map[string]Symbol
}

// Parse reads path from fs and builds a File from its ELF32/64 program
// headers and symbol table. Only PT_LOAD segments are kept — that is all
// the builder's operations (get_data, write_symbol, write) ever touch.
func Parse(fs afero.Fs, path string) (*File, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("elfmodel: reading %s: %w", path, err)
	}
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("elfmodel: parsing %s: %w", path, err)
	}
	defer ef.Close()

	f := &File{
		Class:   ef.Class,
		Machine: ef.Machine,
		Entry:   ef.Entry,
		symbols: make(map[string]Symbol),
	}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			n, err := prog.ReadAt(data, 0)
			if err != nil && uint64(n) != prog.Filesz {
				return nil, fmt.Errorf("elfmodel: reading segment at vaddr 0x%x: %w", prog.Vaddr, err)
			}
		}
		f.Segments = append(f.Segments, &Segment{
			Vaddr:  prog.Vaddr,
			Paddr:  prog.Paddr,
			Filesz: prog.Filesz,
			Memsz:  prog.Memsz,
			Flags:  uint32(prog.Flags),
			Data:   data,
		})
	}

	syms, err := ef.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("elfmodel: reading symbol table of %s: %w", path, err)
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		f.symbols[s.Name] = Symbol{Value: s.Value, Size: s.Size}
	}

	return f, nil
}

// New builds a File directly from its fields, bypassing Parse. Dependent
// packages use this to construct deterministic kernel/monitor/PD ELF
// fixtures in tests without round-tripping through a real ELF encoding.
func New(class elf.Class, machine elf.Machine, entry uint64, segments []*Segment, symbols map[string]Symbol) *File {
	if symbols == nil {
		symbols = make(map[string]Symbol)
	}
	return &File{
		Class:    class,
		Machine:  machine,
		Entry:    entry,
		Segments: segments,
		symbols:  symbols,
	}
}

// FindSymbol fails if name is not defined anywhere in the symbol table.
func (f *File) FindSymbol(name string) (Symbol, error) {
	s, ok := f.symbols[name]
	if !ok {
		return Symbol{}, fmt.Errorf("elfmodel: no such symbol %q", name)
	}
	return s, nil
}

// FindSymbolIfExists is the non-failing counterpart of FindSymbol.
func (f *File) FindSymbolIfExists(name string) (Symbol, bool) {
	s, ok := f.symbols[name]
	return s, ok
}

// segmentContaining returns the loadable segment whose virtual range fully
// covers [vaddr, vaddr+size).
func (f *File) segmentContaining(vaddr, size uint64) (*Segment, error) {
	for _, seg := range f.Segments {
		if vaddr >= seg.Vaddr && vaddr+size <= seg.Vaddr+seg.Memsz {
			return seg, nil
		}
	}
	return nil, fmt.Errorf("elfmodel: no loadable segment covers [0x%x, 0x%x)", vaddr, vaddr+size)
}

// GetData returns the bytes backing [vaddr, vaddr+size) from whichever
// loadable segment contains it.
func (f *File) GetData(vaddr, size uint64) ([]byte, error) {
	seg, err := f.segmentContaining(vaddr, size)
	if err != nil {
		return nil, err
	}
	off := vaddr - seg.Vaddr
	if off+size > uint64(len(seg.Data)) {
		// Falls within the segment's zero-filled .bss tail; there is
		// nothing on disk to return.
		return nil, fmt.Errorf("elfmodel: [0x%x, 0x%x) falls in the uninitialized tail of segment at 0x%x", vaddr, vaddr+size, seg.Vaddr)
	}
	return seg.Data[off : off+size], nil
}

// WriteSymbol patches the in-memory copy of the segment backing name with
// data, asserting the patch does not overrun the symbol's declared size.
func (f *File) WriteSymbol(name string, data []byte) error {
	sym, err := f.FindSymbol(name)
	if err != nil {
		return err
	}
	if uint64(len(data)) > sym.Size {
		return fmt.Errorf("elfmodel: patch for symbol %q is %d bytes, larger than its declared size %d", name, len(data), sym.Size)
	}
	seg, err := f.segmentContaining(sym.Value, uint64(len(data)))
	if err != nil {
		return fmt.Errorf("elfmodel: symbol %q: %w", name, err)
	}
	off := sym.Value - seg.Vaddr
	copy(seg.Data[off:], data)
	return nil
}
