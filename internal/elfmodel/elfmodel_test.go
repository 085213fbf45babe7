package elfmodel

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/spf13/afero"
)

// buildFixture writes a minimal real ELF64 to fs via the package's own
// writer, then hands it back to Parse — round-tripping through this
// package's own writer and reader.
func buildFixture(t *testing.T, fs afero.Fs, path string) *File {
	t.Helper()
	f := &File{
		Class:   elf.ELFCLASS64,
		Machine: elf.EM_AARCH64,
		Entry:   0x200000,
		Segments: []*Segment{
			{
				Vaddr:  0x200000,
				Paddr:  0x200000,
				Filesz: 16,
				Memsz:  16,
				Flags:  uint32(elf.PF_R | elf.PF_X),
				Data:   []byte("0123456789abcdef"),
			},
		},
	}
	if err := WriteMinimal(fs, path, f, uint16(elf.EM_AARCH64)); err != nil {
		t.Fatalf("WriteMinimal: %v", err)
	}
	return f
}

func TestWriteThenParseRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildFixture(t, fs, "/out.elf")

	parsed, err := Parse(fs, "/out.elf")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Entry != 0x200000 {
		t.Errorf("entry = 0x%x, want 0x200000", parsed.Entry)
	}
	if len(parsed.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(parsed.Segments))
	}
	seg := parsed.Segments[0]
	if seg.Vaddr != 0x200000 || seg.Memsz != 16 {
		t.Errorf("segment mismatch: %+v", seg)
	}
	if !bytes.Equal(seg.Data, []byte("0123456789abcdef")) {
		t.Errorf("segment data = %q", seg.Data)
	}
}

func TestGetDataAndWriteSymbol(t *testing.T) {
	f := &File{
		Segments: []*Segment{
			{Vaddr: 0x1000, Memsz: 0x100, Filesz: 0x100, Data: make([]byte, 0x100)},
		},
		symbols: map[string]Symbol{
			"microkit_name": {Value: 0x1010, Size: 16},
		},
	}

	if err := f.WriteSymbol("microkit_name", []byte("hello")); err != nil {
		t.Fatalf("WriteSymbol: %v", err)
	}
	got, err := f.GetData(0x1010, 5)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("GetData = %q, want %q", got, "hello")
	}
}

func TestWriteSymbolRejectsOversizedPatch(t *testing.T) {
	f := &File{
		Segments: []*Segment{{Vaddr: 0x1000, Memsz: 0x100, Filesz: 0x100, Data: make([]byte, 0x100)}},
		symbols:  map[string]Symbol{"passive": {Value: 0x1000, Size: 1}},
	}
	if err := f.WriteSymbol("passive", []byte{1, 2}); err == nil {
		t.Fatal("expected error for oversized patch")
	}
}

func TestFindSymbolMissing(t *testing.T) {
	f := &File{symbols: map[string]Symbol{}}
	if _, err := f.FindSymbol("fault_ep"); err == nil {
		t.Fatal("expected error for missing symbol")
	}
	if _, ok := f.FindSymbolIfExists("fault_ep"); ok {
		t.Fatal("expected not-found for missing symbol")
	}
}

func TestGetDataFailsOutsideAnySegment(t *testing.T) {
	f := &File{Segments: []*Segment{{Vaddr: 0x1000, Memsz: 0x100, Data: make([]byte, 0x100)}}}
	if _, err := f.GetData(0x5000, 4); err == nil {
		t.Fatal("expected error for address outside any segment")
	}
}
