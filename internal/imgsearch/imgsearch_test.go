package imgsearch

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFindReturnsFirstMatchInSearchPathOrder(t *testing.T) {
	cwd := t.TempDir()
	extra := t.TempDir()
	writeFile(t, extra, "server.elf")

	s := New(cwd, []string{extra})
	path, err := s.Find("server.elf")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if path != filepath.Join(extra, "server.elf") {
		t.Errorf("Find returned %q, want the one in %q", path, extra)
	}
}

func TestFindPrefersCwdOverLaterSearchPaths(t *testing.T) {
	cwd := t.TempDir()
	extra := t.TempDir()
	writeFile(t, cwd, "server.elf")
	writeFile(t, extra, "server.elf")

	s := New(cwd, []string{extra})
	path, err := s.Find("server.elf")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if path != filepath.Join(cwd, "server.elf") {
		t.Errorf("Find returned %q, want the cwd copy in %q", path, cwd)
	}
}

func TestFindDoesNotDescendIntoSubdirectories(t *testing.T) {
	cwd := t.TempDir()
	sub := filepath.Join(cwd, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sub, "server.elf")

	s := New(cwd, nil)
	if _, err := s.Find("server.elf"); err == nil {
		t.Fatal("expected Find to miss a file that only exists in a subdirectory")
	}
}

func TestFindReportsMissingOnAllSearchPaths(t *testing.T) {
	s := New(t.TempDir(), []string{t.TempDir()})
	if _, err := s.Find("does_not_exist.elf"); err == nil {
		t.Fatal("expected an error when no search path has the file")
	}
}
