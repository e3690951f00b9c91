package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDeleteList(t *testing.T) {
	in := "old/map.bin\r\n\n   \nsounds\\intro.wav\n\n"
	list, err := ParseDeleteList(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseDeleteList: %v", err)
	}
	want := DeleteList{"old/map.bin", "sounds/intro.wav"}
	if len(list) != len(want) {
		t.Fatalf("got %d entries, want %d: %v", len(list), len(want), list)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, list[i], want[i])
		}
	}
}

func TestParseDeleteListEmpty(t *testing.T) {
	list, err := ParseDeleteList(strings.NewReader("\n\n  \n"))
	if err != nil {
		t.Fatalf("ParseDeleteList: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("got %d entries, want 0", len(list))
	}
}

func TestApplyDeleteList(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "old"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "old", "map.bin"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// Duplicate and missing entries are tolerated.
	list := DeleteList{"old/map.bin", "old/map.bin", "missing.txt"}
	removed, err := list.Apply(root)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "old", "map.bin")); !os.IsNotExist(err) {
		t.Error("old/map.bin still present")
	}
}

func TestApplyDeleteListIdempotent(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.bin"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	list := DeleteList{"a.bin"}
	if _, err := list.Apply(root); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	removed, err := list.Apply(root)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if removed != 0 {
		t.Errorf("second pass removed = %d, want 0", removed)
	}
}

func TestApplyDeleteListEscape(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"../outside.txt", "/etc/passwd", ".."} {
		list := DeleteList{rel}
		if _, err := list.Apply(root); err == nil {
			t.Errorf("entry %q was accepted", rel)
		}
	}
}
