package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileRoundtrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if v, err := s.Get(ctx, "readings"); err != nil || v != nil {
		t.Fatalf("missing key: v=%v err=%v", v, err)
	}
	if err := s.Set(ctx, "readings", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "readings")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != `{"a":1}` {
		t.Fatalf("v = %q", v)
	}

	// Overwrite replaces the previous value.
	if err := s.Set(ctx, "readings", []byte(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}
	v, err = s.Get(ctx, "readings")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != `{"a":2}` {
		t.Fatalf("after overwrite: v = %q", v)
	}

	if err := s.Delete(ctx, "readings"); err != nil {
		t.Fatal(err)
	}
	if v, err := s.Get(ctx, "readings"); err != nil || v != nil {
		t.Fatalf("after delete: v=%v err=%v", v, err)
	}
	if err := s.Delete(ctx, "readings"); err != nil {
		t.Fatal(err)
	}
}

func TestFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "readings", []byte("persisted")); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	v, err := reopened.Get(ctx, "readings")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "persisted" {
		t.Fatalf("v = %q", v)
	}
}

func TestFileSanitizesKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Path separators must not escape the directory.
	if err := s.Set(ctx, "../evil/key", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".._evil_key.json")); err != nil {
		t.Fatalf("sanitized file missing: %v", err)
	}
	v, err := s.Get(ctx, "../evil/key")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "x" {
		t.Fatalf("v = %q", v)
	}

	entries, err := os.ReadDir(filepath.Dir(dir))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() == "evil" {
			t.Fatal("key escaped the store directory")
		}
	}
}

func TestFileRequiresDirectory(t *testing.T) {
	if _, err := NewFile("  "); err == nil {
		t.Fatal("expected error for blank directory")
	}
}

func TestFileSetLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "readings", []byte("v")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "readings.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("directory contents = %v", names)
	}
}
