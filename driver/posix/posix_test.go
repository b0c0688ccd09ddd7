package posix

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestQueryByName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "foo.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bar.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(0)
	stubs, err := d.Query(context.Background(), dir, map[string]string{"name": "foo.txt"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(stubs) != 1 || filepath.Base(stubs[0].Address) != "foo.txt" {
		t.Errorf("unexpected stubs: %+v", stubs)
	}
}

func TestQuerySizeRange(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "small"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "big"), []byte("xxxxxxxxxx"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(0)
	stubs, err := d.Query(context.Background(), dir, map[string]string{"min_size": "5"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(stubs) != 1 || filepath.Base(stubs[0].Address) != "big" {
		t.Errorf("unexpected stubs: %+v", stubs)
	}
}

func TestQueryUnsupportedPredicate(t *testing.T) {
	d := New(0)
	_, err := d.Query(context.Background(), t.TempDir(), map[string]string{"owner": "root"})
	if err == nil {
		t.Fatal("expected UnsupportedPredicate error")
	}
}

func TestStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(0)
	attrs, err := d.Stat(context.Background(), path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attrs.Size == nil || *attrs.Size != 5 {
		t.Errorf("expected size 5, got %v", attrs.Size)
	}
	if attrs.ModTime == nil {
		t.Error("expected ModTime to be set")
	}
}

func TestMaxConcurrencyDefault(t *testing.T) {
	if New(0).MaxConcurrencyDefault() != 8 {
		t.Error("expected fallback default of 8")
	}
	if New(42).MaxConcurrencyDefault() != 42 {
		t.Error("expected configured fallback to be honoured")
	}
}

func TestDirname(t *testing.T) {
	if got := Dirname("/a/b/c"); got != "/a/b" {
		t.Errorf("Dirname(/a/b/c) = %q", got)
	}
	if got := Dirname("nodirs"); got != "." {
		t.Errorf("Dirname(nodirs) = %q", got)
	}
}
