package transform

import (
	"testing"

	"github.com/wtsi-hgi/shepherd-go/template"
)

func TestPrefix(t *testing.T) {
	fn := Prefix("/staging")
	_, target, err := fn("/a/b.txt", "c.txt", nil)
	if err != nil {
		t.Fatalf("Prefix: %v", err)
	}
	if target != "/staging/c.txt" {
		t.Fatalf("got %q", target)
	}
}

func TestStripCommonPath(t *testing.T) {
	source, target, err := StripCommonPath("/a/b/c.txt", "/a/b/d/c.txt", nil)
	if err != nil {
		t.Fatalf("StripCommonPath: %v", err)
	}
	if source != "/a/b/c.txt" {
		t.Fatalf("source must be unchanged, got %q", source)
	}
	if target != "d/c.txt" {
		t.Fatalf("got %q", target)
	}
}

func TestLastNComponents(t *testing.T) {
	fn := LastNComponents(2)
	_, target, err := fn("", "/a/b/c/d.txt", nil)
	if err != nil {
		t.Fatalf("LastNComponents: %v", err)
	}
	if target != "c/d.txt" {
		t.Fatalf("got %q", target)
	}
}

func TestPipeline_LeftToRight(t *testing.T) {
	pipeline := Pipeline(Prefix("/staging"), LastNComponents(1))
	_, target, err := pipeline("/a/b.txt", "/x/y/z.txt", template.Env{})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	// prefix runs first -> /staging/x/y/z.txt, then last_n_components(1) -> z.txt
	if target != "z.txt" {
		t.Fatalf("got %q, pipeline order is not strictly left-to-right", target)
	}
}

func TestBuild(t *testing.T) {
	fn, err := Build("prefix", "/staging")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, target, _ := fn("", "c.txt", nil)
	if target != "/staging/c.txt" {
		t.Fatalf("got %q", target)
	}

	if _, err := Build("prefix"); err == nil {
		t.Fatal("expected error for wrong argument count")
	}
	if _, err := Build("nonexistent"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRegistry_DuplicateAndNotFound(t *testing.T) {
	r := New()
	if err := r.Add("strip_common_path", StripCommonPath); err == nil {
		t.Fatal("expected ErrDuplicateName for re-adding a built-in")
	}
	if _, err := r.Lookup("nope"); err == nil {
		t.Fatal("expected ErrNotFound")
	}
}
