package fsregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/wtsi-hgi/shepherd-go/capability"
)

type fakeDriver struct{ defaultConcurrency int }

func (f fakeDriver) Query(context.Context, string, map[string]string) ([]capability.Stub, error) {
	return nil, nil
}
func (f fakeDriver) Stat(context.Context, string) (capability.Attributes, error) {
	return capability.Attributes{}, nil
}
func (f fakeDriver) MaxConcurrencyDefault() int { return f.defaultConcurrency }

func TestRegistry_AddAndLookup(t *testing.T) {
	r := New()
	if err := r.Add("xyzzy", fakeDriver{defaultConcurrency: 4}, nil, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}

	e, err := r.Lookup("xyzzy")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.MaxConcurrency != 10 {
		t.Fatalf("want MaxConcurrency 10, got %d", e.MaxConcurrency)
	}
}

func TestRegistry_DefaultConcurrency(t *testing.T) {
	r := New()
	if err := r.Add("xyzzy", fakeDriver{defaultConcurrency: 4}, nil, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e, _ := r.Lookup("xyzzy")
	if e.MaxConcurrency != 4 {
		t.Fatalf("want driver default 4, got %d", e.MaxConcurrency)
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := New()
	if err := r.Add("xyzzy", fakeDriver{defaultConcurrency: 1}, nil, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := r.Add("xyzzy", fakeDriver{defaultConcurrency: 1}, nil, 1)
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("want ErrDuplicateName, got %v", err)
	}
}

func TestRegistry_NotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
