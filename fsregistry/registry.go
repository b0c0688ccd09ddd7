// Package fsregistry holds the immutable set of named filesystems
// configured for a job: each entry pairs a capability.FilesystemDriver
// with its options and concurrency cap.
package fsregistry

import (
	"errors"
	"fmt"

	"github.com/wtsi-hgi/shepherd-go/capability"
)

// ErrDuplicateName is returned by Add when a filesystem name is already
// registered.
var ErrDuplicateName = errors.New("fsregistry: duplicate filesystem name")

// ErrNotFound is returned by Lookup for an unregistered name.
var ErrNotFound = errors.New("fsregistry: filesystem not found")

// Entry is one named filesystem: its driver handle, free-form options
// (already resolved, not templated — templating of per-hop options
// happens in namedroute at route-resolution time), and concurrency cap.
type Entry struct {
	Name           string
	Driver         capability.FilesystemDriver
	Options        map[string]string
	MaxConcurrency int
}

// Registry is immutable once loaded: add every filesystem at
// configuration time, then only Lookup.
type Registry struct {
	entries map[string]Entry
	order   []string // insertion order, for deterministic iteration
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Add registers a named filesystem. maxConcurrency<=0 falls back to the
// driver's MaxConcurrencyDefault.
func (r *Registry) Add(name string, driver capability.FilesystemDriver, options map[string]string, maxConcurrency int) error {
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = driver.MaxConcurrencyDefault()
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	r.entries[name] = Entry{
		Name:           name,
		Driver:         driver,
		Options:        options,
		MaxConcurrency: maxConcurrency,
	}
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

// Names returns registered filesystem names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
