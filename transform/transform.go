// Package transform provides named, pure address-rewriters applied
// left-to-right to a (source, target) address pair mid-pipeline.
package transform

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/wtsi-hgi/shepherd-go/template"
)

// ErrDuplicateName is returned by Registry.Add for an already-registered
// transformer name.
var ErrDuplicateName = errors.New("transform: duplicate transformer name")

// ErrNotFound is returned by Registry.Lookup for an unregistered name.
var ErrNotFound = errors.New("transform: transformer not found")

// Func is a pure rewriter: given the current (source, target) addresses
// and the effective environment, it returns the next (source, target)
// pair. It must not perform I/O.
type Func func(source, target string, env template.Env) (newSource, newTarget string, err error)

// Registry holds named, already-parameterised transformers, such as a Func
// built by Build from a "prefix(path)"-style declaration and added under
// a chosen name. cmd/shepherd does not use a Registry: it calls Build and
// Pipeline directly for each route's declarations.
type Registry struct {
	entries map[string]Func
}

// New returns a Registry pre-populated with the built-ins that take no
// configuration argument: strip_common_path and debug.
func New() *Registry {
	r := &Registry{entries: make(map[string]Func)}
	r.mustAdd("strip_common_path", StripCommonPath)
	r.mustAdd("debug", Debug(nil))
	return r
}

func (r *Registry) mustAdd(name string, fn Func) {
	if err := r.Add(name, fn); err != nil {
		panic(err)
	}
}

// Build constructs a built-in transformer from its config-level kind and
// arguments, as used for "prefix" and "last_n_components" which need a
// parameter before they are usable as a Func.
func Build(kind string, args ...string) (Func, error) {
	switch kind {
	case "prefix":
		if len(args) != 1 {
			return nil, fmt.Errorf("transform: prefix takes exactly one argument, got %d", len(args))
		}
		return Prefix(args[0]), nil
	case "last_n_components":
		if len(args) != 1 {
			return nil, fmt.Errorf("transform: last_n_components takes exactly one argument, got %d", len(args))
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("transform: last_n_components: %w", err)
		}
		return LastNComponents(n), nil
	case "strip_common_path":
		return StripCommonPath, nil
	case "debug":
		return Debug(nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, kind)
	}
}

// Add registers a named transformer, rejecting duplicates.
func (r *Registry) Add(name string, fn Func) error {
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.entries[name] = fn
	return nil
}

// Lookup returns the transformer registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	fn, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return fn, nil
}

// Pipeline composes fns left-to-right: the output (source, target) of one
// feeds the next.
func Pipeline(fns ...Func) Func {
	return func(source, target string, env template.Env) (string, string, error) {
		s, t := source, target
		for i, fn := range fns {
			var err error
			s, t, err = fn(s, t, env)
			if err != nil {
				return "", "", fmt.Errorf("transform: pipeline step %d: %w", i, err)
			}
		}
		return s, t, nil
	}
}
