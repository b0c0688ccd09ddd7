// Package capability defines the narrow contracts the core calls into:
// FilesystemDriver for interacting with a storage backend, and Dispatcher
// for handing a rendered script to an external executor.
package capability

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedPredicate is returned by a FilesystemDriver's Query when
// asked to evaluate a targeting criterion it cannot satisfy.
var ErrUnsupportedPredicate = errors.New("capability: unsupported predicate")

// Stub is a minimal description of a data item as discovered by Query,
// before it becomes a persisted DataItem.
type Stub struct {
	Address string
}

// Attributes describes what Stat can report about an address. Every field
// is optional because drivers vary in what metadata they expose.
type Attributes struct {
	Size     *int64
	ModTime  *time.Time
	CTime    *time.Time
	ATime    *time.Time
	Owner    *string
	Group    *string
	Metadata map[string]string
}

// FilesystemDriver is the capability a filesystem registry entry holds a
// handle to.
type FilesystemDriver interface {
	// Query evaluates a (root-or-fofn, predicate) against the backing
	// filesystem. criteria is opaque to the core beyond what the driver
	// chooses to interpret; an unevaluable criterion must be reported
	// with ErrUnsupportedPredicate, not silently ignored.
	Query(ctx context.Context, root string, criteria map[string]string) ([]Stub, error)

	// Stat returns what the driver knows about address.
	Stat(ctx context.Context, address string) (Attributes, error)

	// MaxConcurrencyDefault is used by the Filesystem Registry when a
	// configured filesystem does not specify max_concurrency explicitly.
	MaxConcurrencyDefault() int
}

// ResourceRequest carries the `phase` config block's resource ask for a
// submitted attempt.
type ResourceRequest struct {
	Cores  int
	Memory int64 // bytes
	Group  string
}

// Outcome is the result of a completed attempt, as reported by a
// Dispatcher's submitted future.
type Outcome struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Dispatcher is the capability the dispatch loop drives to execute a
// task's rendered script.
type Dispatcher interface {
	// Submit hands script to the executor for attemptID under resources,
	// returning a future resolved once the attempt completes or ctx is
	// cancelled. Submit itself must not block past the point of handing
	// off the work.
	Submit(ctx context.Context, attemptID string, script string, resources ResourceRequest) (<-chan Outcome, error)
}
