// Package posix implements capability.FilesystemDriver over the local
// filesystem. It is the reference driver used to exercise the task
// expander and dispatch loop end-to-end.
package posix

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wtsi-hgi/shepherd-go/capability"
)

// Driver is a capability.FilesystemDriver backed by the local filesystem.
type Driver struct {
	// MaxConcurrencyFallback is returned by MaxConcurrencyDefault when a
	// Filesystem Registry entry does not specify max_concurrency.
	MaxConcurrencyFallback int
}

// New returns a posix Driver with the given default concurrency cap.
func New(maxConcurrencyFallback int) *Driver {
	if maxConcurrencyFallback <= 0 {
		maxConcurrencyFallback = 8
	}
	return &Driver{MaxConcurrencyFallback: maxConcurrencyFallback}
}

// Query evaluates criteria against files under root, walking the tree.
// Supported criteria keys: "name" (exact basename match), "min_size" and
// "max_size" (decimal bytes). Anything else is reported as
// capability.ErrUnsupportedPredicate rather than silently ignored.
func (d *Driver) Query(ctx context.Context, root string, criteria map[string]string) ([]capability.Stub, error) {
	for key := range criteria {
		switch key {
		case "name", "min_size", "max_size":
		default:
			return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedPredicate, key)
		}
	}

	var minSize, maxSize int64 = -1, -1
	if v, ok := criteria["min_size"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("posix: invalid min_size %q: %w", v, err)
		}
		minSize = n
	}
	if v, ok := criteria["max_size"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("posix: invalid max_size %q: %w", v, err)
		}
		maxSize = n
	}

	var stubs []capability.Stub
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		if name, ok := criteria["name"]; ok && entry.Name() != name {
			return nil
		}
		if minSize >= 0 || maxSize >= 0 {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if minSize >= 0 && info.Size() < minSize {
				return nil
			}
			if maxSize >= 0 && info.Size() > maxSize {
				return nil
			}
		}
		stubs = append(stubs, capability.Stub{Address: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("posix: query %s: %w", root, err)
	}
	return stubs, nil
}

// Stat returns what os.Lstat and the underlying syscall.Stat_t expose for
// address.
func (d *Driver) Stat(ctx context.Context, address string) (capability.Attributes, error) {
	if ctx.Err() != nil {
		return capability.Attributes{}, ctx.Err()
	}
	info, err := os.Lstat(address)
	if err != nil {
		return capability.Attributes{}, fmt.Errorf("posix: stat %s: %w", address, err)
	}

	size := info.Size()
	mtime := info.ModTime()
	attrs := capability.Attributes{Size: &size, ModTime: &mtime}

	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		ctime := time.Unix(int64(sys.Ctim.Sec), int64(sys.Ctim.Nsec)) //nolint:unconvert // field widths vary by arch
		atime := time.Unix(int64(sys.Atim.Sec), int64(sys.Atim.Nsec))
		attrs.CTime = &ctime
		attrs.ATime = &atime

		if u, err := user.LookupId(strconv.FormatUint(uint64(sys.Uid), 10)); err == nil {
			attrs.Owner = &u.Username
		}
		if g, err := user.LookupGroupId(strconv.FormatUint(uint64(sys.Gid), 10)); err == nil {
			attrs.Group = &g.Name
		}
	}

	attrs.Metadata = map[string]string{"mode": info.Mode().String()}
	return attrs, nil
}

// MaxConcurrencyDefault returns the driver's configured fallback.
func (d *Driver) MaxConcurrencyDefault() int {
	return d.MaxConcurrencyFallback
}

// Dirname returns the directory portion of address, matching the
// template engine's "dirname" filter so drivers and templates agree on
// path semantics.
func Dirname(address string) string {
	if !strings.Contains(address, "/") {
		return "."
	}
	return filepath.Dir(address)
}
