// Package local implements capability.Dispatcher by running a task's
// rendered script as a local child process via os/exec — the reference
// Dispatcher the Dispatch Loop drives in tests and in cmd/shepherd. The
// process-lifecycle shape (start, track, context-cancel-to-signal, wait,
// capture exit code) follows the supervision style of a Nomad driver
// plugin, adapted away from container specifics to a plain command.
package local

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/wtsi-hgi/shepherd-go/capability"
)

// Dispatcher runs scripts with "sh -c <script>" on the local machine.
// ResourceRequest is accepted for interface compatibility but otherwise
// ignored: a single-machine dispatcher has no scheduler to hand cores,
// memory, or group hints to.
type Dispatcher struct {
	// Shell is the interpreter invoked with "-c script". Defaults to
	// "/bin/sh" when empty.
	Shell string

	mu      sync.Mutex
	running map[string]*exec.Cmd // attemptID -> in-flight process
}

// New returns a Dispatcher using /bin/sh.
func New() *Dispatcher {
	return &Dispatcher{Shell: "/bin/sh", running: make(map[string]*exec.Cmd)}
}

// Submit starts script as a child process and returns a future resolved
// once it exits or ctx is cancelled (in which case exec.CommandContext
// kills the process and the future resolves with a non-zero exit code).
func (d *Dispatcher) Submit(ctx context.Context, attemptID string, script string, _ capability.ResourceRequest) (<-chan capability.Outcome, error) {
	shell := d.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", script) //nolint:gosec // script is a fully rendered, operator-authored transfer command, not untrusted input

	d.mu.Lock()
	d.running[attemptID] = cmd
	d.mu.Unlock()

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		d.forget(attemptID)
		return nil, err
	}

	ch := make(chan capability.Outcome, 1)
	go func() {
		defer d.forget(attemptID)
		waitErr := cmd.Wait()
		finishedAt := time.Now()
		ch <- capability.Outcome{
			ExitCode:   exitCodeOf(waitErr),
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		}
		close(ch)
	}()

	return ch, nil
}

func (d *Dispatcher) forget(attemptID string) {
	d.mu.Lock()
	delete(d.running, attemptID)
	d.mu.Unlock()
}

// exitCodeOf extracts the process exit code from the error os/exec.Wait
// returns, treating a nil error as success (0), an *exec.ExitError as its
// ExitCode() (-1 when the process was terminated by a signal), and any
// other failure as 1.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}
