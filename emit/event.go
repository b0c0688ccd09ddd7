// Package emit provides event emission and observability for the planning
// and dispatch engines.
package emit

// Event represents an observability event emitted during planning or
// dispatch.
//
// Events give visibility into:
//   - job/task/attempt lifecycle transitions
//   - planning decisions (route chosen, expansion counts)
//   - retries and terminal failures
//
// Events are emitted to an Emitter, which can log them, forward them to a
// tracing backend, or simply buffer them for tests.
type Event struct {
	// JobID identifies the job this event belongs to. Empty for
	// process-level events (e.g. config load).
	JobID string

	// TaskID identifies the task this event concerns. Empty for
	// job-level events.
	TaskID string

	// AttemptID identifies the attempt this event concerns. Empty for
	// task- or job-level events.
	AttemptID string

	// Msg is a short machine-matchable event name, e.g. "attempt_start",
	// "task_terminal_failure", "route_planned".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "exit_code": attempt exit code
	//   - "route": chosen route name sequence
	//   - "error": error detail
	Meta map[string]interface{}
}
