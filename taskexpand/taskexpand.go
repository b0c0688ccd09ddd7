// Package taskexpand implements the task expander: given a planned hop
// sequence and a set of source addresses, it synthesises chained
// per-file tasks, rendering each hop's script, getting or creating the
// DataItems, and persisting the resulting Tasks atomically per file (the
// DataItems are created before, and outside, that all-or-none insert).
package taskexpand

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wtsi-hgi/shepherd-go/emit"
	"github.com/wtsi-hgi/shepherd-go/namedroute"
	"github.com/wtsi-hgi/shepherd-go/routegraph"
	"github.com/wtsi-hgi/shepherd-go/store"
	"github.com/wtsi-hgi/shepherd-go/template"
	"github.com/wtsi-hgi/shepherd-go/transform"
)

// RenderError reports that a hop's script template referenced a
// source/target attribute the expander did not provide. Raised before
// any task for the offending file is persisted.
type RenderError struct {
	SourceAddr string
	HopIndex   int
	RouteName  string
	Err        error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("taskexpand: source %q hop %d (%s): %v", e.SourceAddr, e.HopIndex, e.RouteName, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Hop is one leg of the resolved route the expander walks: the graph edge
// plus the namedroute-style per-hop transformation and rendered options,
// and the filesystem identifiers the Store assigned at job setup.
type Hop struct {
	Route              routegraph.Route
	ExtraTransform     transform.Func // namedroute per-hop extra, applied after Route.Transformations; nil for automatic (from/to) routing
	SourceFilesystemID string
	TargetFilesystemID string
}

// FromResolved builds the Hop slice the Expander needs from a
// namedroute.Resolved plus the filesystem name->ID map the caller's Store
// setup produced. Each hop's route transformation runs first, then its
// named-route extra transformation, left-to-right.
func FromResolved(resolved *namedroute.Resolved, extras map[string]transform.Func, fsIDs map[string]string) ([]Hop, error) {
	hops := make([]Hop, 0, len(resolved.Hops))
	for _, h := range resolved.Hops {
		srcID, ok := fsIDs[h.Route.SourceFS]
		if !ok {
			return nil, fmt.Errorf("taskexpand: no filesystem id registered for %q", h.Route.SourceFS)
		}
		tgtID, ok := fsIDs[h.Route.TargetFS]
		if !ok {
			return nil, fmt.Errorf("taskexpand: no filesystem id registered for %q", h.Route.TargetFS)
		}
		hops = append(hops, Hop{
			Route:              h.Route,
			ExtraTransform:     extras[h.Route.Name],
			SourceFilesystemID: srcID,
			TargetFilesystemID: tgtID,
		})
	}
	return hops, nil
}

// FromPlanned builds the Hop slice for an automatically planned route,
// which carries no per-hop extras.
func FromPlanned(routes []routegraph.Route, fsIDs map[string]string) ([]Hop, error) {
	hops := make([]Hop, 0, len(routes))
	for _, r := range routes {
		srcID, ok := fsIDs[r.SourceFS]
		if !ok {
			return nil, fmt.Errorf("taskexpand: no filesystem id registered for %q", r.SourceFS)
		}
		tgtID, ok := fsIDs[r.TargetFS]
		if !ok {
			return nil, fmt.Errorf("taskexpand: no filesystem id registered for %q", r.TargetFS)
		}
		hops = append(hops, Hop{Route: r, SourceFilesystemID: srcID, TargetFilesystemID: tgtID})
	}
	return hops, nil
}

// Expander synthesises chained tasks for a hop sequence.
type Expander struct {
	Store store.Store
	Emit  emit.Emitter
	JobID string
}

// New returns an Expander writing into st for job jobID, emitting
// lifecycle events to em (emit.NewNullEmitter() if the caller doesn't
// care).
func New(st store.Store, em emit.Emitter, jobID string) *Expander {
	return &Expander{Store: st, Emit: em, JobID: jobID}
}

// ExpandOne expands a single source address through hops, persisting the
// resulting chain of len(hops) Tasks. It returns the IDs of the inserted
// tasks in hop order. Insertion for one file is atomic (all-or-none): no
// task is inserted until every hop in the chain has rendered
// successfully, and the whole chain is then handed to the Store's
// InsertTaskChain as a single unit, so a later hop's invariant or
// uniqueness failure rolls back every earlier hop's insert for this file
// too.
func (x *Expander) ExpandOne(ctx context.Context, hops []Hop, sourceFS, sourceAddr string, env template.Env) ([]string, error) {
	if err := template.CheckReserved(env); err != nil {
		return nil, err
	}

	type rendered struct {
		hop        Hop
		sourceAddr string
		targetAddr string
		script     string
	}

	renderedHops := make([]rendered, 0, len(hops))
	curAddr := sourceAddr
	for i, hop := range hops {
		s, t := curAddr, curAddr
		var err error
		s, t, err = applyTransform(hop.Route.Transformations, s, t, env)
		if err != nil {
			return nil, &RenderError{SourceAddr: sourceAddr, HopIndex: i, RouteName: hop.Route.Name, Err: err}
		}
		s, t, err = applyTransform(hop.ExtraTransform, s, t, env)
		if err != nil {
			return nil, &RenderError{SourceAddr: sourceAddr, HopIndex: i, RouteName: hop.Route.Name, Err: err}
		}

		hopEnv := env.With(template.Env{
			"source": map[string]interface{}{"filesystem": hop.Route.SourceFS, "address": s},
			"target": map[string]interface{}{"filesystem": hop.Route.TargetFS, "address": t},
		})
		site := fmt.Sprintf("route %q hop %d", hop.Route.Name, i)
		script, err := template.Render(hop.Route.ScriptTemplate, hopEnv, site)
		if err != nil {
			return nil, &RenderError{SourceAddr: sourceAddr, HopIndex: i, RouteName: hop.Route.Name, Err: err}
		}

		renderedHops = append(renderedHops, rendered{hop: hop, sourceAddr: s, targetAddr: t, script: script})
		curAddr = t
	}

	tasks := make([]store.Task, 0, len(renderedHops))
	var prevTaskID *string
	for _, r := range renderedHops {
		srcItem, err := x.Store.GetOrCreateDataItem(ctx, r.hop.SourceFilesystemID, r.sourceAddr)
		if err != nil {
			return nil, fmt.Errorf("taskexpand: get-or-create source data item: %w", err)
		}
		tgtItem, err := x.Store.GetOrCreateDataItem(ctx, r.hop.TargetFilesystemID, r.targetAddr)
		if err != nil {
			return nil, fmt.Errorf("taskexpand: get-or-create target data item: %w", err)
		}

		id := uuid.NewString()
		tasks = append(tasks, store.Task{
			ID:               id,
			JobID:            x.JobID,
			SourceDataID:     srcItem.ID,
			TargetDataID:     tgtItem.ID,
			Script:           r.script,
			DependencyTaskID: prevTaskID,
		})
		prevTaskID = &id
	}

	inserted, err := x.Store.InsertTaskChain(ctx, tasks)
	if err != nil {
		return nil, fmt.Errorf("taskexpand: insert task chain for %q: %w", sourceAddr, err)
	}

	taskIDs := make([]string, 0, len(inserted))
	for i, task := range inserted {
		taskIDs = append(taskIDs, task.ID)
		x.Emit.Emit(emit.Event{
			JobID:  x.JobID,
			TaskID: task.ID,
			Msg:    "task_expanded",
			Meta: map[string]interface{}{
				"route": renderedHops[i].hop.Route.Name,
				"hop":   i,
			},
		})
	}

	return taskIDs, nil
}

// ExpandAll expands every address in addrs through hops, continuing past
// per-file render failures and collecting them rather than aborting the
// whole batch — one bad file should not block the rest of a large query.
// Returns the task IDs for every file that expanded successfully.
func (x *Expander) ExpandAll(ctx context.Context, hops []Hop, sourceFS string, addrs []string, env template.Env) ([][]string, []error) {
	var ok [][]string
	var errs []error
	for _, addr := range addrs {
		ids, err := x.ExpandOne(ctx, hops, sourceFS, addr, env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ok = append(ok, ids)
	}
	return ok, errs
}

func applyTransform(fn transform.Func, source, target string, env template.Env) (string, string, error) {
	if fn == nil {
		return source, target, nil
	}
	return fn(source, target, env)
}

// CheckAcyclic walks the dependency edges of tasks and reports an error if
// any cycle exists. The expander's own chain-by-construction guarantees
// acyclicity in production; this is a debug-time aid used by tests and
// optionally by callers before a bulk insert.
func CheckAcyclic(tasks []store.Task) error {
	byID := make(map[string]store.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("taskexpand: dependency cycle detected at task %q", id)
		}
		color[id] = gray
		task, ok := byID[id]
		if ok && task.DependencyTaskID != nil {
			if err := visit(*task.DependencyTaskID); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}
