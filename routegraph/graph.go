// Package routegraph implements the Transfer Graph: a directed weighted
// multigraph of filesystems whose edges are transfer routes, with
// shortest-path planning under a max-over-path cost rule.
package routegraph

import (
	"errors"
	"fmt"

	"github.com/wtsi-hgi/shepherd-go/transform"
)

// ErrDuplicateFilesystem is returned by AddFilesystem for a name already
// present in the graph.
var ErrDuplicateFilesystem = errors.New("routegraph: duplicate filesystem name")

// ErrDuplicateRoute is returned by AddRoute for a route name already
// present in the graph.
var ErrDuplicateRoute = errors.New("routegraph: duplicate route name")

// ErrNoRoute is returned by Plan when no path connects src to tgt.
var ErrNoRoute = errors.New("routegraph: no route")

// ErrInvalidNamedRoute is returned by ResolveNamed when a configured
// named route's hops are not chained (route[i+1].source != route[i].target).
var ErrInvalidNamedRoute = errors.New("routegraph: invalid named route")

// ErrUnknownNamedRoute is returned by ResolveNamed for an unregistered
// named route.
var ErrUnknownNamedRoute = errors.New("routegraph: unknown named route")

// Route is a directed edge: a transfer route from SourceFS to TargetFS.
// Cost is the polynomial degree k characterising the route's O(n^k)
// scaling; pathfinding treats the path's cost as the maximum Cost over
// its edges, not the sum: a chain is only as good as its worst-scaling
// hop, and summing would let a cheap extra hop worsen a plan.
type Route struct {
	Name            string
	SourceFS        string
	TargetFS        string
	Transformations transform.Func // composed pipeline for this hop; may be nil (identity)
	ScriptTemplate  string
	Cost            int
}

// Graph is a directed multigraph of filesystems (vertices) and routes
// (edges). Not safe for concurrent mutation; built once at configuration
// load, then read-only.
type Graph struct {
	filesystems map[string]bool
	routes      []Route            // all registered routes, for duplicate-name checks and lookup by name
	out         map[string][]Route // adjacency: source filesystem -> outgoing routes
	named       map[string][]string
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		filesystems: make(map[string]bool),
		out:         make(map[string][]Route),
		named:       make(map[string][]string),
	}
}

// AddFilesystem registers a vertex. Filesystems must be added before any
// route referencing them.
func (g *Graph) AddFilesystem(name string) error {
	if g.filesystems[name] {
		return fmt.Errorf("%w: %q", ErrDuplicateFilesystem, name)
	}
	g.filesystems[name] = true
	return nil
}

// AddRoute registers a directed edge. The route name must be unique
// across the whole graph, not just per source filesystem, so that
// resolve_named and the lexicographic tie-break have an unambiguous name
// space.
func (g *Graph) AddRoute(r Route) error {
	for _, existing := range g.routes {
		if existing.Name == r.Name {
			return fmt.Errorf("%w: %q", ErrDuplicateRoute, r.Name)
		}
	}
	if !g.filesystems[r.SourceFS] {
		return fmt.Errorf("routegraph: unknown source filesystem %q for route %q", r.SourceFS, r.Name)
	}
	if !g.filesystems[r.TargetFS] {
		return fmt.Errorf("routegraph: unknown target filesystem %q for route %q", r.TargetFS, r.Name)
	}
	g.routes = append(g.routes, r)
	g.out[r.SourceFS] = append(g.out[r.SourceFS], r)
	return nil
}

// AddNamedRoute registers a preconfigured ordered sequence of route names
// under name, for later lookup by ResolveNamed.
func (g *Graph) AddNamedRoute(name string, routeNames []string) error {
	if _, exists := g.named[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRoute, name)
	}
	g.named[name] = append([]string(nil), routeNames...)
	return nil
}

// ResolveNamed looks up the named route and validates the adjacency
// invariant route[i+1].SourceFS == route[i].TargetFS.
func (g *Graph) ResolveNamed(name string) ([]Route, error) {
	routeNames, ok := g.named[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamedRoute, name)
	}
	routes := make([]Route, 0, len(routeNames))
	byName := make(map[string]Route, len(g.routes))
	for _, r := range g.routes {
		byName[r.Name] = r
	}
	for _, rn := range routeNames {
		r, ok := byName[rn]
		if !ok {
			return nil, fmt.Errorf("routegraph: named route %q references unknown route %q", name, rn)
		}
		routes = append(routes, r)
	}
	for i := 1; i < len(routes); i++ {
		if routes[i].SourceFS != routes[i-1].TargetFS {
			return nil, fmt.Errorf("%w: %q hop %d source %q != hop %d target %q",
				ErrInvalidNamedRoute, name, i, routes[i].SourceFS, i-1, routes[i-1].TargetFS)
		}
	}
	return routes, nil
}
