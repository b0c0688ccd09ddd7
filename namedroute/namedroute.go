// Package namedroute resolves a preconfigured, named multi-hop route: it
// validates the hop-adjacency invariant and renders each hop's driver
// options against the effective template environment.
package namedroute

import (
	"errors"
	"fmt"

	"github.com/wtsi-hgi/shepherd-go/routegraph"
	"github.com/wtsi-hgi/shepherd-go/template"
)

// ErrInvalidRoute is returned by Resolve when the named route's hops fail
// adjacency validation, or the name is unregistered.
var ErrInvalidRoute = errors.New("namedroute: invalid route")

// Hop is one resolved leg of a named route: the graph edge plus its
// driver options, rendered against the effective environment.
type Hop struct {
	Route   routegraph.Route
	Options map[string]string
}

// Resolved is a named route whose hops have passed adjacency validation
// and whose per-hop options are fully rendered.
type Resolved struct {
	Name string
	Hops []Hop
}

// Resolve validates name against g (via Graph.ResolveNamed) then renders
// each hop's raw option templates, keyed by route name, against env.
// Missing variables fail with *template.UnresolvedVariableError citing
// the offending hop and option key.
func Resolve(g *routegraph.Graph, name string, rawOptions map[string]map[string]string, env template.Env) (*Resolved, error) {
	routes, err := g.ResolveNamed(name)
	if err != nil {
		if errors.Is(err, routegraph.ErrInvalidNamedRoute) || errors.Is(err, routegraph.ErrUnknownNamedRoute) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRoute, err)
		}
		return nil, err
	}

	hops := make([]Hop, 0, len(routes))
	for i, route := range routes {
		raw := rawOptions[route.Name]
		rendered := make(map[string]string, len(raw))
		for key, tmpl := range raw {
			site := fmt.Sprintf("%s hop %d (%s) option %q", name, i, route.Name, key)
			value, err := template.Render(tmpl, env, site)
			if err != nil {
				return nil, err
			}
			rendered[key] = value
		}
		hops = append(hops, Hop{Route: route, Options: rendered})
	}

	return &Resolved{Name: name, Hops: hops}, nil
}
