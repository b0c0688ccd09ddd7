package namedroute

import (
	"errors"
	"testing"

	"github.com/wtsi-hgi/shepherd-go/routegraph"
	"github.com/wtsi-hgi/shepherd-go/template"
)

func buildGraph(t *testing.T) *routegraph.Graph {
	t.Helper()
	g := routegraph.New()
	for _, fs := range []string{"A", "B", "C"} {
		if err := g.AddFilesystem(fs); err != nil {
			t.Fatalf("AddFilesystem: %v", err)
		}
	}
	if err := g.AddRoute(routegraph.Route{Name: "ac", SourceFS: "A", TargetFS: "C", Cost: 1}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := g.AddRoute(routegraph.Route{Name: "cb", SourceFS: "C", TargetFS: "B", Cost: 1}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := g.AddNamedRoute("via-c", []string{"ac", "cb"}); err != nil {
		t.Fatalf("AddNamedRoute: %v", err)
	}
	return g
}

func TestResolve_RendersPerHopOptions(t *testing.T) {
	g := buildGraph(t)
	rawOptions := map[string]map[string]string{
		"ac": {"storage_class": "{{.tier}}"},
	}
	env := template.Env{"tier": "cold"}

	resolved, err := Resolve(g, "via-c", rawOptions, env)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resolved.Hops) != 2 {
		t.Fatalf("want 2 hops, got %d", len(resolved.Hops))
	}
	if got := resolved.Hops[0].Options["storage_class"]; got != "cold" {
		t.Fatalf("want rendered option %q, got %q", "cold", got)
	}
	if len(resolved.Hops[1].Options) != 0 {
		t.Fatalf("want no options on second hop, got %+v", resolved.Hops[1].Options)
	}
}

func TestResolve_UnresolvedVariable(t *testing.T) {
	g := buildGraph(t)
	rawOptions := map[string]map[string]string{
		"ac": {"storage_class": "{{.tier}}"},
	}

	_, err := Resolve(g, "via-c", rawOptions, template.Env{})
	var unresolved *template.UnresolvedVariableError
	if !errors.As(err, &unresolved) {
		t.Fatalf("want *template.UnresolvedVariableError, got %v", err)
	}
	if unresolved.Variable != "tier" {
		t.Fatalf("want variable %q, got %q", "tier", unresolved.Variable)
	}
}

func TestResolve_UnknownName(t *testing.T) {
	g := buildGraph(t)
	_, err := Resolve(g, "nope", nil, template.Env{})
	if !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("want ErrInvalidRoute, got %v", err)
	}
}

func TestResolve_InvalidAdjacency(t *testing.T) {
	g := buildGraph(t)
	if err := g.AddRoute(routegraph.Route{Name: "ba", SourceFS: "B", TargetFS: "A", Cost: 1}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := g.AddNamedRoute("broken", []string{"ac", "ba"}); err != nil {
		t.Fatalf("AddNamedRoute: %v", err)
	}

	_, err := Resolve(g, "broken", nil, template.Env{})
	if !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("want ErrInvalidRoute, got %v", err)
	}
}
