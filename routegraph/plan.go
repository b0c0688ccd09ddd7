package routegraph

import (
	"container/heap"
	"strings"
)

// priority is the composite path cost used both to order the search
// frontier and to pick among competing paths: ascending max-edge-cost,
// then ascending path length, then lexicographic route-name sequence.
// Extending a path by one more hop never decreases priority in
// this ordering, which is what makes a Dijkstra-style label-setting
// search correct here (the classic "bottleneck shortest path" problem,
// with two further tie-break levels).
type priority struct {
	maxCost int
	length  int
	names   []string
}

// less reports whether p sorts strictly before other.
func (p priority) less(other priority) bool {
	if p.maxCost != other.maxCost {
		return p.maxCost < other.maxCost
	}
	if p.length != other.length {
		return p.length < other.length
	}
	return strings.Join(p.names, "\x00") < strings.Join(other.names, "\x00")
}

// extend returns the priority after following route from p.
func (p priority) extend(route Route) priority {
	maxCost := route.Cost
	if p.maxCost > maxCost {
		maxCost = p.maxCost
	}
	names := make([]string, len(p.names), len(p.names)+1)
	copy(names, p.names)
	names = append(names, route.Name)
	return priority{maxCost: maxCost, length: p.length + 1, names: names}
}

// searchItem is one entry in the planning frontier's min-heap.
type searchItem struct {
	fs   string
	pri  priority
	path []Route
}

type searchHeap []searchItem

func (h searchHeap) Len() int            { return len(h) }
func (h searchHeap) Less(i, j int) bool  { return h[i].pri.less(h[j].pri) }
func (h searchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *searchHeap) Push(x interface{}) { *h = append(*h, x.(searchItem)) }
func (h *searchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Plan finds the route sequence from srcFS to tgtFS minimising the
// composite priority: max edge cost along the path, tie-broken by
// shorter path length, then by lexicographic route-name sequence.
func (g *Graph) Plan(srcFS, tgtFS string) ([]Route, error) {
	if srcFS == tgtFS {
		return nil, nil
	}

	h := &searchHeap{{fs: srcFS, pri: priority{}, path: nil}}
	heap.Init(h)

	best := make(map[string]priority)

	for h.Len() > 0 {
		item := heap.Pop(h).(searchItem)

		if finalized, ok := best[item.fs]; ok && !item.pri.less(finalized) {
			continue
		}
		best[item.fs] = item.pri

		if item.fs == tgtFS {
			return item.path, nil
		}

		for _, route := range g.out[item.fs] {
			nextPri := item.pri.extend(route)
			if finalized, ok := best[route.TargetFS]; ok && !nextPri.less(finalized) {
				continue
			}
			nextPath := make([]Route, len(item.path), len(item.path)+1)
			copy(nextPath, item.path)
			nextPath = append(nextPath, route)
			heap.Push(h, searchItem{fs: route.TargetFS, pri: nextPri, path: nextPath})
		}
	}

	return nil, &NoRouteError{Source: srcFS, Target: tgtFS}
}

// NoRouteError reports that Plan found no path from Source to Target.
type NoRouteError struct {
	Source, Target string
}

func (e *NoRouteError) Error() string {
	return "routegraph: no route from " + e.Source + " to " + e.Target
}

func (e *NoRouteError) Unwrap() error { return ErrNoRoute }
