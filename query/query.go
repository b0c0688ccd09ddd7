// Package query is the boundary to the targeting-query DSL: parsing
// "take ... where ..." into a concrete address list happens outside the
// core, which consumes only the resulting list via
// capability.FilesystemDriver.Query. Parse stands in for that external
// parser, accepting a pre-expanded, comma-separated address list so
// cmd/shepherd can exercise the rest of the pipeline without depending
// on DSL grammar this repository does not own.
package query

import "strings"

// Parse splits raw on commas into a trimmed, non-empty address list. A
// real DSL parser would instead evaluate criteria against a
// capability.FilesystemDriver.Query call and yield the matching stubs;
// this stub exists only to give cmd/shepherd a concrete entry point for
// that collaborator.
func Parse(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		addrs = append(addrs, p)
	}
	return addrs, nil
}
