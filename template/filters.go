package template

import (
	"path"
	"strings"
)

// shEscape produces a POSIX shell-safe single-quoted form of s, the way a
// transfer script would need a path or address quoted before interpolation
// into a shell command line.
func shEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// dirname returns the directory portion of a slash-separated address,
// mirroring POSIX dirname(1) semantics via path.Dir.
func dirname(s string) string {
	return path.Dir(s)
}
