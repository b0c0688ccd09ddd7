package transform

import (
	"path"
	"strings"

	"github.com/wtsi-hgi/shepherd-go/emit"
	"github.com/wtsi-hgi/shepherd-go/template"
)

// Prefix returns a transformer that prepends a fixed path segment to the
// target address, leaving source untouched. It is itself a Func
// constructor: the route configuration supplies path.
func Prefix(path string) Func {
	return func(source, target string, _ template.Env) (string, string, error) {
		return source, joinAddr(path, target), nil
	}
}

func joinAddr(prefix, rest string) string {
	if prefix == "" {
		return rest
	}
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(rest, "/")
}

// StripCommonPath removes the longest common directory prefix of source
// and target from target, so that only the part of the address that
// diverges from the source carries over.
func StripCommonPath(source, target string, _ template.Env) (string, string, error) {
	sDir := path.Dir(source)
	tDir := path.Dir(target)
	common := commonPrefix(sDir, tDir)
	stripped := strings.TrimPrefix(target, common)
	stripped = strings.TrimLeft(stripped, "/")
	return source, stripped, nil
}

func commonPrefix(a, b string) string {
	aParts := strings.Split(a, "/")
	bParts := strings.Split(b, "/")
	n := len(aParts)
	if len(bParts) < n {
		n = len(bParts)
	}
	var common []string
	for i := 0; i < n; i++ {
		if aParts[i] != bParts[i] {
			break
		}
		common = append(common, aParts[i])
	}
	return strings.Join(common, "/")
}

// LastNComponents keeps only the final n path components of target.
func LastNComponents(n int) Func {
	return func(source, target string, _ template.Env) (string, string, error) {
		parts := strings.Split(strings.Trim(target, "/"), "/")
		if n > 0 && n < len(parts) {
			parts = parts[len(parts)-n:]
		}
		return source, strings.Join(parts, "/"), nil
	}
}

// Debug forwards (source, target) unchanged, emitting an event through e
// so a pipeline's intermediate state is observable. A nil e discards the
// event (package default: emit.NullEmitter).
func Debug(e emit.Emitter) Func {
	if e == nil {
		e = emit.NullEmitter{}
	}
	return func(source, target string, _ template.Env) (string, string, error) {
		e.Emit(emit.Event{
			Msg: "transform_debug",
			Meta: map[string]interface{}{
				"source": source,
				"target": target,
			},
		})
		return source, target, nil
	}
}
