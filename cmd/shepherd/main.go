// Command shepherd wires the planning and dispatch engines into a runnable
// process: load config, build the filesystem registry and transfer graph,
// plan or resolve a route, expand it into tasks, and drive the dispatch
// loop to completion. Full CLI-argument parsing, the targeting-query DSL,
// and the `.shepherdrc` loader are external collaborators; this
// entrypoint accepts only the minimal flags needed to exercise the core
// end-to-end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wtsi-hgi/shepherd-go/capability"
	"github.com/wtsi-hgi/shepherd-go/config"
	"github.com/wtsi-hgi/shepherd-go/dispatch"
	"github.com/wtsi-hgi/shepherd-go/driver/posix"
	"github.com/wtsi-hgi/shepherd-go/driver/s3"
	"github.com/wtsi-hgi/shepherd-go/emit"
	"github.com/wtsi-hgi/shepherd-go/executor/local"
	"github.com/wtsi-hgi/shepherd-go/fsregistry"
	"github.com/wtsi-hgi/shepherd-go/metrics"
	"github.com/wtsi-hgi/shepherd-go/namedroute"
	"github.com/wtsi-hgi/shepherd-go/query"
	"github.com/wtsi-hgi/shepherd-go/routegraph"
	"github.com/wtsi-hgi/shepherd-go/store"
	"github.com/wtsi-hgi/shepherd-go/taskexpand"
	"github.com/wtsi-hgi/shepherd-go/template"
	"github.com/wtsi-hgi/shepherd-go/transform"
)

// Exit codes: 0 success, 1 usage, 2 configuration/template error, 3
// unresolved route, 4 partial failure (a task terminal-failed), 5
// internal.
const (
	exitUsage          = 1
	exitConfiguration  = 2
	exitNoRoute        = 3
	exitPartialFailure = 4
	exitInternal       = 5
)

func exitCodeFor(err error) int {
	var noRoute *routegraph.NoRouteError
	var unresolved *template.UnresolvedVariableError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errPartialFailure):
		return exitPartialFailure
	case errors.As(err, &noRoute), errors.Is(err, routegraph.ErrNoRoute):
		return exitNoRoute
	case errors.As(err, &unresolved), errors.Is(err, config.ErrConfiguration):
		return exitConfiguration
	case errors.Is(err, pflag.ErrHelp):
		return exitUsage
	default:
		return exitInternal
	}
}

func main() {
	var (
		configPaths  []string
		varFiles     []string
		cliVars      []string
		from, to     string
		through      string
		addressesRaw string
		storePath    string
		jsonLogs     bool
	)

	flags := pflag.NewFlagSet("shepherd", pflag.ExitOnError)
	flags.StringSliceVarP(&configPaths, "config", "C", nil, "config file (repeatable, later overrides earlier; directories are not read)")
	flags.StringArrayVar(&varFiles, "variables", nil, "flat YAML file of template variables (repeatable)")
	flags.StringArrayVarP(&cliVars, "var", "v", nil, "NAME=VALUE template variable (repeatable)")
	flags.StringVar(&from, "from", "", "source filesystem name (with --to, plans an automatic route)")
	flags.StringVar(&to, "to", "", "target filesystem name")
	flags.StringVar(&through, "through", "", "named route to use instead of --from/--to")
	flags.StringVar(&addressesRaw, "addresses", "", "comma-separated source addresses (stands in for the targeting-query DSL)")
	flags.StringVar(&storePath, "store", ":memory:", "SQLite database path for persisted state (\":memory:\" for a throwaway run)")
	flags.BoolVar(&jsonLogs, "json", false, "emit JSONL events instead of text")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("shepherd: %v", err)
	}

	err := run(runArgs{
		configPaths:  configPaths,
		varFiles:     varFiles,
		cliVars:      cliVars,
		from:         from,
		to:           to,
		through:      through,
		addressesRaw: addressesRaw,
		storePath:    storePath,
		jsonLogs:     jsonLogs,
	})
	if err != nil && !errors.Is(err, errPartialFailure) {
		log.Printf("shepherd: %v", err)
	}
	os.Exit(exitCodeFor(err))
}

type runArgs struct {
	configPaths  []string
	varFiles     []string
	cliVars      []string
	from, to     string
	through      string
	addressesRaw string
	storePath    string
	jsonLogs     bool
}

func run(args runArgs) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(args.configPaths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cliVars, err := parseCLIVars(args.cliVars)
	if err != nil {
		return err
	}
	env, err := config.ResolveEnv(config.VariableSources{
		CLIVars:       cliVars,
		VariableFiles: args.varFiles,
		Defaults:      cfg.Defaults,
		Environ:       os.Environ(),
	})
	if err != nil {
		return fmt.Errorf("resolve variables: %w", err)
	}

	emitter := emit.NewLogEmitter(os.Stdout, args.jsonLogs)
	mc := metrics.New(nil)

	st, err := store.NewSQLiteStore(args.storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	fsReg, g, err := buildFilesystems(cfg, env)
	if err != nil {
		return err
	}

	job, err := st.CreateJob(ctx, "cli", 3)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	fsIDs, err := registerFilesystems(ctx, st, job.ID, fsReg)
	if err != nil {
		return err
	}

	hops, sourceFS, err := planHops(cfg, g, env, args.from, args.to, args.through, fsIDs)
	if err != nil {
		return err
	}

	addrs, err := query.Parse(args.addressesRaw)
	if err != nil {
		return fmt.Errorf("parse addresses: %w", err)
	}

	expander := taskexpand.New(st, emitter, job.ID)
	_, expandErrs := expander.ExpandAll(ctx, hops, sourceFS, addrs, env)
	for _, e := range expandErrs {
		emitter.Emit(emit.Event{JobID: job.ID, Msg: "task_expand_failed", Meta: map[string]interface{}{"error": e.Error()}})
	}

	recordSourceSizes(ctx, st, fsReg, sourceFS, fsIDs[sourceFS], addrs, emitter, job.ID)

	if err := st.FinishPreparePhase(ctx, job.ID); err != nil {
		return fmt.Errorf("finish prepare phase: %w", err)
	}

	dispatcher, err := buildDispatcher(ctx, cfg)
	if err != nil {
		return err
	}

	loop := dispatch.New(st, dispatcher, emitter, mc, job.ID)
	loop.Resources = capability.ResourceRequest{
		Cores:  cfg.Phase.Cores,
		Memory: parseMemory(cfg.Phase.Memory),
		Group:  cfg.Phase.Group,
	}

	if err := loop.Run(ctx); err != nil {
		return err
	}

	failed, err := anyTerminalFailure(ctx, st, job.ID)
	if err != nil {
		return err
	}
	if failed {
		return errPartialFailure
	}
	return nil
}

// errPartialFailure signals exit code 4: the job finished (no task
// pending or running) but at least one task never succeeded, meaning it
// exhausted its retry budget.
var errPartialFailure = errors.New("shepherd: one or more tasks terminally failed")

func anyTerminalFailure(ctx context.Context, st store.Store, jobID string) (bool, error) {
	rows, err := st.JobStatus(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("job status: %w", err)
	}
	for _, row := range rows {
		if row.Failed > 0 {
			return true, nil
		}
	}
	return false, nil
}

// recordSourceSizes stats every source address on its driver and records
// the size against the matching data item, so job_throughput and todo's
// ETA estimate have something to work from. A failed stat is reported
// and skipped; the transfer proceeds without an estimate for that file.
func recordSourceSizes(ctx context.Context, st store.Store, reg *fsregistry.Registry, sourceFS, sourceFSID string, addrs []string, em emit.Emitter, jobID string) {
	entry, err := reg.Lookup(sourceFS)
	if err != nil {
		return
	}
	for _, addr := range addrs {
		attrs, err := entry.Driver.Stat(ctx, addr)
		if err != nil {
			em.Emit(emit.Event{JobID: jobID, Msg: "source_stat_failed", Meta: map[string]interface{}{"address": addr, "error": err.Error()}})
			continue
		}
		if attrs.Size == nil {
			continue
		}
		item, err := st.GetOrCreateDataItem(ctx, sourceFSID, addr)
		if err != nil {
			continue
		}
		_ = st.SetDataItemSize(ctx, item.ID, *attrs.Size)
	}
}

func parseCLIVars(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, err := config.ParseCLIVar(kv)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// buildFilesystems constructs a driver for every configured filesystem
// (posix or s3, the two concrete drivers this repository ships) and
// registers it in both the filesystem registry and the transfer graph.
// Transformer options render against env here, once, before being frozen
// into each route's pipeline.
func buildFilesystems(cfg *config.Config, env template.Env) (*fsregistry.Registry, *routegraph.Graph, error) {
	reg := fsregistry.New()
	g := routegraph.New()

	for _, spec := range cfg.Filesystems {
		driver, err := buildDriver(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("filesystem %q: %w", spec.Name, err)
		}
		if err := reg.Add(spec.Name, driver, spec.Options, spec.MaxConcurrency); err != nil {
			return nil, nil, err
		}
		if err := g.AddFilesystem(spec.Name); err != nil {
			return nil, nil, err
		}
	}

	for _, t := range cfg.Transfers {
		fn, err := buildTransform(t.Transformations, env, fmt.Sprintf("transfer %q", t.Name))
		if err != nil {
			return nil, nil, fmt.Errorf("transfer %q: %w", t.Name, err)
		}
		if err := g.AddRoute(routegraph.Route{
			Name:            t.Name,
			SourceFS:        t.From,
			TargetFS:        t.To,
			Transformations: fn,
			ScriptTemplate:  t.Script,
			Cost:            t.Cost,
		}); err != nil {
			return nil, nil, err
		}
	}

	for name, spec := range cfg.NamedRoutes {
		names := make([]string, len(spec.Hops))
		for i, hop := range spec.Hops {
			names[i] = hop.Transfer
		}
		if err := g.AddNamedRoute(name, names); err != nil {
			return nil, nil, err
		}
	}

	return reg, g, nil
}

func buildDriver(spec config.FilesystemSpec) (capability.FilesystemDriver, error) {
	switch spec.Driver {
	case "posix":
		return posix.New(spec.MaxConcurrency), nil
	case "s3":
		opts := s3.Options{
			Region:          spec.Options["region"],
			Endpoint:        spec.Options["endpoint"],
			AccessKeyID:     spec.Options["access_key_id"],
			SecretAccessKey: spec.Options["secret_access_key"],
			MaxConcurrency:  spec.MaxConcurrency,
		}
		return s3.New(context.Background(), opts)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", config.ErrConfiguration, spec.Driver)
	}
}

// buildTransform composes a pipeline from config-level declarations of the
// form "kind" or "kind(arg)", e.g. "prefix(/staging)" or
// "last_n_components(2)". Constructor arguments are themselves templates:
// "prefix({{.staging_root}})" renders against env exactly once, here, and
// the resolved string is frozen into the built Func. An unresolved
// variable fails the whole route rather than baking the literal template
// text into every target address.
func buildTransform(decls []string, env template.Env, site string) (transform.Func, error) {
	if len(decls) == 0 {
		return nil, nil
	}
	fns := make([]transform.Func, 0, len(decls))
	for _, decl := range decls {
		kind, args := decl, []string(nil)
		if open := strings.IndexByte(decl, '('); open >= 0 && strings.HasSuffix(decl, ")") {
			kind = decl[:open]
			if arg := decl[open+1 : len(decl)-1]; arg != "" {
				rendered, err := template.Render(arg, env, fmt.Sprintf("%s transformation %q", site, decl))
				if err != nil {
					return nil, err
				}
				args = []string{rendered}
			}
		}
		fn, err := transform.Build(kind, args...)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}
	return transform.Pipeline(fns...), nil
}

func registerFilesystems(ctx context.Context, st store.Store, jobID string, reg *fsregistry.Registry) (map[string]string, error) {
	ids := make(map[string]string, len(reg.Names()))
	for _, name := range reg.Names() {
		entry, err := reg.Lookup(name)
		if err != nil {
			return nil, err
		}
		fs, err := st.CreateFilesystem(ctx, jobID, store.Filesystem{
			Name:           entry.Name,
			DriverKey:      entry.Name,
			MaxConcurrency: entry.MaxConcurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("register filesystem %q: %w", name, err)
		}
		ids[name] = fs.ID
	}
	return ids, nil
}

// planHops resolves the hop sequence for either routing form: an
// automatic "from/to" plan via the transfer graph, or a preconfigured
// "through" named route.
func planHops(cfg *config.Config, g *routegraph.Graph, env template.Env, from, to, through string, fsIDs map[string]string) ([]taskexpand.Hop, string, error) {
	if through != "" {
		spec, ok := cfg.NamedRoutes[through]
		if !ok {
			return nil, "", fmt.Errorf("%w: unknown named route %q", config.ErrConfiguration, through)
		}
		rawOptions := make(map[string]map[string]string, len(spec.Hops))
		extras := make(map[string]transform.Func, len(spec.Hops))
		for _, hop := range spec.Hops {
			rawOptions[hop.Transfer] = hop.Options
			fn, err := buildTransform(hop.Transformations, env, fmt.Sprintf("named route %q hop %q", through, hop.Transfer))
			if err != nil {
				return nil, "", err
			}
			extras[hop.Transfer] = fn
		}
		resolved, err := namedroute.Resolve(g, through, rawOptions, env)
		if err != nil {
			return nil, "", err
		}
		if len(resolved.Hops) == 0 {
			return nil, "", fmt.Errorf("%w: named route %q has no hops", config.ErrConfiguration, through)
		}
		hops, err := taskexpand.FromResolved(resolved, extras, fsIDs)
		if err != nil {
			return nil, "", err
		}
		return hops, resolved.Hops[0].Route.SourceFS, nil
	}

	if from == "" || to == "" {
		return nil, "", fmt.Errorf("%w: specify either --through or both --from and --to", config.ErrConfiguration)
	}
	routes, err := g.Plan(from, to)
	if err != nil {
		return nil, "", err
	}
	hops, err := taskexpand.FromPlanned(routes, fsIDs)
	if err != nil {
		return nil, "", err
	}
	return hops, from, nil
}

func buildDispatcher(_ context.Context, cfg *config.Config) (capability.Dispatcher, error) {
	switch cfg.Executor.Kind {
	case "", "local":
		return local.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown executor kind %q", config.ErrConfiguration, cfg.Executor.Kind)
	}
}

// parseMemory accepts a bare byte count; richer suffixed forms ("4GiB")
// belong to the external config parser and are rejected here rather than
// guessed at.
func parseMemory(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
