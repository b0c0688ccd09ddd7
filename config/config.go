// Package config loads shepherd's YAML configuration files and resolves
// the effective template.Env from the layered variable sources:
// CLI -v > SHEPHERD_* env > --variables files > config defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wtsi-hgi/shepherd-go/template"
)

// ErrConfiguration is the sentinel for malformed YAML, unknown drivers,
// and duplicate names. Fatal at load.
var ErrConfiguration = fmt.Errorf("config: invalid configuration")

// FilesystemSpec is one entry of the top-level "filesystems" key.
type FilesystemSpec struct {
	Name           string            `yaml:"name"`
	Driver         string            `yaml:"driver"`
	Options        map[string]string `yaml:"options"`
	MaxConcurrency int               `yaml:"max_concurrency"`
}

// TransferSpec is one entry of the top-level "transfers" key: a transfer
// graph edge.
type TransferSpec struct {
	Name            string   `yaml:"name"`
	From            string   `yaml:"from"`
	To              string   `yaml:"to"`
	Transformations []string `yaml:"transformations"`
	Script          string   `yaml:"script"`
	Cost            int      `yaml:"cost"`
}

// NamedRouteSpec is one entry of the top-level "named_routes" key: an
// ordered sequence of transfer names plus per-hop extra options.
type NamedRouteSpec struct {
	Hops []NamedRouteHopSpec `yaml:"hops"`
}

// NamedRouteHopSpec is one hop of a NamedRouteSpec.
type NamedRouteHopSpec struct {
	Transfer        string            `yaml:"transfer"`
	Transformations []string          `yaml:"transformations"`
	Options         map[string]string `yaml:"options"`
}

// ExecutorSpec configures the external executor.
type ExecutorSpec struct {
	Kind    string            `yaml:"kind"`
	Options map[string]string `yaml:"options"`
}

// PhaseSpec is the top-level "phase" resource-request block.
type PhaseSpec struct {
	Cores  int    `yaml:"cores"`
	Memory string `yaml:"memory"`
	Group  string `yaml:"group"`
}

// Config is the merged shape of the YAML layout: top-level keys
// filesystems, transfers, named_routes, executor, phase, defaults.
type Config struct {
	Filesystems []FilesystemSpec          `yaml:"filesystems"`
	Transfers   []TransferSpec            `yaml:"transfers"`
	NamedRoutes map[string]NamedRouteSpec `yaml:"named_routes"`
	Executor    ExecutorSpec              `yaml:"executor"`
	Phase       PhaseSpec                 `yaml:"phase"`
	Defaults    map[string]string         `yaml:"defaults"`
}

// Load reads and merges the YAML files at paths, later files overriding
// earlier ones at the top-level-key granularity.
func Load(paths ...string) (*Config, error) {
	cfg := &Config{NamedRoutes: map[string]NamedRouteSpec{}, Defaults: map[string]string{}}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
		}
		var layer Config
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
		}
		merge(cfg, &layer)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays layer onto base, last-wins at the top-level-key
// granularity: a key present in layer replaces base's value wholesale,
// rather than deep-merging list/map contents.
func merge(base, layer *Config) {
	if len(layer.Filesystems) > 0 {
		base.Filesystems = layer.Filesystems
	}
	if len(layer.Transfers) > 0 {
		base.Transfers = layer.Transfers
	}
	if len(layer.NamedRoutes) > 0 {
		base.NamedRoutes = layer.NamedRoutes
	}
	if layer.Executor.Kind != "" {
		base.Executor = layer.Executor
	}
	if layer.Phase.Cores != 0 || layer.Phase.Memory != "" || layer.Phase.Group != "" {
		base.Phase = layer.Phase
	}
	if len(layer.Defaults) > 0 {
		base.Defaults = layer.Defaults
	}
}

// validate rejects duplicate filesystem/transfer names and reserved
// variable names in defaults. "source" and "target" belong to the task
// expander, so they must not enter the environment here.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Filesystems))
	for _, fs := range cfg.Filesystems {
		if seen[fs.Name] {
			return fmt.Errorf("%w: duplicate filesystem name %q", ErrConfiguration, fs.Name)
		}
		seen[fs.Name] = true
	}

	seenRoutes := make(map[string]bool, len(cfg.Transfers))
	for _, tr := range cfg.Transfers {
		if seenRoutes[tr.Name] {
			return fmt.Errorf("%w: duplicate transfer route name %q", ErrConfiguration, tr.Name)
		}
		seenRoutes[tr.Name] = true
	}

	env := make(template.Env, len(cfg.Defaults))
	for k, v := range cfg.Defaults {
		env[k] = v
	}
	if err := template.CheckReserved(env); err != nil {
		return fmt.Errorf("%w: defaults: %v", ErrConfiguration, err)
	}
	return nil
}

// VariableSources holds the inputs to the layered variable precedence:
// CLI -v (highest) > SHEPHERD_* env > --variables files > config defaults
// (lowest).
type VariableSources struct {
	// CLIVars is the repeated "-v NAME=VALUE" flag.
	CLIVars map[string]string
	// VariableFiles is the repeated "--variables=FILE" flag, each a flat
	// YAML mapping of name to value.
	VariableFiles []string
	// Defaults comes from the config file's "defaults" key.
	Defaults map[string]string
	// Environ is the process environment, as os.Environ() would return
	// it; only SHEPHERD_-prefixed names are considered, with the prefix
	// stripped.
	Environ []string
}

// ResolveEnv computes the effective template.Env from the layered sources,
// lowest precedence first, then rejects "source"/"target" injection.
func ResolveEnv(src VariableSources) (template.Env, error) {
	env := make(template.Env, len(src.Defaults))
	for k, v := range src.Defaults {
		env[k] = v
	}

	for _, path := range src.VariableFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read variables file %s: %v", ErrConfiguration, path, err)
		}
		var vars map[string]string
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("%w: parse variables file %s: %v", ErrConfiguration, path, err)
		}
		for k, v := range vars {
			env[k] = v
		}
	}

	for _, kv := range src.Environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		const prefix = "SHEPHERD_"
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		env[strings.TrimPrefix(name, prefix)] = value
	}

	for k, v := range src.CLIVars {
		env[k] = v
	}

	if err := template.CheckReserved(env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return env, nil
}

// ParseCLIVar parses one "-v NAME=VALUE" occurrence.
func ParseCLIVar(raw string) (name, value string, err error) {
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed -v %q, expected NAME=VALUE", ErrConfiguration, raw)
	}
	return name, value, nil
}
