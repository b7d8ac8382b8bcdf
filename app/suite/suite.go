// Package suite defines the dependency-ordered graph of test groups the
// coordinator executes. The graph is static configuration: a built-in default
// covers the standard gallery run (auth -> features -> images -> cleanup ->
// deletion) and a YAML file can replace it for non-standard layouts.
package suite

import (
	"fmt"
	"os"
	"strings"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"
)

// ParallelMode declares which global mode, if any, unlocks parallel workers
// for a group. Groups mutating shared state stay on ParallelNever.
type ParallelMode string

// parallel modes
const (
	ParallelNever      ParallelMode = "never"
	ParallelFast       ParallelMode = "fast"
	ParallelSharedData ParallelMode = "shared-data"
)

// valid reports whether the mode is one of the known values. An empty mode
// is accepted and treated as ParallelNever.
func (m ParallelMode) valid() bool {
	switch m {
	case "", ParallelNever, ParallelFast, ParallelSharedData:
		return true
	}
	return false
}

// Group is one named collection of test files with declared dependencies.
// Dependencies gate ordering only, not success: a group runs even when its
// dependencies failed.
type Group struct {
	Name      string       `yaml:"name" json:"name"`
	Patterns  []string     `yaml:"patterns" json:"patterns"`
	DependsOn []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Parallel  ParallelMode `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Final     bool         `yaml:"final,omitempty" json:"final,omitempty"`
}

// Workers returns the worker count for the group given the active mode flags.
// Sequential groups and groups whose unlocking mode is off get exactly one.
func (g Group) Workers(fast, sharedData bool, max int) int {
	if max < 1 {
		max = 1
	}
	switch {
	case g.Parallel == ParallelFast && fast:
		return max
	case g.Parallel == ParallelSharedData && sharedData:
		return max
	}
	return 1
}

// Config is the full suite graph.
type Config struct {
	Groups []Group `yaml:"groups" json:"groups"`
}

// Default returns the built-in gallery suite graph. The deletion group is
// final: it destroys the shared test identity and nothing may follow it.
func Default() Config {
	return Config{Groups: []Group{
		{Name: "auth-lifecycle", Patterns: []string{"tests/auth"}},
		{Name: "feature-tests", Patterns: []string{"tests/features"}, DependsOn: []string{"auth-lifecycle"}, Parallel: ParallelFast},
		{Name: "image-tests", Patterns: []string{"tests/images"}, DependsOn: []string{"feature-tests"}, Parallel: ParallelSharedData},
		{Name: "cleanup-tests", Patterns: []string{"tests/cleanup"}, DependsOn: []string{"image-tests"}},
		{Name: "deletion-tests", Patterns: []string{"tests/deletion"}, DependsOn: []string{"cleanup-tests"}, Final: true},
	}}
}

// Load reads a suite config from a YAML file and validates it against the
// embedded schema rules. Unknown fields are rejected.
func Load(file string) (Config, error) {
	data, err := os.ReadFile(file) // nolint gosec // config file path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("can't read suite file %s: %w", file, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("can't parse suite file %s: %w", file, err)
	}

	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid suite file %s: %w", file, err)
	}

	log.Printf("[INFO] loaded suite config from %s, %d groups", file, len(cfg.Groups))
	return cfg, nil
}

// Ordered returns the groups in deterministic dependency order: a group is
// emitted only after all of its dependencies, ties broken by declaration
// order. Fails on a dependency cycle.
func (c Config) Ordered() ([]Group, error) {
	emitted := make(map[string]bool, len(c.Groups))
	res := make([]Group, 0, len(c.Groups))

	for len(res) < len(c.Groups) {
		progress := false
		for _, g := range c.Groups {
			if emitted[g.Name] {
				continue
			}
			ready := true
			for _, dep := range g.DependsOn {
				if !emitted[dep] {
					ready = false
					break
				}
			}
			if ready {
				emitted[g.Name] = true
				res = append(res, g)
				progress = true
			}
		}
		if !progress {
			var stuck []string
			for _, g := range c.Groups {
				if !emitted[g.Name] {
					stuck = append(stuck, g.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle involving groups: %s", strings.Join(stuck, ", "))
		}
	}
	return res, nil
}

// FinalGroup returns the group marked final, false when none is marked.
func (c Config) FinalGroup() (Group, bool) {
	for _, g := range c.Groups {
		if g.Final {
			return g, true
		}
	}
	return Group{}, false
}
