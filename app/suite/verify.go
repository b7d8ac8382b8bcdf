package suite

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

//go:embed schema.json
var embeddedSchemaData []byte

// VerifyAgainstEmbeddedSchema validates a suite config against the embedded
// JSON schema rules. Checks structural requirements (names, patterns,
// dependency references) and graph requirements (acyclic, single final
// group ordered last).
func VerifyAgainstEmbeddedSchema(cfg *Config) error {
	// parse embedded schema
	var schema map[string]interface{}
	if err := json.Unmarshal(embeddedSchemaData, &schema); err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}

	if err := validateRequiredFields(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := validateGraph(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// GenerateSchema generates a JSON schema for the suite Config struct
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&Config{}), nil
}

// validateRequiredFields checks per-group requirements the schema encodes.
func validateRequiredFields(cfg *Config) error {
	if len(cfg.Groups) == 0 {
		return fmt.Errorf("suite has no groups")
	}

	seen := make(map[string]bool, len(cfg.Groups))
	for i, g := range cfg.Groups {
		if g.Name == "" {
			return fmt.Errorf("group %d has no name", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate group name %q", g.Name)
		}
		seen[g.Name] = true

		if len(g.Patterns) == 0 {
			return fmt.Errorf("group %q has no patterns", g.Name)
		}
		for _, p := range g.Patterns {
			if p == "" {
				return fmt.Errorf("group %q has an empty pattern", g.Name)
			}
		}
		if !g.Parallel.valid() {
			return fmt.Errorf("group %q has unknown parallel mode %q", g.Name, g.Parallel)
		}
	}

	for _, g := range cfg.Groups {
		for _, dep := range g.DependsOn {
			if dep == g.Name {
				return fmt.Errorf("group %q depends on itself", g.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("group %q depends on unknown group %q", g.Name, dep)
			}
		}
	}
	return nil
}

// validateGraph checks cross-group requirements: the graph is acyclic, and
// exactly one group is final, is not parallel and sorts last. The final
// group performs destructive account deletion, so nothing may run after it.
func validateGraph(cfg *Config) error {
	var finals []string
	for _, g := range cfg.Groups {
		if g.Final {
			finals = append(finals, g.Name)
			if g.Parallel != "" && g.Parallel != ParallelNever {
				return fmt.Errorf("final group %q can't be parallel", g.Name)
			}
		}
	}
	switch {
	case len(finals) == 0:
		return fmt.Errorf("suite has no final group")
	case len(finals) > 1:
		return fmt.Errorf("suite has multiple final groups: %v", finals)
	}

	ordered, err := cfg.Ordered()
	if err != nil {
		return err
	}
	if last := ordered[len(ordered)-1]; !last.Final {
		return fmt.Errorf("final group %q is not last in dependency order, %q is", finals[0], last.Name)
	}
	return nil
}
