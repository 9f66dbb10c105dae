package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// RegistryNode is the display metadata for one statically configured node.
type RegistryNode struct {
	ID          string `koanf:"id"`
	Name        string `koanf:"name"`
	Location    string `koanf:"location"`
	Description string `koanf:"description"`
}

// Registry is the parsed node registry file.
//
//	defaults:
//	  location: Paris
//	nodes:
//	  - id: N1
//	    name: Edge gateway 1
//	    description: Branch office
type Registry struct {
	Defaults struct {
		Location string `koanf:"location"`
	} `koanf:"defaults"`
	Nodes []RegistryNode `koanf:"nodes"`
}

// LoadRegistry reads the YAML registry at path, then applies FOGWATCH_
// environment overrides (FOGWATCH_DEFAULTS_LOCATION -> defaults.location).
// Nodes without a location inherit the default.
func LoadRegistry(path string) (*Registry, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading node registry %s: %w", path, err)
	}

	envProvider := env.Provider("FOGWATCH_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "FOGWATCH_")
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading registry overrides: %w", err)
	}

	var reg Registry
	if err := k.UnmarshalWithConf("", &reg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("parsing node registry %s: %w", path, err)
	}

	seen := make(map[string]bool, len(reg.Nodes))
	for i := range reg.Nodes {
		n := &reg.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node registry %s: entry %d has no id", path, i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("node registry %s: duplicate id %q", path, n.ID)
		}
		seen[n.ID] = true
		if n.Location == "" {
			n.Location = reg.Defaults.Location
		}
	}
	return &reg, nil
}
