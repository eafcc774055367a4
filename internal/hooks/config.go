package hooks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Factory constructs a hook from its per-hook configuration block.
type Factory func(cfg map[string]any) (Hook, error)

// Spec is one declarative hook entry in a hooks file.
type Spec struct {
	Use      string         `yaml:"use"`
	Priority int            `yaml:"priority"`
	Enabled  *bool          `yaml:"enabled"`
	Config   map[string]any `yaml:"config"`
}

type file struct {
	Hooks map[string][]Spec `yaml:"hooks"`
}

// LoadFile reads a declarative hooks file and registers every enabled entry
// on the bus, resolving implementations through the factory map. Entries with
// enabled: false are skipped. An unknown implementation name is an error.
func LoadFile(b *Bus, path string, factories map[string]Factory) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read hooks file: %w", err)
	}
	return Load(b, raw, factories)
}

// Load registers hooks from raw YAML. See LoadFile.
func Load(b *Bus, raw []byte, factories map[string]Factory) error {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse hooks file: %w", err)
	}
	for event, specs := range f.Hooks {
		for _, spec := range specs {
			if spec.Enabled != nil && !*spec.Enabled {
				continue
			}
			factory, ok := factories[spec.Use]
			if !ok {
				return fmt.Errorf("unknown hook implementation %q for event %q", spec.Use, event)
			}
			h, err := factory(spec.Config)
			if err != nil {
				return fmt.Errorf("build hook %q: %w", spec.Use, err)
			}
			b.Register(event, h, spec.Priority)
		}
	}
	return nil
}
