package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Definitions is the on-disk form of a flow seed file.
type Definitions struct {
	Flows []RegisterRequest `yaml:"flows"`
}

// LoadDefinitions reads a YAML seed file.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow definitions: %w", err)
	}
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse flow definitions: %w", err)
	}
	return &defs, nil
}

// Seed registers every flow in the file. Registration is idempotent, so
// seeding on every start is safe; a conflicting definition aborts startup.
func (r *Registry) Seed(ctx context.Context, path string) error {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return err
	}
	for i := range defs.Flows {
		flow, created, err := r.Register(ctx, &defs.Flows[i])
		if err != nil {
			return fmt.Errorf("seed flow %q: %w", defs.Flows[i].Name, err)
		}
		r.logger.Debug("seeded flow",
			slog.String("flow_id", flow.ID),
			slog.String("name", flow.Name),
			slog.Bool("created", created),
		)
	}
	return nil
}
