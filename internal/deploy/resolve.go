// Package deploy parses the serving configuration and resolves its enabled
// entries against the artifact store.
package deploy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"modelforge/internal/errs"
	"modelforge/internal/registry"
	"modelforge/pkg/types"
)

//go:embed serving.schema.json
var schemaJSON []byte

var servingSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Store is the part of the artifact store the resolver needs.
type Store interface {
	Exists(id string) bool
	Path(id string) string
}

// LoadFile reads and parses a serving configuration document.
func LoadFile(path string) (types.ServingConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.ServingConfig{}, errs.NotFound(path, "serving config not found")
		}
		return types.ServingConfig{}, errs.IO(path, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return types.ServingConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates doc against the serving config schema and decodes it.
func Parse(doc []byte) (types.ServingConfig, error) {
	var cfg types.ServingConfig
	schema, err := servingSchema()
	if err != nil {
		return cfg, fmt.Errorf("compile serving schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return cfg, errs.Validation("serving config", "not valid JSON: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return cfg, errs.Validation("serving config", "%s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return cfg, errs.Validation("serving config", "%v", err)
	}
	return cfg, nil
}

// Resolve returns the enabled entries of cfg in document order, each bound
// to its artifact directory. Disabled entries are dropped without touching
// the filesystem. If any enabled entry has no artifact the whole resolution
// fails with NotFound and nothing is returned.
func Resolve(cfg types.ServingConfig, store Store) ([]types.ResolvedEntry, error) {
	seen := make(map[string]int, len(cfg.Models))
	for i, m := range cfg.Models {
		if err := registry.ValidateID(m.ID); err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}
		if j, dup := seen[m.ID]; dup {
			return nil, errs.Validation(m.ID, "duplicate id in models[%d] and models[%d]", j, i)
		}
		seen[m.ID] = i
	}

	out := make([]types.ResolvedEntry, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		if !m.Enabled {
			continue
		}
		if !store.Exists(m.ID) {
			return nil, errs.NotFound(m.ID, "enabled model has no artifact directory")
		}
		out = append(out, types.ResolvedEntry{
			ModelID:      m.ID,
			ArtifactPath: store.Path(m.ID),
			Description:  m.Description,
			Quantization: m.Quantization,
		})
	}
	return out, nil
}
