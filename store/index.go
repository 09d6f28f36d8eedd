package store

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/query"
)

// IndexSpec declares one index. Options.Name is mandatory and identifies the
// index for EnsureIndexes.
type IndexSpec struct {
	Fields  IndexFields  `json:"fields" yaml:"fields"`
	Options IndexOptions `json:"options" yaml:"options"`
}

type IndexOptions struct {
	Name               string `json:"name" yaml:"name"`
	Unique             bool   `json:"unique,omitempty" yaml:"unique,omitempty"`
	Sparse             bool   `json:"sparse,omitempty" yaml:"sparse,omitempty"`
	ExpireAfterSeconds int    `json:"expireAfterSeconds,omitempty" yaml:"expireAfterSeconds,omitempty"`
	Background         bool   `json:"background,omitempty" yaml:"background,omitempty"`
}

// IndexFields keeps field order. In YAML it is written as a mapping
// {field: direction}; a list of {field, order} entries is accepted too.
type IndexFields []query.SortKey

func (f *IndexFields) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(IndexFields, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var dir int
			if err := node.Content[i+1].Decode(&dir); err != nil {
				return fmt.Errorf("index field %q: %w", node.Content[i].Value, err)
			}
			out = append(out, query.SortKey{Field: node.Content[i].Value, Order: direction(dir)})
		}
		*f = out
		return nil
	case yaml.SequenceNode:
		var keys []query.SortKey
		if err := node.Decode(&keys); err != nil {
			return err
		}
		for i := range keys {
			keys[i].Order = direction(keys[i].Order)
		}
		*f = keys
		return nil
	}
	return fmt.Errorf("index fields: expected mapping or list at line %d", node.Line)
}

func direction(d int) int {
	if d < 0 {
		return -1
	}
	return 1
}

// Names returns the field names in order.
func (f IndexFields) Names() []string {
	out := make([]string, len(f))
	for i, k := range f {
		out[i] = k.Field
	}
	return out
}

// Validate checks the declaration.
// ValidateIndexes validates each spec and rejects two specs with the same
// name.
func ValidateIndexes(specs []IndexSpec) error {
	seen := make(map[string]int, len(specs))
	for i, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if j, ok := seen[s.Options.Name]; ok {
			return apperr.InvalidData(apperr.Failure{
				Message: fmt.Sprintf("index %q is declared at %d and %d", s.Options.Name, j, i),
				Path:    fmt.Sprintf("%d.options.name", i),
				Type:    "duplicate",
			})
		}
		seen[s.Options.Name] = i
	}
	return nil
}

func (s IndexSpec) Validate() error {
	var failures []apperr.Failure
	if s.Options.Name == "" {
		failures = append(failures, apperr.Failure{Message: "index name is required", Path: "options.name", Type: "required"})
	}
	if len(s.Fields) == 0 {
		failures = append(failures, apperr.Failure{Message: "index needs at least one field", Path: "fields", Type: "required"})
	}
	for i, k := range s.Fields {
		if k.Field == "" {
			failures = append(failures, apperr.Failure{Message: "empty field name", Path: fmt.Sprintf("fields.%d", i), Type: "required"})
		}
	}
	if s.Options.ExpireAfterSeconds < 0 {
		failures = append(failures, apperr.Failure{Message: "must not be negative", Path: "options.expireAfterSeconds", Type: "range"})
	}
	if len(failures) > 0 {
		return apperr.InvalidData(failures...)
	}
	return nil
}

// LoadIndexes reads a YAML file mapping collection names to index lists.
func LoadIndexes(path string) (map[string][]IndexSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read indexes: %w", err)
	}
	out := map[string][]IndexSpec{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse indexes %s: %w", path, err)
	}
	for coll, specs := range out {
		for _, s := range specs {
			if err := s.Validate(); err != nil {
				return nil, fmt.Errorf("collection %s: %w", coll, err)
			}
		}
	}
	return out, nil
}

// indexDriver is the native index primitive set. Drivers are not required
// to guard against creating the same index twice.
type indexDriver interface {
	indexExists(ctx context.Context, name string) (bool, error)
	createIndex(ctx context.Context, spec IndexSpec) error
}

// ensureIndexes checks every declared index concurrently and creates the
// missing ones concurrently. Either batch fails as a whole.
func ensureIndexes(ctx context.Context, drv indexDriver, specs []IndexSpec, logger *zap.Logger) ([]IndexSpec, error) {
	created := []IndexSpec{}
	if len(specs) == 0 {
		return created, nil
	}
	if err := ValidateIndexes(specs); err != nil {
		return nil, err
	}

	exists := make([]bool, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range specs {
		g.Go(func() error {
			ok, err := drv.indexExists(gctx, s.Options.Name)
			if err != nil {
				return fmt.Errorf("index %s: %w", s.Options.Name, err)
			}
			exists[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, s := range specs {
		if !exists[i] {
			created = append(created, s)
		}
	}
	if len(created) == 0 {
		return created, nil
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, s := range created {
		g.Go(func() error {
			if err := drv.createIndex(gctx, s); err != nil {
				return fmt.Errorf("create index %s: %w", s.Options.Name, err)
			}
			logger.Debug("index created", zap.String("index", s.Options.Name), zap.Strings("fields", s.Fields.Names()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return created, nil
}
