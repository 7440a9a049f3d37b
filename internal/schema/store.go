package schema

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when no config exists for an entity type.
var ErrConfigNotFound = errors.New("schema: config not found")

const (
	defaultIDField     = "id"
	defaultMarkerField = "dateModified"
)

// Store holds all entity configs, loaded once at startup and read-only after.
type Store struct {
	order  []string
	byType map[string]*EntityConfig
}

type document struct {
	Entities []*EntityConfig `yaml:"entities"`
}

// Load reads and validates a schema document from disk.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a schema document.
func Parse(data []byte) (*Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	if len(doc.Entities) == 0 {
		return nil, errors.New("schema: no entity types declared")
	}

	store := &Store{byType: make(map[string]*EntityConfig, len(doc.Entities))}
	declared := make(map[string]struct{}, len(doc.Entities))
	for _, cfg := range doc.Entities {
		if cfg == nil || cfg.EntityType == "" {
			return nil, errors.New("schema: entity section without entityType")
		}
		if _, dup := declared[cfg.EntityType]; dup {
			return nil, fmt.Errorf("schema: duplicate entity type %q", cfg.EntityType)
		}
		declared[cfg.EntityType] = struct{}{}
	}
	for _, cfg := range doc.Entities {
		if cfg.IDField == "" {
			cfg.IDField = defaultIDField
		}
		if cfg.MarkerField == "" {
			cfg.MarkerField = defaultMarkerField
		}
		if err := cfg.validate(declared); err != nil {
			return nil, err
		}
		store.order = append(store.order, cfg.EntityType)
		store.byType[cfg.EntityType] = cfg
	}
	return store, nil
}

// Get returns the config for an entity type.
func (s *Store) Get(entityType string) (*EntityConfig, error) {
	if s == nil {
		return nil, ErrConfigNotFound
	}
	cfg, ok := s.byType[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, entityType)
	}
	return cfg, nil
}

// Types returns the declared entity types in document order.
func (s *Store) Types() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}
