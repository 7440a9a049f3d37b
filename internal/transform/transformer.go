package transform

import (
	"context"
	"errors"
	"log"

	"citypulse/internal/schema"
)

// joinSkipSentinel marks a foreign key that should not be resolved.
const joinSkipSentinel = "unknown"

// Resolver answers cache-first foreign entity lookups for joins.
type Resolver interface {
	Lookup(entityType, foreignField, value string) (map[string]any, bool)
}

// Fetcher retrieves a single raw entity from the upstream broker.
type Fetcher interface {
	FetchByID(ctx context.Context, id string) (map[string]any, error)
}

// Transformer turns raw broker records into flat application entities
// according to the loaded schema.
type Transformer struct {
	store    *schema.Store
	fetcher  Fetcher
	resolver Resolver
	logger   *log.Logger
}

// Option customizes a Transformer.
type Option func(*Transformer)

// WithResolver sets the cache-first join resolver.
func WithResolver(r Resolver) Option {
	return func(t *Transformer) { t.resolver = r }
}

// WithFetcher sets the fallback fetcher used when a join misses the cache.
func WithFetcher(f Fetcher) Option {
	return func(t *Transformer) { t.fetcher = f }
}

// NewTransformer constructs a Transformer.
func NewTransformer(store *schema.Store, logger *log.Logger, opts ...Option) (*Transformer, error) {
	if store == nil {
		return nil, errors.New("transform: nil schema store")
	}
	if logger == nil {
		logger = log.Default()
	}
	t := &Transformer{store: store, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// SetResolver installs the join resolver after construction. The snapshot
// cache is built on top of the transformer's output, so the two are wired
// in two steps at startup.
func (t *Transformer) SetResolver(r Resolver) {
	if t != nil {
		t.resolver = r
	}
}

// TransformAll transforms a raw batch for one entity type. A missing
// entity config aborts the whole batch.
func (t *Transformer) TransformAll(ctx context.Context, entityType string, raws []map[string]any) ([]map[string]any, error) {
	if t == nil {
		return nil, errors.New("transform: nil transformer")
	}
	cfg, err := t.store.Get(entityType)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(raws))
	for _, raw := range raws {
		out = append(out, t.Transform(ctx, cfg, raw))
	}
	return out, nil
}

// Transform produces one flat entity: direct fields first, then computed
// fields over the resolved values, then joins. It never fails; problems
// degrade to defaults or zero values with a logged warning.
func (t *Transformer) Transform(ctx context.Context, cfg *schema.EntityConfig, raw map[string]any) map[string]any {
	out := make(map[string]any, cfg.Fields.Len())

	for _, name := range cfg.Fields.Names() {
		fc, _ := cfg.Fields.Get(name)
		if fc.Type == schema.TypeComputed {
			continue
		}
		out[name] = t.resolveField(cfg, name, fc, raw)
	}

	for _, name := range cfg.Fields.Names() {
		fc, _ := cfg.Fields.Get(name)
		if fc.Type != schema.TypeComputed {
			continue
		}
		out[name] = t.compute(cfg, name, fc, out)
	}

	for _, join := range cfg.Joins {
		t.applyJoin(ctx, cfg, join, out)
	}
	return out
}

func (t *Transformer) resolveField(cfg *schema.EntityConfig, name string, fc schema.FieldConfig, raw map[string]any) any {
	value, found := resolvePath(raw, fc.Path)
	if !found {
		for _, alt := range fc.AlternativePaths {
			if value, found = resolvePath(raw, alt); found {
				break
			}
		}
	}
	if !found {
		if fc.Default != nil {
			return fc.Default
		}
		if fc.Required {
			t.logger.Printf("transform: missing required field: type=%s field=%s", cfg.EntityType, name)
			return zeroValue(fc.Type)
		}
		return nil
	}

	if fc.Transform != "" {
		transformed, err := applyTransform(fc.Transform, value)
		if err != nil {
			t.logger.Printf("transform: %s: type=%s field=%s", err, cfg.EntityType, name)
			return t.fallback(fc)
		}
		value = transformed
	}

	coerced, ok := coerce(value, fc.Type)
	if !ok {
		t.logger.Printf("transform: coercion failed: type=%s field=%s want=%s got=%T", cfg.EntityType, name, fc.Type, value)
		return t.fallback(fc)
	}

	if fc.Validate != "" && fc.Type == schema.TypeNumber {
		rule, err := schema.ParseValidation(fc.Validate)
		if err == nil {
			if num, isNum := coerced.(float64); isNum && !rule.Ok(num) {
				t.logger.Printf("transform: validation failed: type=%s field=%s value=%v rule=%s", cfg.EntityType, name, num, fc.Validate)
				return t.fallback(fc)
			}
		}
	}
	return coerced
}

func (t *Transformer) fallback(fc schema.FieldConfig) any {
	if fc.Default != nil {
		return fc.Default
	}
	if fc.Required {
		return zeroValue(fc.Type)
	}
	return nil
}

// compute evaluates a computed field against already-resolved dependencies.
func (t *Transformer) compute(cfg *schema.EntityConfig, name string, fc schema.FieldConfig, out map[string]any) any {
	comp, ok := cfg.Computations[fc.Computation]
	if !ok {
		return nil
	}
	dep := out[fc.DependsOn[0]]

	switch comp.Kind {
	case schema.ComputeCategorical:
		value, isNum := toFloat(dep)
		if !isNum {
			return nil
		}
		for _, rule := range comp.Rules {
			op, threshold, err := schema.ParseCondition(rule.When)
			if err != nil {
				continue
			}
			if conditionHolds(op, value, threshold) {
				return rule.Result
			}
		}
		return nil
	case schema.ComputeMapping:
		result, found := comp.Mapping[stringify(dep)]
		if !found {
			return nil
		}
		return result
	case schema.ComputeGeoJSON:
		// Deferred computation kind, declared but not yet evaluated.
		return nil
	default:
		return nil
	}
}

func conditionHolds(op string, value, threshold float64) bool {
	switch op {
	case "<=":
		return value <= threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case ">":
		return value > threshold
	case "==":
		return value == threshold
	default:
		return false
	}
}

// applyJoin enriches the entity in place with mergeFields copied from the
// resolved foreign entity. A failed resolution leaves the entity intact.
func (t *Transformer) applyJoin(ctx context.Context, cfg *schema.EntityConfig, join schema.JoinConfig, out map[string]any) {
	fk := stringify(out[join.LocalField])
	if fk == "" || fk == joinSkipSentinel {
		return
	}

	foreign, ok := t.lookupForeign(ctx, join, fk)
	if !ok {
		t.logger.Printf("transform: join unresolved: type=%s target=%s key=%s", cfg.EntityType, join.Target, fk)
		return
	}
	for _, field := range join.MergeFields {
		if value, has := foreign[field]; has && value != nil {
			out[field] = value
		}
	}
}

func (t *Transformer) lookupForeign(ctx context.Context, join schema.JoinConfig, fk string) (map[string]any, bool) {
	if t.resolver != nil {
		if foreign, ok := t.resolver.Lookup(join.Target, join.ForeignField, fk); ok {
			return foreign, true
		}
	}
	if t.fetcher == nil {
		return nil, false
	}
	targetCfg, err := t.store.Get(join.Target)
	if err != nil {
		return nil, false
	}
	if join.ForeignField != targetCfg.IDField {
		// Only identifier joins can fall back to a point fetch.
		return nil, false
	}
	raw, err := t.fetcher.FetchByID(ctx, fk)
	if err != nil {
		return nil, false
	}
	return t.transformDirect(targetCfg, raw), true
}

// transformDirect resolves direct and computed fields without running the
// target's own joins, so a join can never recurse.
func (t *Transformer) transformDirect(cfg *schema.EntityConfig, raw map[string]any) map[string]any {
	out := make(map[string]any, cfg.Fields.Len())
	for _, name := range cfg.Fields.Names() {
		fc, _ := cfg.Fields.Get(name)
		if fc.Type == schema.TypeComputed {
			continue
		}
		out[name] = t.resolveField(cfg, name, fc, raw)
	}
	for _, name := range cfg.Fields.Names() {
		fc, _ := cfg.Fields.Get(name)
		if fc.Type == schema.TypeComputed {
			out[name] = t.compute(cfg, name, fc, out)
		}
	}
	return out
}
