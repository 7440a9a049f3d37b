package watch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"citypulse/internal/schema"
	"citypulse/internal/transform"
)

// BulkFetcher retrieves every raw entity of an upstream broker type.
type BulkFetcher interface {
	FetchAll(ctx context.Context, brokerType string) ([]map[string]any, error)
}

// EntityLoader fetches and transforms the full current set for one
// declared entity type.
type EntityLoader struct {
	store       *schema.Store
	fetcher     BulkFetcher
	transformer *transform.Transformer
}

// NewEntityLoader constructs an EntityLoader.
func NewEntityLoader(store *schema.Store, fetcher BulkFetcher, transformer *transform.Transformer) (*EntityLoader, error) {
	if store == nil {
		return nil, errors.New("watch: nil schema store")
	}
	if fetcher == nil {
		return nil, errors.New("watch: nil fetcher")
	}
	if transformer == nil {
		return nil, errors.New("watch: nil transformer")
	}
	return &EntityLoader{store: store, fetcher: fetcher, transformer: transformer}, nil
}

// Load implements Loader.
func (l *EntityLoader) Load(ctx context.Context, entityType string) ([]map[string]any, error) {
	cfg, err := l.store.Get(entityType)
	if err != nil {
		return nil, err
	}
	raws, err := l.fetcher.FetchAll(ctx, cfg.BrokerType)
	if err != nil {
		return nil, fmt.Errorf("watch: fetch %s: %w", entityType, err)
	}
	return l.transformer.TransformAll(ctx, entityType, raws)
}

// fieldString renders a field value for identifier and marker use.
func fieldString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
