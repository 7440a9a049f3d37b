package watch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"citypulse/internal/alerts"
	"citypulse/internal/observability/metrics"
	"citypulse/internal/schema"
)

// Loader produces the full transformed current set for an entity type.
type Loader interface {
	Load(ctx context.Context, entityType string) ([]map[string]any, error)
}

// Broadcaster receives per-type change batches and priority alerts.
type Broadcaster interface {
	Broadcast(messageType string, data any)
	BroadcastPriority(messageType string, data any, severity string)
}

const defaultPollInterval = 30 * time.Second

// Detector drives the poll cycle: load, diff against the snapshot cache,
// broadcast the changed subset per type.
type Detector struct {
	store       *schema.Store
	cache       *SnapshotCache
	loader      Loader
	broadcaster Broadcaster
	evaluator   *alerts.Evaluator
	logger      *log.Logger
	interval    time.Duration
	sweepAfter  int
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithBroadcaster wires the change-batch sink.
func WithBroadcaster(b Broadcaster) DetectorOption {
	return func(d *Detector) { d.broadcaster = b }
}

// WithAlertEvaluator wires priority alert evaluation on changed entities.
func WithAlertEvaluator(e *alerts.Evaluator) DetectorOption {
	return func(d *Detector) { d.evaluator = e }
}

// WithInterval sets the poll interval.
func WithInterval(interval time.Duration) DetectorOption {
	return func(d *Detector) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithSweepAfter enables cache eviction after n consecutive absences.
// Zero keeps entries forever.
func WithSweepAfter(n int) DetectorOption {
	return func(d *Detector) {
		if n >= 0 {
			d.sweepAfter = n
		}
	}
}

// NewDetector constructs a Detector.
func NewDetector(store *schema.Store, cache *SnapshotCache, loader Loader, logger *log.Logger, opts ...DetectorOption) (*Detector, error) {
	if store == nil {
		return nil, errors.New("watch: nil schema store")
	}
	if cache == nil {
		return nil, errors.New("watch: nil cache")
	}
	if loader == nil {
		return nil, errors.New("watch: nil loader")
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &Detector{
		store:    store,
		cache:    cache,
		loader:   loader,
		logger:   logger,
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run polls on a fixed interval until the context is cancelled. The first
// cycle starts immediately so clients get data without waiting a full
// interval.
func (d *Detector) Run(ctx context.Context) {
	if d == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Cycle(ctx)
		}
	}
}

// Cycle polls every declared entity type concurrently. A failing type is
// logged and skipped; the others proceed independently.
func (d *Detector) Cycle(ctx context.Context) {
	var wg sync.WaitGroup
	for _, entityType := range d.store.Types() {
		wg.Add(1)
		go func(entityType string) {
			defer wg.Done()
			started := time.Now()
			changed, err := d.Poll(ctx, entityType)
			if err != nil {
				metrics.ObservePoll(entityType, metrics.ResultError, time.Since(started))
				d.logger.Printf("watch: poll skipped: type=%s err=%v", entityType, err)
				return
			}
			metrics.ObservePoll(entityType, metrics.ResultSuccess, time.Since(started))
			metrics.AddEntitiesChanged(entityType, len(changed))
			d.publish(entityType, changed)
		}(entityType)
	}
	wg.Wait()
}

// Poll loads the current set for one type, diffs it against the cache and
// returns only the changed subset. Every observed entity refreshes its
// cache entry, changed or not.
func (d *Detector) Poll(ctx context.Context, entityType string) ([]map[string]any, error) {
	cfg, err := d.store.Get(entityType)
	if err != nil {
		return nil, err
	}
	entities, err := d.loader.Load(ctx, entityType)
	if err != nil {
		return nil, err
	}

	var changed []map[string]any
	observed := make(map[string]struct{}, len(entities))
	for _, entity := range entities {
		id := fieldString(entity[cfg.IDField])
		if id == "" {
			d.logger.Printf("watch: entity without id: type=%s", entityType)
			continue
		}
		observed[id] = struct{}{}

		marker := fieldString(entity[cfg.MarkerField])
		if marker == "" {
			marker = fingerprint(entity)
		}
		prev, cached := d.cache.Marker(entityType, id)
		if !cached || prev != marker {
			changed = append(changed, entity)
		}
		d.cache.Put(entityType, id, entity, marker)
	}

	if evicted := d.cache.SweepMissing(entityType, observed, d.sweepAfter); len(evicted) > 0 {
		d.logger.Printf("watch: evicted absent entities: type=%s count=%d", entityType, len(evicted))
	}
	metrics.SetEntitiesCached(entityType, d.cache.Size(entityType))
	return changed, nil
}

func (d *Detector) publish(entityType string, changed []map[string]any) {
	if len(changed) == 0 || d.broadcaster == nil {
		return
	}
	d.broadcaster.Broadcast(entityType, changed)

	if d.evaluator == nil {
		return
	}
	cfg, err := d.store.Get(entityType)
	if err != nil || len(cfg.Alerts) == 0 {
		return
	}
	for _, alert := range d.evaluator.Evaluate(cfg, changed) {
		metrics.IncAlert(alert.Severity)
		d.broadcaster.BroadcastPriority("alert", alert, alert.Severity)
	}
}
