package watch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"citypulse/internal/alerts"
	"citypulse/internal/schema"
)

const watchSchema = `
entities:
  - entityType: AirQuality
    brokerType: AirQualityObserved
    markerField: updatedAt
    fields:
      id: { path: id, type: string, required: true }
      aqi: { path: aqi, type: number }
      updatedAt: { path: updatedAt, type: datetime }
    alerts:
      - { name: aqi-severe, field: aqi, operator: ">=", threshold: 200, severity: critical }
  - entityType: Camera
    brokerType: TrafficCamera
    fields:
      id: { path: id, type: string, required: true }
      vehicleCount: { path: vehicleCount, type: number }
`

func watchStore(t *testing.T) *schema.Store {
	t.Helper()
	store, err := schema.Parse([]byte(watchSchema))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return store
}

type stubLoader struct {
	mu      sync.Mutex
	byType  map[string][]map[string]any
	failing map[string]error
}

func (s *stubLoader) Load(_ context.Context, entityType string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, failed := s.failing[entityType]; failed {
		return nil, err
	}
	return s.byType[entityType], nil
}

func (s *stubLoader) set(entityType string, entities ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byType == nil {
		s.byType = map[string][]map[string]any{}
	}
	s.byType[entityType] = entities
}

type broadcast struct {
	messageType string
	data        any
	severity    string
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast
}

func (r *recorder) Broadcast(messageType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, broadcast{messageType: messageType, data: data})
}

func (r *recorder) BroadcastPriority(messageType string, data any, severity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, broadcast{messageType: messageType, data: data, severity: severity})
}

func (r *recorder) byType(messageType string) []broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast
	for _, e := range r.events {
		if e.messageType == messageType {
			out = append(out, e)
		}
	}
	return out
}

func newTestDetector(t *testing.T, loader *stubLoader, opts ...DetectorOption) (*Detector, *SnapshotCache) {
	t.Helper()
	store := watchStore(t)
	cache := NewSnapshotCache(store)
	d, err := NewDetector(store, cache, loader, log.New(io.Discard, "", 0), opts...)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return d, cache
}

func aq(id string, aqi float64, updatedAt string) map[string]any {
	return map[string]any{"id": id, "aqi": aqi, "updatedAt": updatedAt}
}

func changedIDs(changed []map[string]any) []string {
	out := make([]string, 0, len(changed))
	for _, e := range changed {
		out = append(out, e["id"].(string))
	}
	return out
}

func TestPollFirstObservationIsChanged(t *testing.T) {
	loader := &stubLoader{}
	loader.set("AirQuality", aq("a", 40, "t1"), aq("b", 90, "t1"))
	d, cache := newTestDetector(t, loader)

	changed, err := d.Poll(context.Background(), "AirQuality")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("changed %v, want both entities on first sight", changedIDs(changed))
	}
	if cache.Size("AirQuality") != 2 {
		t.Fatalf("cache size %d, want 2", cache.Size("AirQuality"))
	}
}

func TestPollUnchangedMarkerSuppressed(t *testing.T) {
	loader := &stubLoader{}
	loader.set("AirQuality", aq("a", 40, "t1"), aq("b", 90, "t1"))
	d, _ := newTestDetector(t, loader)

	if _, err := d.Poll(context.Background(), "AirQuality"); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	// same markers, different payload value for a: marker comparison wins
	loader.set("AirQuality", aq("a", 41, "t1"), aq("b", 95, "t2"))
	changed, err := d.Poll(context.Background(), "AirQuality")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	got := changedIDs(changed)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("changed %v, want only b", got)
	}
}

func TestPollRefreshesCacheUnconditionally(t *testing.T) {
	loader := &stubLoader{}
	loader.set("AirQuality", aq("a", 40, "t1"))
	d, cache := newTestDetector(t, loader)

	if _, err := d.Poll(context.Background(), "AirQuality"); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	loader.set("AirQuality", aq("a", 55, "t1"))
	if _, err := d.Poll(context.Background(), "AirQuality"); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	got, ok := cache.Get("AirQuality", "a")
	if !ok || got["aqi"] != float64(55) {
		t.Fatalf("cache holds stale payload: %v", got)
	}
}

func TestPollFallsBackToFingerprint(t *testing.T) {
	loader := &stubLoader{}
	// Camera declares no marker data, so the default dateModified marker
	// is always empty and the payload fingerprint takes over.
	loader.set("Camera", map[string]any{"id": "cam-1", "vehicleCount": float64(10)})
	d, _ := newTestDetector(t, loader)

	if _, err := d.Poll(context.Background(), "Camera"); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	changed, err := d.Poll(context.Background(), "Camera")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("identical payload reported as changed")
	}

	loader.set("Camera", map[string]any{"id": "cam-1", "vehicleCount": float64(11)})
	changed, err = d.Poll(context.Background(), "Camera")
	if err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if len(changed) != 1 {
		t.Fatalf("payload change not detected via fingerprint")
	}
}

func TestPollSkipsEntitiesWithoutID(t *testing.T) {
	loader := &stubLoader{}
	loader.set("AirQuality", map[string]any{"aqi": float64(40)}, aq("b", 90, "t1"))
	d, cache := newTestDetector(t, loader)

	changed, err := d.Poll(context.Background(), "AirQuality")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(changed) != 1 || changed[0]["id"] != "b" {
		t.Fatalf("changed %v", changedIDs(changed))
	}
	if cache.Size("AirQuality") != 1 {
		t.Fatalf("anonymous entity cached")
	}
}

func TestPollAbsenceKeepsEntitiesByDefault(t *testing.T) {
	loader := &stubLoader{}
	loader.set("AirQuality", aq("a", 40, "t1"), aq("b", 90, "t1"))
	d, cache := newTestDetector(t, loader)

	if _, err := d.Poll(context.Background(), "AirQuality"); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	loader.set("AirQuality", aq("a", 40, "t1"))
	for i := 0; i < 5; i++ {
		if _, err := d.Poll(context.Background(), "AirQuality"); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	if _, ok := cache.Get("AirQuality", "b"); !ok {
		t.Fatalf("absent entity evicted without a sweep threshold")
	}
}

func TestPollSweepsAfterThreshold(t *testing.T) {
	loader := &stubLoader{}
	loader.set("AirQuality", aq("a", 40, "t1"), aq("b", 90, "t1"))
	d, cache := newTestDetector(t, loader, WithSweepAfter(2))

	if _, err := d.Poll(context.Background(), "AirQuality"); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	loader.set("AirQuality", aq("a", 40, "t1"))

	if _, err := d.Poll(context.Background(), "AirQuality"); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if _, ok := cache.Get("AirQuality", "b"); !ok {
		t.Fatalf("entity evicted before the threshold")
	}

	if _, err := d.Poll(context.Background(), "AirQuality"); err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if _, ok := cache.Get("AirQuality", "b"); ok {
		t.Fatalf("entity still cached after threshold absences")
	}
}

func TestCycleIsolatesFailingTypes(t *testing.T) {
	loader := &stubLoader{failing: map[string]error{"AirQuality": errors.New("boom")}}
	loader.set("Camera", map[string]any{"id": "cam-1", "vehicleCount": float64(3)})
	rec := &recorder{}
	d, cache := newTestDetector(t, loader, WithBroadcaster(rec))

	d.Cycle(context.Background())

	if cache.Size("Camera") != 1 {
		t.Fatalf("healthy type not polled")
	}
	if got := rec.byType("Camera"); len(got) != 1 {
		t.Fatalf("camera broadcasts = %d, want 1", len(got))
	}
	if got := rec.byType("AirQuality"); len(got) != 0 {
		t.Fatalf("failing type broadcast anyway")
	}
}

func TestCycleBroadcastsOnlyChanges(t *testing.T) {
	loader := &stubLoader{}
	loader.set("AirQuality", aq("a", 40, "t1"))
	rec := &recorder{}
	d, _ := newTestDetector(t, loader, WithBroadcaster(rec))

	d.Cycle(context.Background())
	d.Cycle(context.Background())

	if got := rec.byType("AirQuality"); len(got) != 1 {
		t.Fatalf("broadcasts = %d, want 1 (quiet cycle stays silent)", len(got))
	}
}

func TestCycleEmitsPriorityAlerts(t *testing.T) {
	loader := &stubLoader{}
	loader.set("AirQuality", aq("a", 40, "t1"), aq("b", 250, "t1"))
	rec := &recorder{}
	evaluator := alerts.NewEvaluator(log.New(io.Discard, "", 0))
	d, _ := newTestDetector(t, loader, WithBroadcaster(rec), WithAlertEvaluator(evaluator))

	d.Cycle(context.Background())

	got := rec.byType("alert")
	if len(got) != 1 {
		t.Fatalf("alerts = %d, want 1", len(got))
	}
	if got[0].severity != "critical" {
		t.Fatalf("severity = %q", got[0].severity)
	}
	alert, ok := got[0].data.(alerts.Alert)
	if !ok || alert.EntityID != "b" {
		t.Fatalf("alert payload %v", got[0].data)
	}
}
