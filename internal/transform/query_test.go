package transform

import (
	"net/url"
	"testing"

	"citypulse/internal/schema"
)

const querySchema = `
entities:
  - entityType: AirQuality
    brokerType: AirQualityObserved
    fields:
      id: { path: id, type: string, required: true }
      aqi: { path: aqi, type: number }
      level: { path: level, type: string }
      location: { path: location, type: geopoint }
      updatedAt: { path: updatedAt, type: datetime }
      activeWindow: { path: activeWindow, type: object }
    filters:
      - { name: level, field: level, operator: equals }
      - { name: minAqi, field: aqi, operator: gte }
      - { name: maxAqi, field: aqi, operator: lte }
      - { name: bbox, field: location, operator: bbox }
      - { name: updatedWithin, field: updatedAt, operator: timeWindow }
      - { name: activeAt, field: activeWindow, operator: timeOfDayInRange }
      - { name: limit, operator: limit }
    sorting: { field: aqi, direction: desc }
`

func queryConfig(t *testing.T) *schema.EntityConfig {
	t.Helper()
	store, err := schema.Parse([]byte(querySchema))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	cfg, err := store.Get("AirQuality")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	return cfg
}

func point(lat, lng float64) map[string]any {
	return map[string]any{"lat": lat, "lng": lng}
}

func sampleEntities() []map[string]any {
	return []map[string]any{
		{"id": "a", "aqi": float64(40), "level": "good", "location": point(40.40, -3.70), "updatedAt": "2026-08-30T08:00:00Z"},
		{"id": "b", "aqi": float64(90), "level": "moderate", "location": point(40.45, -3.68), "updatedAt": "2026-08-30T09:00:00Z"},
		{"id": "c", "aqi": float64(160), "level": "unhealthy", "location": point(41.00, -3.00), "updatedAt": "2026-08-30T10:00:00Z"},
		{"id": "d", "aqi": float64(20), "level": "good", "location": point(40.60, -3.69), "updatedAt": "2026-08-29T10:00:00Z"},
		{"id": "e", "aqi": float64(75), "level": "moderate", "location": nil, "updatedAt": "2026-08-30T11:00:00Z"},
	}
}

func ids(entities []map[string]any) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e["id"].(string))
	}
	return out
}

func assertIDs(t *testing.T, got []map[string]any, want ...string) {
	t.Helper()
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("ids %v, want %v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("ids %v, want %v", gotIDs, want)
		}
	}
}

func TestApplyQueryNoParamsSortsOnly(t *testing.T) {
	cfg := queryConfig(t)
	got, err := ApplyQuery(cfg, sampleEntities(), url.Values{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, got, "c", "b", "e", "a", "d")
}

func TestApplyQueryEquals(t *testing.T) {
	cfg := queryConfig(t)
	got, err := ApplyQuery(cfg, sampleEntities(), url.Values{"level": {"good"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, got, "a", "d")
}

func TestApplyQueryNumericRange(t *testing.T) {
	cfg := queryConfig(t)
	got, err := ApplyQuery(cfg, sampleEntities(), url.Values{
		"minAqi": {"40"},
		"maxAqi": {"100"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, got, "b", "e", "a")
}

func TestApplyQueryBoundingBox(t *testing.T) {
	cfg := queryConfig(t)
	got, err := ApplyQuery(cfg, sampleEntities(), url.Values{
		"bbox": {"40.30,-3.80,40.50,-3.60"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// c and d fall outside the box, e has no location at all
	assertIDs(t, got, "b", "a")
}

func TestApplyQueryBadBoundingBox(t *testing.T) {
	cfg := queryConfig(t)
	if _, err := ApplyQuery(cfg, sampleEntities(), url.Values{"bbox": {"1,2,3"}}); err == nil {
		t.Fatalf("expected error for malformed bbox")
	}
}

func TestApplyQueryTimeWindow(t *testing.T) {
	cfg := queryConfig(t)
	got, err := ApplyQuery(cfg, sampleEntities(), url.Values{
		"updatedWithin": {"2026-08-30T08:30:00Z,2026-08-30T10:30:00Z"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, got, "c", "b")
}

func TestApplyQueryTimeOfDay(t *testing.T) {
	cfg := queryConfig(t)
	entities := []map[string]any{
		{"id": "day", "aqi": float64(1), "activeWindow": map[string]any{"start": "07:00", "end": "19:00"}},
		{"id": "night", "aqi": float64(2), "activeWindow": map[string]any{"start": "22:00", "end": "06:00"}},
	}

	got, err := ApplyQuery(cfg, entities, url.Values{"activeAt": {"08:30"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, got, "day")

	// a range wrapping midnight matches instants on both sides of it
	got, err = ApplyQuery(cfg, entities, url.Values{"activeAt": {"23:30"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, got, "night")

	got, err = ApplyQuery(cfg, entities, url.Values{"activeAt": {"05:00"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, got, "night")
}

func TestApplyQueryLimitAfterSort(t *testing.T) {
	cfg := queryConfig(t)
	got, err := ApplyQuery(cfg, sampleEntities(), url.Values{"limit": {"2"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, got, "c", "b")
}

func TestApplyQueryDoesNotMutateInput(t *testing.T) {
	cfg := queryConfig(t)
	entities := sampleEntities()
	if _, err := ApplyQuery(cfg, entities, url.Values{"level": {"good"}, "limit": {"1"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertIDs(t, entities, "a", "b", "c", "d", "e")
}
