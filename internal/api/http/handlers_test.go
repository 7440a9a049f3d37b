package apihttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"unicode/utf8"

	"citypulse/internal/schema"
	"citypulse/internal/watch"
)

const apiSchema = `
entities:
  - entityType: AirQuality
    brokerType: AirQualityObserved
    fields:
      id: { path: id, type: string, required: true }
      aqi: { path: aqi, type: number }
      level: { path: level, type: string }
    filters:
      - { name: level, field: level, operator: equals }
      - { name: minAqi, field: aqi, operator: gte }
      - { name: limit, operator: limit }
    sorting: { field: aqi, direction: desc }
`

func seededCache(t *testing.T) (*schema.Store, *watch.SnapshotCache) {
	t.Helper()
	store, err := schema.Parse([]byte(apiSchema))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	cache := watch.NewSnapshotCache(store)
	cache.Put("AirQuality", "a", map[string]any{"id": "a", "aqi": float64(40), "level": "good"}, "m1")
	cache.Put("AirQuality", "b", map[string]any{"id": "b", "aqi": float64(160), "level": "unhealthy"}, "m1")
	cache.Put("AirQuality", "c", map[string]any{"id": "c", "aqi": float64(90), "level": "moderate"}, "m1")
	return store, cache
}

type listResponse struct {
	Type      string           `json:"type"`
	Count     int              `json:"count"`
	Data      []map[string]any `json:"data"`
	Timestamp string           `json:"timestamp"`
}

func getJSON(t *testing.T, handler http.Handler, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec
}

func TestEntitiesListSorted(t *testing.T) {
	handler := NewEntitiesHandler(seededCache(t))

	var resp listResponse
	rec := getJSON(t, handler, "/api/v1/entities?type=AirQuality", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Count != 3 || len(resp.Data) != 3 {
		t.Fatalf("count %d, data %v", resp.Count, resp.Data)
	}
	if resp.Data[0]["id"] != "b" || resp.Data[2]["id"] != "a" {
		t.Fatalf("sorting lost: %v", resp.Data)
	}
	if resp.Timestamp == "" {
		t.Fatalf("timestamp missing")
	}
}

func TestEntitiesListFiltered(t *testing.T) {
	handler := NewEntitiesHandler(seededCache(t))

	var resp listResponse
	rec := getJSON(t, handler, "/api/v1/entities?type=AirQuality&minAqi=50&limit=1", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if resp.Count != 1 || resp.Data[0]["id"] != "b" {
		t.Fatalf("filtered data %v", resp.Data)
	}
}

func TestEntitiesListErrors(t *testing.T) {
	handler := NewEntitiesHandler(seededCache(t))

	if rec := getJSON(t, handler, "/api/v1/entities", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type: status %d", rec.Code)
	}
	if rec := getJSON(t, handler, "/api/v1/entities?type=Nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown type: status %d", rec.Code)
	}
	if rec := getJSON(t, handler, "/api/v1/entities?type=AirQuality&minAqi=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad filter value: status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/entities?type=AirQuality", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post: status %d", rec.Code)
	}
}

func TestEntityByID(t *testing.T) {
	handler := NewEntitiesHandler(seededCache(t))

	var resp struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	rec := getJSON(t, handler, "/api/v1/entities/AirQuality/a", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if resp.Data["aqi"] != float64(40) {
		t.Fatalf("entity %v", resp.Data)
	}

	if rec := getJSON(t, handler, "/api/v1/entities/AirQuality/zzz", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing entity: status %d", rec.Code)
	}
	if rec := getJSON(t, handler, "/api/v1/entities/AirQuality", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("short path: status %d", rec.Code)
	}
}

func TestExportXLSX(t *testing.T) {
	handler := NewExportHandler(seededCache(t))

	rec := getJSON(t, handler, "/api/v1/export?type=AirQuality", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("content type %q", got)
	}
	// xlsx files are zip archives
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Fatalf("body is not a zip archive")
	}
}

func TestExportPDF(t *testing.T) {
	handler := NewExportHandler(seededCache(t))

	rec := getJSON(t, handler, "/api/v1/export?type=AirQuality&format=pdf", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("content type %q", got)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("body is not a pdf")
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"abcdefghij", 5, "abcd…"},
		{"Плаза дель Соль", 6, "Плаза…"},
		{"日本語テキストです", 4, "日本語…"},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.max)
		if got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) produced invalid utf-8 %q", tc.in, tc.max, got)
		}
	}
}

func TestExportErrors(t *testing.T) {
	handler := NewExportHandler(seededCache(t))

	if rec := getJSON(t, handler, "/api/v1/export", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type: status %d", rec.Code)
	}
	if rec := getJSON(t, handler, "/api/v1/export?type=Nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown type: status %d", rec.Code)
	}
	if rec := getJSON(t, handler, "/api/v1/export?type=AirQuality&format=csv", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad format: status %d", rec.Code)
	}
}
