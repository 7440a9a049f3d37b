// fake_broker is an in-memory NGSI-style context broker for local runs:
// paginated /entities, lookup by id, configurable latency and failure
// rate, and a background mutator so change detection has something to
// detect.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type fakeBroker struct {
	latency  time.Duration
	failRate float64

	mu       sync.Mutex
	entities []map[string]any
}

func main() {
	addr := getenvDefault("FAKE_BROKER_ADDR", ":1026")
	latencyMs := getenvIntDefault("FAKE_BROKER_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_BROKER_FAIL_RATE", 0)
	mutateEvery := getenvIntDefault("FAKE_BROKER_MUTATE_SECONDS", 15)

	srv := &fakeBroker{
		latency:  time.Duration(latencyMs) * time.Millisecond,
		failRate: failRate,
		entities: seed(),
	}
	go srv.mutate(time.Duration(mutateEvery) * time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/entities", srv.handleList)
	mux.HandleFunc("/entities/", srv.handleByID)

	log.Printf("fake broker listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (s *fakeBroker) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.simulate(w) {
		return
	}
	query := r.URL.Query()
	entityType := query.Get("type")
	limit := atoiDefault(query.Get("limit"), 100)
	offset := atoiDefault(query.Get("offset"), 0)

	s.mu.Lock()
	var matched []map[string]any
	for _, e := range s.entities {
		if entityType == "" || e["type"] == entityType {
			matched = append(matched, e)
		}
	}
	s.mu.Unlock()

	if offset >= len(matched) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(matched[offset:end])
}

func (s *fakeBroker) handleByID(w http.ResponseWriter, r *http.Request) {
	if !s.simulate(w) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/entities/")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e["id"] == id {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(e)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

// simulate applies configured latency and random failures. Returns false
// when the request was already answered with an error.
func (s *fakeBroker) simulate(w http.ResponseWriter) bool {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		w.WriteHeader(http.StatusTooManyRequests)
		return false
	}
	return true
}

// mutate nudges sensor values and refreshes dateModified so pollers see
// changes.
func (s *fakeBroker) mutate(every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		for _, e := range s.entities {
			switch e["type"] {
			case "AirQualityObserved":
				e["aqi"] = clamp(asFloat(e["aqi"])+float64(rand.Intn(21)-10), 0, 500)
			case "TrafficCamera":
				e["vehicleCount"] = clamp(asFloat(e["vehicleCount"])+float64(rand.Intn(31)-15), 0, 400)
			default:
				continue
			}
			e["dateModified"] = time.Now().UTC().Format(time.RFC3339)
		}
		s.mu.Unlock()
	}
}

func seed() []map[string]any {
	now := time.Now().UTC().Format(time.RFC3339)
	var entities []map[string]any
	for i := 1; i <= 12; i++ {
		entities = append(entities, map[string]any{
			"id":           fmt.Sprintf("urn:ngsi:AirQualityObserved:%03d", i),
			"type":         "AirQualityObserved",
			"stationName":  fmt.Sprintf("station-%03d", i),
			"aqi":          float64(30 + rand.Intn(200)),
			"pm25":         float64(5 + rand.Intn(80)),
			"location":     map[string]any{"type": "Point", "coordinates": []any{106.6 + rand.Float64()*0.3, 10.7 + rand.Float64()*0.3}},
			"refDistrict":  fmt.Sprintf("urn:ngsi:District:%02d", 1+i%3),
			"dateModified": now,
		})
	}
	for i := 1; i <= 8; i++ {
		status := []string{"ok", "ok", "ok", "defective", "maintenance"}[rand.Intn(5)]
		entities = append(entities, map[string]any{
			"id":                fmt.Sprintf("urn:ngsi:TrafficCamera:%03d", i),
			"type":              "TrafficCamera",
			"name":              fmt.Sprintf("camera-%03d", i),
			"operationalStatus": status,
			"vehicleCount":      float64(rand.Intn(180)),
			"peakHours":         "07:00-09:30",
			"location":          map[string]any{"type": "Point", "coordinates": []any{106.6 + rand.Float64()*0.3, 10.7 + rand.Float64()*0.3}},
			"dateModified":      now,
		})
	}
	for i := 1; i <= 3; i++ {
		entities = append(entities, map[string]any{
			"id":           fmt.Sprintf("urn:ngsi:District:%02d", i),
			"type":         "District",
			"name":         fmt.Sprintf("District %d", i),
			"population":   float64(100000 * i),
			"dateModified": now,
		})
	}
	return entities
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
