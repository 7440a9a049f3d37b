package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"citypulse/internal/observability/metrics"
	"citypulse/internal/schema"
	"citypulse/internal/transform"
	"citypulse/internal/watch"
)

// EntitiesHandler serves filtered views over the snapshot cache.
type EntitiesHandler struct {
	store *schema.Store
	cache *watch.SnapshotCache
}

// NewEntitiesHandler constructs an EntitiesHandler.
func NewEntitiesHandler(store *schema.Store, cache *watch.SnapshotCache) *EntitiesHandler {
	return &EntitiesHandler{store: store, cache: cache}
}

// ServeHTTP handles GET /api/v1/entities and GET /api/v1/entities/{type}/{id}.
func (h *EntitiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.store == nil || h.cache == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/entities"), "/")
	if rest == "" {
		h.list(w, r)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "want /api/v1/entities/{type}/{id}", http.StatusBadRequest)
		return
	}
	h.one(w, parts[0], parts[1])
}

func (h *EntitiesHandler) list(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	if entityType == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	cfg, err := h.store.Get(entityType)
	if err != nil {
		if errors.Is(err, schema.ErrConfigNotFound) {
			http.Error(w, "unknown entity type", http.StatusNotFound)
			return
		}
		http.Error(w, "config error", http.StatusInternalServerError)
		return
	}

	entities, err := transform.ApplyQuery(cfg, h.cache.Entities(entityType), r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"type":      entityType,
		"count":     len(entities),
		"data":      entities,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *EntitiesHandler) one(w http.ResponseWriter, entityType, id string) {
	if _, err := h.store.Get(entityType); err != nil {
		http.Error(w, "unknown entity type", http.StatusNotFound)
		return
	}
	entity, ok := h.cache.Get(entityType, id)
	if !ok {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"type":      entityType,
		"data":      entity,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ExportHandler renders the current snapshot of one type as XLSX or PDF.
type ExportHandler struct {
	store *schema.Store
	cache *watch.SnapshotCache
}

// NewExportHandler constructs an ExportHandler.
func NewExportHandler(store *schema.Store, cache *watch.SnapshotCache) *ExportHandler {
	return &ExportHandler{store: store, cache: cache}
}

// ServeHTTP handles GET /api/v1/export?type=T&format=xlsx|pdf.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.store == nil || h.cache == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	entityType := r.URL.Query().Get("type")
	if entityType == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	cfg, err := h.store.Get(entityType)
	if err != nil {
		http.Error(w, "unknown entity type", http.StatusNotFound)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "xlsx"
	}

	started := time.Now()
	entities := h.cache.Entities(entityType)

	var payload []byte
	var contentType, filename string
	switch format {
	case "xlsx":
		payload, err = BuildSnapshotXLSX(cfg, entities)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		filename = entityType + ".xlsx"
	case "pdf":
		payload, err = BuildSnapshotPDF(cfg, entities)
		contentType = "application/pdf"
		filename = entityType + ".pdf"
	default:
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(started))
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(started))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
