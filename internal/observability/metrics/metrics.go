package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "citypulse_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	pollTotal   *prometheus.CounterVec
	pollLatency *prometheus.HistogramVec

	fetchPages   *prometheus.CounterVec
	fetchRetries prometheus.Counter

	entitiesCached  *prometheus.GaugeVec
	entitiesChanged *prometheus.CounterVec

	broadcastTotal *prometheus.CounterVec
	alertsTotal    *prometheus.CounterVec
	wsClients      prometheus.Gauge

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers observability metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		pollTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_total",
				Help: "Total poll cycles per entity type by result",
			},
			[]string{"type", "result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Poll latency per entity type in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type", "result"},
		)

		fetchPages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_pages_total",
				Help: "Total upstream pages fetched per broker type",
			},
			[]string{"type"},
		)
		fetchRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_retries_total",
				Help: "Total upstream page request retries",
			},
		)

		entitiesCached = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "entities_cached",
				Help: "Entities currently held in the snapshot cache per type",
			},
			[]string{"type"},
		)
		entitiesChanged = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "entities_changed_total",
				Help: "Changed entities detected per type",
			},
			[]string{"type"},
		)

		broadcastTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broadcast_messages_total",
				Help: "Broadcast messages emitted by type",
			},
			[]string{"type"},
		)
		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Priority alerts emitted by severity",
			},
			[]string{"severity"},
		)
		wsClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "ws_clients",
				Help: "Currently connected websocket clients",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Snapshot export operations by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Snapshot export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			pollTotal,
			pollLatency,
			fetchPages,
			fetchRetries,
			entitiesCached,
			entitiesChanged,
			broadcastTotal,
			alertsTotal,
			wsClients,
			exportTotal,
			exportLatency,
		)
	})
}

// ObservePoll records one poll cycle for an entity type.
func ObservePoll(entityType, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pollTotal != nil {
		pollTotal.WithLabelValues(entityType, result).Inc()
	}
	if pollLatency != nil {
		pollLatency.WithLabelValues(entityType, result).Observe(duration.Seconds())
	}
}

// IncFetchPage counts one fetched upstream page.
func IncFetchPage(brokerType string) {
	if fetchPages != nil {
		fetchPages.WithLabelValues(brokerType).Inc()
	}
}

// IncFetchRetry counts one upstream retry.
func IncFetchRetry() {
	if fetchRetries != nil {
		fetchRetries.Inc()
	}
}

// SetEntitiesCached sets the cache size gauge for a type.
func SetEntitiesCached(entityType string, count int) {
	if entitiesCached != nil {
		entitiesCached.WithLabelValues(entityType).Set(float64(count))
	}
}

// AddEntitiesChanged counts changed entities for a type.
func AddEntitiesChanged(entityType string, count int) {
	if count <= 0 {
		return
	}
	if entitiesChanged != nil {
		entitiesChanged.WithLabelValues(entityType).Add(float64(count))
	}
}

// IncBroadcast counts one broadcast message.
func IncBroadcast(messageType string) {
	if messageType == "" {
		messageType = "unknown"
	}
	if broadcastTotal != nil {
		broadcastTotal.WithLabelValues(messageType).Inc()
	}
}

// IncAlert counts one priority alert.
func IncAlert(severity string) {
	if severity == "" {
		severity = "unknown"
	}
	if alertsTotal != nil {
		alertsTotal.WithLabelValues(severity).Inc()
	}
}

// AddWSClients adjusts the connected clients gauge.
func AddWSClients(delta int) {
	if wsClients != nil {
		wsClients.Add(float64(delta))
	}
}

// ObserveExport records one export operation.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported result constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
