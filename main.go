package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"citypulse/internal/alerts"
	apihttp "citypulse/internal/api/http"
	"citypulse/internal/broker"
	"citypulse/internal/hub"
	"citypulse/internal/observability/metrics"
	"citypulse/internal/schema"
	"citypulse/internal/transform"
	"citypulse/internal/watch"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	store, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		logger.Fatalf("schema load error: %v", err)
	}
	metrics.Init()

	client, err := broker.NewClient(cfg.BrokerURL,
		broker.WithLogger(logger),
		broker.WithPageSize(cfg.FetchPageSize),
		broker.WithMaxAttempts(cfg.FetchMaxAttempts),
		broker.WithBackoffBase(cfg.FetchBackoffBase),
	)
	if err != nil {
		logger.Fatalf("broker client error: %v", err)
	}

	transformer, err := transform.NewTransformer(store, logger, transform.WithFetcher(client))
	if err != nil {
		logger.Fatalf("transformer error: %v", err)
	}
	cache := watch.NewSnapshotCache(store)
	transformer.SetResolver(cache)

	loader, err := watch.NewEntityLoader(store, client, transformer)
	if err != nil {
		logger.Fatalf("entity loader error: %v", err)
	}

	broadcastHub := hub.NewHub(logger,
		hub.WithSnapshotProvider(cache),
		hub.WithHeartbeat(cfg.PingInterval, cfg.IdleTimeout),
	)

	detector, err := watch.NewDetector(store, cache, loader, logger,
		watch.WithBroadcaster(broadcastHub),
		watch.WithAlertEvaluator(alerts.NewEvaluator(logger)),
		watch.WithInterval(cfg.PollInterval),
		watch.WithSweepAfter(cfg.SweepAfter),
	)
	if err != nil {
		logger.Fatalf("detector error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go broadcastHub.Run(ctx)
	go detector.Run(ctx)

	entitiesHandler := apihttp.NewEntitiesHandler(store, cache)
	mux := http.NewServeMux()
	mux.Handle("/ws", broadcastHub)
	mux.Handle("/api/v1/entities", entitiesHandler)
	mux.Handle("/api/v1/entities/", entitiesHandler)
	mux.Handle("/api/v1/export", apihttp.NewExportHandler(store, cache))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server error: %v", err)
	}
	logger.Printf("shutdown complete")
}

type config struct {
	HTTPAddr         string
	BrokerURL        string
	SchemaPath       string
	PollInterval     time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	FetchPageSize    int
	FetchMaxAttempts int
	FetchBackoffBase time.Duration
	SweepAfter       int
}

func loadConfig() config {
	cfg := config{
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		BrokerURL:        getenvDefault("BROKER_URL", ""),
		SchemaPath:       getenvDefault("SCHEMA_PATH", "config/entities.yaml"),
		PollInterval:     getenvDuration("POLL_INTERVAL", 30*time.Second),
		PingInterval:     getenvDuration("WS_PING_INTERVAL", 10*time.Second),
		IdleTimeout:      getenvDuration("WS_IDLE_TIMEOUT", 30*time.Second),
		FetchPageSize:    getenvIntDefault("FETCH_PAGE_SIZE", 100),
		FetchMaxAttempts: getenvIntDefault("FETCH_MAX_ATTEMPTS", 3),
		FetchBackoffBase: getenvDuration("FETCH_BACKOFF_BASE", 500*time.Millisecond),
		SweepAfter:       getenvIntDefault("SWEEP_AFTER", 0),
	}
	if cfg.BrokerURL == "" {
		log.Fatal("BROKER_URL is required")
	}
	return cfg
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

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// The websocket upgrade needs the raw ResponseWriter.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
