package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-tracking/internal/booking"
	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/itinerary"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/reroute"
	"github.com/example/ride-tracking/internal/routing"
	"github.com/example/ride-tracking/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.WithComponent(logging.NewLogger(cfg.LogLevel), "worker")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.PGDSN == "" {
		logger.Error("PG_DSN is required by the worker")
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}

	// The worker shares the API's route cache, so precomputed routes are
	// served to the next location or ETA request.
	var provider routing.Provider = routing.StraightLine{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.RoutingURL != "" {
		provider = routing.NewOSRMClient(cfg.RoutingURL, cfg.RoutingTimeout)
	}
	cache := routing.NewRedisCache(rc, cfg.RouteCacheTTL, func(op string, err error) {
		logger.Warn("route cache error", "op", op, "error", err)
	})
	routes := routing.NewClient(provider, cache, routing.Config{
		Timeout:           cfg.RoutingTimeout,
		MinRouteMeters:    cfg.MinRouteMeters,
		RequestsPerSecond: cfg.RoutingRPS,
	}, logger)
	bookings := &booking.Service{
		Store:   store,
		Planner: &itinerary.Planner{Store: store, Logger: logger},
		Routing: routes,
		Engine:  reroute.NewEngine(reroute.Config{
			DistanceMeters:     cfg.RerouteDistanceMeters,
			MaxAge:             cfg.RerouteMaxAge,
			LocationStaleAfter: cfg.LocationStaleAfter,
		}, nil),
		Logger: logger,
	}
	handler := &eventHandler{index: geo.NewRedisGeo(rc, cfg.RedisGeoKey), routes: bookings}

	// start metrics and health server
	metrics := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: healthMux(rc, store), ReadTimeout: cfg.ReadTimeout}
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.WorkerMetricsAddr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readers := []*kafka.Reader{
		kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6}),
		kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaEventsTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6}),
	}
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
		_ = rc.Close()
		_ = store.Close()
	}()

	logger.Info("worker consuming", "topics", []string{cfg.KafkaTopic, cfg.KafkaEventsTopic}, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range readers {
		c := &ingest.Consumer{
			Reader:     r,
			Handler:    handler,
			Logger:     logger.With("topic", r.Config().Topic),
			Attempts:   3,
			RetryDelay: 200 * time.Millisecond,
		}
		g.Go(func() error { return c.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("consumer stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	logger.Info("shutting down worker")
}

func healthMux(rc *redis.Client, store storage.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// readiness: check redis and postgres connectivity
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "postgres not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	return mux
}
