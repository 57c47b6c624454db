package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/booking"
	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/dispatch"
	"github.com/example/ride-tracking/internal/geo"
	httpapi "github.com/example/ride-tracking/internal/http"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/itinerary"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/payment"
	"github.com/example/ride-tracking/internal/reroute"
	"github.com/example/ride-tracking/internal/routing"
	"github.com/example/ride-tracking/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		rc    *redis.Client
		cache routing.Cache = routing.NewMemoryCache(cfg.RouteCacheTTL)
		index geo.DriverIndex = geo.NewIndex()
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		cache = routing.NewRedisCache(rc, cfg.RouteCacheTTL, func(op string, err error) {
			logger.Warn("route cache error", "op", op, "error", err)
		})
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}

	var provider routing.Provider = routing.StraightLine{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.RoutingURL != "" {
		provider = routing.NewOSRMClient(cfg.RoutingURL, cfg.RoutingTimeout)
	}
	routes := routing.NewClient(provider, cache, routing.Config{
		Timeout:           cfg.RoutingTimeout,
		MinRouteMeters:    cfg.MinRouteMeters,
		RequestsPerSecond: cfg.RoutingRPS,
	}, logging.WithComponent(logger, "routing"))

	wsreg := dispatch.NewWSRegistry()
	push := dispatch.NewPushDispatcher(wsreg, nil)
	if cfg.PushEndpoint != "" {
		push.Fallback = dispatch.NewFCMDispatcher(cfg.PushEndpoint, cfg.PushKey)
	}
	notifier := dispatch.NewSafe(push, logging.WithComponent(logger, "dispatch"))

	planner := &itinerary.Planner{
		Store:    store,
		Notifier: notifier,
		Logger:   logging.WithComponent(logger, "itinerary"),
	}
	if cfg.StopProximityMeters > 0 {
		planner.Proximity = itinerary.RadiusPolicy{Meters: cfg.StopProximityMeters, AccuracySlack: true}
	}

	bookings := &booking.Service{
		Store:   store,
		Planner: planner,
		Routing: routes,
		Engine:  reroute.NewEngine(reroute.Config{
			DistanceMeters:     cfg.RerouteDistanceMeters,
			MaxAge:             cfg.RerouteMaxAge,
			LocationStaleAfter: cfg.LocationStaleAfter,
		}, nil),
		Capacity:       booking.SeatCapacity{Seats: cfg.VehicleSeats},
		Detour:         booking.MaxDetour{MaxKm: cfg.DetourMaxKm},
		Index:          index,
		Notifier:       notifier,
		Logger:         logging.WithComponent(logger, "booking"),
		PinMaxAttempts: cfg.PinMaxAttempts,
		OfferRadiusKm:  cfg.OfferRadiusKm,
		OfferLimit:     cfg.OfferMaxDrivers,
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventsTopic)
		defer kp.Close()
		bookings.Events = kp
	}

	payments := &payment.Service{
		Store:   store,
		Planner: planner,
		Config: payment.Config{
			TTL:            cfg.PinTTL,
			MaxAttempts:    cfg.PinMaxAttempts,
			DuplicateGuard: cfg.PinDuplicateGuard,
		},
		Notifier: notifier,
		Logger:   logging.WithComponent(logger, "payment"),
	}

	srv := httpapi.NewServer(httpapi.Options{
		Bookings:    bookings,
		Payments:    payments,
		WSReg:       wsreg,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
		Ready: func(ctx context.Context) error {
			if rc == nil {
				return nil
			}
			return rc.Ping(ctx).Err()
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ride-tracking listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// openStore uses Postgres when PG_DSN is set and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		n, err := storage.Migrate(ctx, ps.DB())
		if err != nil {
			ps.Close()
			return nil, err
		}
		logger.Info("migrations applied", "count", n)
	}
	return ps, nil
}
