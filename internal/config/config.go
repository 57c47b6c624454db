package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the API and worker
// processes. Values are loaded from environment variables with defaults so
// the binaries run locally without a database, Redis or Kafka.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string // driver location stream
	KafkaEventsTopic string // route precompute tasks
	KafkaGroup       string

	PGDSN string

	RoutingURL      string
	RoutingTimeout  time.Duration
	RoutingRPS      float64
	RouteCacheTTL   time.Duration
	MinRouteMeters  float64
	DefaultSpeedMps float64

	RerouteDistanceMeters float64
	RerouteMaxAge         time.Duration
	LocationStaleAfter    time.Duration

	PinTTL            time.Duration
	PinMaxAttempts    int
	PinDuplicateGuard time.Duration

	DetourMaxKm         float64
	VehicleSeats        int
	StopProximityMeters float64

	OfferRadiusKm   float64
	OfferMaxDrivers int

	PushEndpoint string
	PushKey      string

	WorkerMetricsAddr string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "drivers_geo",
		KafkaTopic:            "driver-locations",
		KafkaEventsTopic:      "tracking-events",
		KafkaGroup:            "ride-tracking-worker",
		RoutingTimeout:        5 * time.Second,
		RouteCacheTTL:         5 * time.Minute,
		MinRouteMeters:        10,
		DefaultSpeedMps:       8,
		RerouteDistanceMeters: 50,
		RerouteMaxAge:         5 * time.Minute,
		LocationStaleAfter:    2 * time.Minute,
		PinTTL:                5 * time.Minute,
		PinMaxAttempts:        3,
		PinDuplicateGuard:     30 * time.Second,
		DetourMaxKm:           5,
		VehicleSeats:          4,
		OfferRadiusKm:         5,
		OfferMaxDrivers:       20,
		WorkerMetricsAddr:     ":2112",
		LogLevel:              "info",
	}
}

// LoadServerConfig reads .env when present; variables already set in the
// environment win.
func LoadServerConfig() (ServerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RoutingURL = strings.TrimSpace(os.Getenv("ROUTING_URL"))
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.RoutingRPS, "ROUTING_RPS", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.MinRouteMeters, "ROUTING_MIN_METERS", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ROUTING_DEFAULT_SPEED_MPS", &errs)

	setFloatFromEnv(&cfg.RerouteDistanceMeters, "REROUTE_DISTANCE_METERS", &errs)
	setDurationFromEnv(&cfg.RerouteMaxAge, "REROUTE_MAX_AGE", &errs)
	setDurationFromEnv(&cfg.LocationStaleAfter, "LOCATION_STALE_AFTER", &errs)

	setDurationFromEnv(&cfg.PinTTL, "PIN_TTL", &errs)
	setIntFromEnv(&cfg.PinMaxAttempts, "PIN_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.PinDuplicateGuard, "PIN_DUPLICATE_GUARD", &errs)

	setFloatFromEnv(&cfg.DetourMaxKm, "DETOUR_MAX_KM", &errs)
	setIntFromEnv(&cfg.VehicleSeats, "VEHICLE_SEATS", &errs)
	setFloatFromEnv(&cfg.StopProximityMeters, "STOP_PROXIMITY_METERS", &errs)
	setFloatFromEnv(&cfg.OfferRadiusKm, "NEW_RIDE_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.OfferMaxDrivers, "NEW_RIDE_MAX_DRIVERS", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setStringFromEnv(&cfg.WorkerMetricsAddr, "WORKER_METRICS_ADDR")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.PinTTL <= 0 {
		errs = append(errs, fmt.Errorf("PIN_TTL must be > 0"))
	}
	if cfg.PinMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PIN_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.RerouteDistanceMeters <= 0 {
		errs = append(errs, fmt.Errorf("REROUTE_DISTANCE_METERS must be > 0"))
	}
	if cfg.OfferRadiusKm < 0 || cfg.OfferMaxDrivers < 0 {
		errs = append(errs, fmt.Errorf("NEW_RIDE_RADIUS_KM and NEW_RIDE_MAX_DRIVERS must not be negative"))
	}
	if cfg.VehicleSeats < 0 || cfg.DetourMaxKm < 0 || cfg.StopProximityMeters < 0 {
		errs = append(errs, fmt.Errorf("VEHICLE_SEATS, DETOUR_MAX_KM and STOP_PROXIMITY_METERS must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
