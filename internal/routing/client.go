package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
)

type Config struct {
	// Timeout bounds a single provider call.
	Timeout time.Duration
	// MinRouteMeters below which two points are considered the same place.
	MinRouteMeters float64
	// RequestsPerSecond and Burst throttle provider calls; zero disables.
	RequestsPerSecond float64
	Burst             int
}

// Client is the boundary adapter in front of the routing provider. Provider
// failures never escape it: they are logged and reported as a nil route.
type Client struct {
	provider Provider
	cache    Cache
	cfg      Config
	limiter  *rate.Limiter
	group    singleflight.Group
	logger   *slog.Logger
}

func NewClient(p Provider, cache Cache, cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{provider: p, cache: cache, cfg: cfg, logger: logger}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// CalculateRoute returns nil when the provider is unavailable, times out or
// finds nothing. Points closer than MinRouteMeters yield a TooClose route.
func (c *Client) CalculateRoute(ctx context.Context, start, end models.LonLat) *Route {
	if geo.DistanceKm(start.Lat, start.Lon, end.Lat, end.Lon)*1000 < c.cfg.MinRouteMeters {
		observability.RoutingRequests.WithLabelValues("too_close").Inc()
		return &Route{TooClose: true}
	}
	key := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", start.Lon, start.Lat, end.Lon, end.Lat)
	// The shared call outlives any single caller; each caller only stops
	// waiting on its own context.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.call(shared, start, end)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			observability.RoutingRequests.WithLabelValues("error").Inc()
			c.logger.Warn("routing provider failed", "error", res.Err, "start", start, "end", end)
			return nil
		}
		observability.RoutingRequests.WithLabelValues("ok").Inc()
		return res.Val.(*Route)
	case <-ctx.Done():
		observability.RoutingRequests.WithLabelValues("abandoned").Inc()
		c.logger.Debug("routing caller gave up", "error", ctx.Err(), "start", start, "end", end)
		return nil
	}
}

func (c *Client) call(ctx context.Context, start, end models.LonLat) (*Route, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	started := time.Now()
	r, err := c.provider.Route(ctx, start, end)
	observability.RoutingLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNoRoute
	}
	return r, nil
}

// RouteInfo is CalculateRoute behind the short-TTL cache keyed by the
// booking's (id, status, driver).
func (c *Client) RouteInfo(ctx context.Context, key CacheKey, start, end models.LonLat) *Route {
	k := key.String()
	if c.cache != nil {
		if r, ok := c.cache.Get(ctx, k); ok {
			observability.RoutingRequests.WithLabelValues("cache_hit").Inc()
			return r
		}
	}
	r := c.CalculateRoute(ctx, start, end)
	if Usable(r) && c.cache != nil {
		c.cache.Set(ctx, k, r)
	}
	return r
}

// Invalidate drops the cached entries a booking could have accumulated
// under the given statuses for driverID and for the unassigned state.
func (c *Client) Invalidate(ctx context.Context, bookingID int64, driverID *int64, statuses ...models.BookingStatus) {
	if c.cache == nil {
		return
	}
	keys := []string{CacheKey{BookingID: bookingID, Status: models.StatusPending}.String()}
	for _, s := range statuses {
		keys = append(keys, CacheKey{BookingID: bookingID, Status: s, DriverID: driverID}.String())
	}
	c.cache.Delete(ctx, keys...)
}

// ETASeconds is the duration of a fresh route, nil when no route is known.
func (c *Client) ETASeconds(ctx context.Context, key CacheKey, from, to models.LonLat) *int {
	r := c.RouteInfo(ctx, key, from, to)
	if r == nil {
		return nil
	}
	d := r.DurationS
	return &d
}
