package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/observability"
)

// Handler processes one decoded event.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type Consumer struct {
	Reader     messageReader
	Handler    Handler
	Logger     *slog.Logger
	Attempts   int           // handler attempts per message
	RetryDelay time.Duration // doubled after every failed attempt
	MaxBackoff time.Duration // cap for read error backoff
}

// Run reads until ctx is cancelled. Read errors back off exponentially;
// invalid messages and handler failures are counted and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	initial := min(time.Second, maxBackoff)
	backoff := initial
	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = initial
		observability.WorkerMessages.WithLabelValues("consumed").Inc()

		e, err := Decode(m.Value)
		if err != nil {
			observability.WorkerMessages.WithLabelValues("invalid").Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}
		if err := HandleWithRetry(ctx, c.Handler, e, c.Attempts, c.RetryDelay); err != nil {
			observability.WorkerMessages.WithLabelValues("failed").Inc()
			logger.Error("event handling failed", "type", e.Type, "booking_id", e.BookingID, "driver_id", e.DriverID, "error", err)
			continue
		}
		observability.WorkerMessages.WithLabelValues("handled").Inc()
	}
}

// HandleWithRetry calls h up to attempts times, doubling delay in between.
func HandleWithRetry(ctx context.Context, h Handler, e Event, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = h.Handle(ctx, e); err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// ErrPermanent marks a handler error that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
