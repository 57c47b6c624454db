package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/models"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes driver events to the location topic and route tasks
// to the task topic.
type KafkaProducer struct {
	writer    messageWriter
	locations string
	tasks     string
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, locationsTopic, tasksTopic string) *KafkaProducer {
	// Topic is left empty on the writer; each message names its own.
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, locations: locationsTopic, tasks: tasksTopic, timeout: 2 * time.Second}
}

// PublishLocation keys by driver so a driver's pings stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	return k.publish(ctx, k.locations, "driver:"+strconv.FormatInt(loc.DriverID, 10), Event{
		Type: EventDriverLocation, DriverID: loc.DriverID, Location: &loc, At: loc.Timestamp,
	})
}

func (k *KafkaProducer) PublishDriverOffline(ctx context.Context, driverID int64) error {
	return k.publish(ctx, k.locations, "driver:"+strconv.FormatInt(driverID, 10), Event{
		Type: EventDriverOffline, DriverID: driverID, At: time.Now().UTC(),
	})
}

// PublishRouteTask queues a route precompute for the booking.
func (k *KafkaProducer) PublishRouteTask(ctx context.Context, bookingID int64, reason string) error {
	return k.publish(ctx, k.tasks, "booking:"+strconv.FormatInt(bookingID, 10), Event{
		Type: EventComputeRoute, BookingID: bookingID, Reason: reason, At: time.Now().UTC(),
	})
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
