// Package events publishes shipping events and consumes the configuration
// and order events the core reacts to.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Sink receives events for external consumers.
type Sink interface {
	Emit(ctx context.Context, ev shipping.Event) error
}

// NewEvent stamps an event with an id and time.
func NewEvent(eventType, merchantID, orderID string, data map[string]string) shipping.Event {
	return shipping.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		MerchantID: merchantID,
		OrderID:    orderID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Writer is the subset of kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes events as JSON, keyed by merchant id so events of
// one merchant stay ordered.
type KafkaProducer struct {
	writer Writer
}

// NewKafkaProducer creates a producer writing to topic on brokers.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// NewKafkaProducerWithWriter allows injecting a test writer.
func NewKafkaProducerWithWriter(w Writer) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// Emit implements Sink.
func (p *KafkaProducer) Emit(ctx context.Context, ev shipping.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(ev.MerchantID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []shipping.Event
	Err    error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Sink.
func (r *Recorder) Emit(ctx context.Context, ev shipping.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []shipping.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shipping.Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []shipping.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shipping.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// LogSink writes events to the log. Used when no broker is configured.
type LogSink struct {
	logger *otelzap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *otelzap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, ev shipping.Event) error {
	s.logger.Ctx(ctx).Info("Shipping event",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("merchant_id", ev.MerchantID),
		zap.String("order_id", ev.OrderID),
		zap.Any("data", ev.Data),
	)
	return nil
}

var (
	_ Sink = (*KafkaProducer)(nil)
	_ Sink = (*Recorder)(nil)
	_ Sink = (*LogSink)(nil)
)
