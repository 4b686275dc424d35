package events

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Inbound event types.
const (
	TypeCarriersChanged    = "shop.carriers.changed"
	TypeCredentialsRevoked = "shop.credentials.revoked"
	TypePaymentCaptured    = "order.payment.captured"
)

// Envelope is the JSON body of an inbound message.
type Envelope struct {
	Type        string `json:"type"`
	MerchantID  string `json:"merchant_id"`
	OrderID     string `json:"order_id,omitempty"`
	Integration string `json:"integration,omitempty"`
}

// Handler processes one envelope.
type Handler func(ctx context.Context, env Envelope) error

// Reader is the subset of kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig tunes handler retries.
type ConsumerConfig struct {
	HandlerTimeout time.Duration
	// MaxAttempts is the number of handler calls before a message that keeps
	// failing transiently is moved to DeadLetter.
	MaxAttempts int
	Backoff     time.Duration // doubled after each failed attempt
	MaxBackoff  time.Duration
	DeadLetter  Writer // optional
}

// Consumer dispatches inbound envelopes to handlers by type.
type Consumer struct {
	reader   Reader
	handlers map[string]Handler
	logger   *otelzap.Logger
	cfg      ConsumerConfig
}

// NewKafkaReader creates a group reader for topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// NewDeadLetterWriter creates a writer for messages whose handler kept
// failing.
func NewDeadLetterWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewConsumer creates a Consumer reading from reader.
func NewConsumer(reader Reader, logger *otelzap.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(time.Minute, cfg.Backoff)
	}
	return &Consumer{
		reader:   reader,
		handlers: make(map[string]Handler),
		logger:   logger,
		cfg:      cfg,
	}
}

// Handle registers h for eventType.
func (c *Consumer) Handle(eventType string, h Handler) {
	c.handlers[eventType] = h
}

// Run consumes until ctx is cancelled. A message is committed once its
// handler succeeds, fails permanently or the message is dead-lettered.
// Transient failures are retried with backoff; without a dead-letter writer
// they are retried until they succeed or ctx ends, and the message is left
// uncommitted so it is redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn("Error fetching message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.dispatch(ctx, m); err != nil {
			c.logger.Warn("Leaving message uncommitted", zap.Int64("offset", m.Offset), zap.Error(err))
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to commit message", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// dispatch returns nil when m may be committed.
func (c *Consumer) dispatch(ctx context.Context, m kafka.Message) error {
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		c.logger.Warn("Dropping malformed message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	h, ok := c.handlers[env.Type]
	if !ok {
		c.logger.Debug("No handler for event", zap.String("type", env.Type))
		return nil
	}

	backoff := c.cfg.Backoff
	for attempt := 1; ; attempt++ {
		err := c.call(ctx, h, env)
		if err == nil {
			return nil
		}
		fields := []zap.Field{
			zap.String("type", env.Type),
			zap.String("merchant_id", env.MerchantID),
			zap.String("order_id", env.OrderID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		}
		if shipping.IsPermanent(err) {
			c.logger.Ctx(ctx).Error("Event handler failed", fields...)
			return nil
		}
		if attempt >= c.cfg.MaxAttempts && c.cfg.DeadLetter != nil {
			dlErr := c.deadLetter(ctx, m, err, attempt)
			if dlErr == nil {
				c.logger.Ctx(ctx).Error("Event moved to dead letter", fields...)
				return nil
			}
			c.logger.Ctx(ctx).Warn("Failed to dead-letter event", zap.Int64("offset", m.Offset), zap.Error(dlErr))
		}

		c.logger.Ctx(ctx).Warn("Event handler failed, retrying", append(fields, zap.Duration("backoff", backoff))...)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Consumer) call(ctx context.Context, h Handler, env Envelope) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()
	return h(hctx, env)
}

func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error, attempts int) error {
	headers := append(slices.Clone(m.Headers),
		kafka.Header{Key: "error", Value: []byte(cause.Error())},
		kafka.Header{Key: "attempts", Value: []byte(strconv.Itoa(attempts))},
		kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
	)
	return c.cfg.DeadLetter.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: m.Value, Headers: headers})
}

// Close closes the reader and the dead-letter writer.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	if c.cfg.DeadLetter != nil {
		err = errors.Join(err, c.cfg.DeadLetter.Close())
	}
	return err
}
