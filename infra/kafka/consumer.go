// Package kafka is the engine's intake boundary. It owns the
// at-most-once contract the matching core relies on: every event is
// checked against the processed-message table before the engine sees
// it, retried with bounded exponential backoff on transient failures,
// and dead-lettered immediately when it can never succeed.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tradestream/domain/order"
	"tradestream/service"
)

// ProcessedStore is the dedup table behind the intake boundary.
type ProcessedStore interface {
	Seen(topic string, id uuid.UUID) (bool, error)
	MarkProcessed(topic string, id uuid.UUID, at time.Time) error
}

// DeadLetterer routes events the engine cannot process aside.
type DeadLetterer interface {
	Send(ctx context.Context, m kafka.Message, cause error) error
}

// errDeadLetter flags a failed dead-letter publish. The event is
// neither applied nor parked, so its offset must stay uncommitted.
var errDeadLetter = errors.New("dead-letter publish failed")

// Engine is the slice of the matching service the consumers invoke.
type Engine interface {
	HandleIncoming(*order.PlacedEvent) (bool, error)
	Cancel(uuid.UUID) error
}

// Consumer runs one topic's fetch-apply-commit loop.
type Consumer struct {
	reader *kafka.Reader
	msgs   ProcessedStore
	dlq    DeadLetterer
	log    *zap.Logger
	apply  func(context.Context, kafka.Message) error
}

func newReader(brokers []string, group, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
}

// NewPlacedConsumer consumes the order-placed topic into the engine.
func NewPlacedConsumer(brokers []string, group, topic string, eng Engine, msgs ProcessedStore, dlq DeadLetterer, log *zap.Logger) *Consumer {
	return &Consumer{
		reader: newReader(brokers, group, topic),
		msgs:   msgs,
		dlq:    dlq,
		log:    log.Named("order-placed"),
		apply: func(_ context.Context, m kafka.Message) error {
			var evt order.PlacedEvent
			if err := json.Unmarshal(m.Value, &evt); err != nil {
				return service.NonRetryable(fmt.Errorf("decode order-placed event: %w", err))
			}
			_, err := eng.HandleIncoming(&evt)
			return err
		},
	}
}

// NewCancelledConsumer consumes the order-cancelled topic.
func NewCancelledConsumer(brokers []string, group, topic string, eng Engine, msgs ProcessedStore, dlq DeadLetterer, log *zap.Logger) *Consumer {
	return &Consumer{
		reader: newReader(brokers, group, topic),
		msgs:   msgs,
		dlq:    dlq,
		log:    log.Named("order-cancelled"),
		apply: func(_ context.Context, m kafka.Message) error {
			var evt order.CancelledEvent
			if err := json.Unmarshal(m.Value, &evt); err != nil {
				return service.NonRetryable(fmt.Errorf("decode order-cancelled event: %w", err))
			}
			if evt.OrderID == uuid.Nil {
				return service.NonRetryable(errors.New("order-cancelled event without orderId"))
			}
			return eng.Cancel(evt.OrderID)
		},
	}
}

// Run fetches until the context ends. Offsets are committed only
// after the event is applied (or dead-lettered) and recorded in the
// processed-message table.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("intake: fetch: %w", err)
		}

		id := messageID(m)
		seen, err := c.msgs.Seen(m.Topic, id)
		if err != nil {
			return fmt.Errorf("intake: dedup check: %w", err)
		}
		if seen {
			c.log.Info("duplicate event skipped",
				zap.String("message_id", id.String()),
				zap.Int64("offset", m.Offset))
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				return fmt.Errorf("intake: commit: %w", err)
			}
			continue
		}

		if err := c.applyWithRetry(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Shutdown mid-retry: leave the event unprocessed so the
				// group redelivers it on restart.
				return nil
			}
			if errors.Is(err, errDeadLetter) {
				// The event is neither applied nor dead-lettered. Bail
				// without committing; the group redelivers it and the
				// dead-letter publish is retried.
				return fmt.Errorf("intake: %w", err)
			}
			// Retries exhausted or non-retryable; the event is already
			// dead-lettered. Record and move on.
			c.log.Error("event processing failed",
				zap.String("message_id", id.String()), zap.Error(err))
		}

		if err := c.msgs.MarkProcessed(m.Topic, id, time.Now().UTC()); err != nil {
			return fmt.Errorf("intake: mark processed: %w", err)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("intake: commit: %w", err)
		}
	}
}

// applyWithRetry runs the handler with bounded exponential backoff.
// Non-retryable failures and exhausted retries both end in the DLT.
func (c *Consumer) applyWithRetry(ctx context.Context, m kafka.Message) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = c.apply(ctx, m); err == nil {
			return nil
		}
		if service.IsNonRetryable(err) {
			break
		}
		c.log.Warn("transient failure, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(attempt)):
		}
	}
	if dlqErr := c.dlq.Send(ctx, m, err); dlqErr != nil {
		return fmt.Errorf("%w: %v (event error: %v)", errDeadLetter, dlqErr, err)
	}
	return err
}

// messageID identifies one logical delivery: the producer-set eventId
// header when present, else a name-based UUID over
// topic|partition|offset so redeliveries of the same record collide.
func messageID(m kafka.Message) uuid.UUID {
	for _, h := range m.Headers {
		if h.Key == "eventId" {
			if id, err := uuid.ParseBytes(h.Value); err == nil {
				return id
			}
		}
	}
	rid := fmt.Sprintf("%s|%d|%d", m.Topic, m.Partition, m.Offset)
	return uuid.NewMD5(uuid.Nil, []byte(rid))
}
