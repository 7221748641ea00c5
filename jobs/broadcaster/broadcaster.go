// Package broadcaster drains the trade outbox into Kafka. It runs
// outside the matching critical section: trades become durable inside
// the match step, and this loop makes them visible downstream with
// at-least-once delivery. Messages are keyed by instrument so every
// partition sees its instrument's trades in match order.
package broadcaster

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"tradestream/infra/outbox"
)

// errStopDrain aborts a scan after a failed send so later trades are
// not published ahead of an earlier one.
var errStopDrain = errors.New("broadcaster: drain stopped")

type Broadcaster struct {
	box      *outbox.Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	log      *zap.Logger
}

func New(box *outbox.Outbox, brokers []string, topic string, log *zap.Logger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	return &Broadcaster{
		box:      box,
		producer: producer,
		topic:    topic,
		interval: 250 * time.Millisecond,
		log:      log,
	}, nil
}

func (b *Broadcaster) Start(ctx context.Context) {
	b.log.Info("broadcaster started", zap.String("topic", b.topic))

	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		gc := time.NewTicker(time.Minute)
		defer gc.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.DrainOnce()
			case <-gc.C:
				if err := b.box.DeleteAcked(); err != nil {
					b.log.Warn("outbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// DrainOnce publishes every unacked record in sequence order. A send
// failure stops the pass; the record stays SENT and the whole tail is
// retried on the next tick.
func (b *Broadcaster) DrainOnce() {
	err := b.box.ScanUnacked(func(rec *outbox.Record) error {
		if err := b.box.MarkSent(rec.Seq); err != nil {
			return err
		}

		msg := &sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.ByteEncoder(rec.Key),
			Value: sarama.ByteEncoder(rec.Payload),
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			b.log.Warn("trade publish failed, will retry",
				zap.Uint64("seq", rec.Seq), zap.Error(err))
			return errStopDrain
		}

		return b.box.MarkAcked(rec.Seq)
	})
	if err != nil && !errors.Is(err, errStopDrain) {
		b.log.Error("outbox drain failed", zap.Error(err))
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
