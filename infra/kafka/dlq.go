package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DLQWriter routes events the engine cannot process to the original
// topic's dead-letter twin (<topic>.DLT), carrying enough headers to
// trace the failure back to its source record.
type DLQWriter struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewDLQWriter(brokers []string, log *zap.Logger) *DLQWriter {
	return &DLQWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		log: log,
	}
}

func (d *DLQWriter) Send(ctx context.Context, m kafka.Message, cause error) error {
	dead := kafka.Message{
		Topic: m.Topic + ".DLT",
		Key:   m.Key,
		Value: m.Value,
		Headers: []kafka.Header{
			{Key: "exceptionMessage", Value: []byte(cause.Error())},
			{Key: "originalTopic", Value: []byte(m.Topic)},
			{Key: "originalPartition", Value: []byte(strconv.Itoa(m.Partition))},
			{Key: "originalOffset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
		},
	}
	if err := d.writer.WriteMessages(ctx, dead); err != nil {
		d.log.Error("dead-letter publish failed",
			zap.String("topic", dead.Topic), zap.Error(err))
		return err
	}
	d.log.Warn("event dead-lettered",
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.String("cause", cause.Error()))
	return nil
}

func (d *DLQWriter) Close() error {
	return d.writer.Close()
}
