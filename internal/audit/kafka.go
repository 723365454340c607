package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink publishes entries to a topic keyed by consent id, so every fact
// about one consent lands on the same partition.
type KafkaSink struct {
	writer *kafka.Writer
	source string
	logger *zap.Logger
}

func NewKafkaSink(brokers []string, topic, source string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			// The batcher already groups entries; the writer must not hold
			// a flush back waiting for more.
			BatchTimeout: 10 * time.Millisecond,
			Async:        false,
		},
		source: source,
		logger: logger,
	}
}

func (k *KafkaSink) message(e Entry) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.ConsentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "ce_id", Value: []byte(e.ID)},
			{Key: "ce_source", Value: []byte(k.source)},
			{Key: "ce_type", Value: []byte(e.Action)},
			{Key: "ce_time", Value: []byte(e.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}

func (k *KafkaSink) CreateAuditEntry(ctx context.Context, e Entry) error {
	return k.CreateAuditEntries(ctx, []Entry{e})
}

// CreateAuditEntries publishes entries in a single write.
func (k *KafkaSink) CreateAuditEntries(ctx context.Context, entries []Entry) error {
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		m, err := k.message(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		k.logger.Error("Failed to publish audit entries", zap.Error(err), zap.Int("count", len(entries)))
		return fmt.Errorf("publish audit entries: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
