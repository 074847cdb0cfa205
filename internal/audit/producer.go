// Package audit streams the write-ahead record of status changes. The
// store transaction writes the authoritative audit row; this producer
// mirrors it onto Kafka for downstream consumers (ops dashboards, fraud).
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Producer{writer: w}
}

// Append publishes one audit entry, keyed by entity id so per-job ordering
// is preserved within a partition.
func (p *Producer) Append(ctx context.Context, e models.AuditEntry) error {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(wctx, kafka.Message{Key: []byte(e.EntityID), Value: b})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
