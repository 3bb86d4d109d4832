package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"botsentry/internal/config"
	"botsentry/internal/model"
)

// Publisher streams classification outcomes to Kafka for downstream
// analytics. Publishing is fire-and-forget from the engine's point of
// view; a broker outage never delays or fails a classification.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(cfg config.ExportConfig, logger *slog.Logger) *Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Publisher{writer: writer, logger: logger}
}

type exportRecord struct {
	IP     string                `json:"ip"`
	Result model.AggregateResult `json:"result"`
}

// Publish sends one classification outcome keyed by IP, so a consumer
// sees a per-IP ordered stream.
func (p *Publisher) Publish(ctx context.Context, ip string, result model.AggregateResult) {
	if p == nil || p.writer == nil {
		return
	}
	value, err := json.Marshal(exportRecord{IP: ip, Result: result})
	if err != nil {
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ip),
		Value: value,
	})
	if err != nil && p.logger != nil {
		p.logger.Warn("kafka export failed", "err", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
