// Package events publishes audit records to external consumers. Delivery
// is best-effort: the audit chain in the store stays the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// AuditEvent is the message emitted for every decision.
type AuditEvent struct {
	RecordID      string `json:"rpx_id"`
	TenantID      string `json:"tenant_id"`
	SystemID      string `json:"system_id"`
	RequestID     string `json:"request_id"`
	DecisionID    string `json:"decision_id"`
	Decision      string `json:"decision"`
	EnvelopeID    string `json:"envelope_id,omitempty"`
	ChainHash     string `json:"chain_hash,omitempty"`
	CreatedAt     string `json:"created_at"`
	AuditDegraded bool   `json:"audit_degraded"`
}

type Publisher interface {
	Publish(ctx context.Context, ev AuditEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, AuditEvent) error { return nil }
func (NopPublisher) Close() error                              { return nil }

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type KafkaPublisher struct {
	writer kafkaWriter
	logger *zap.Logger
}

// NewKafkaPublisher writes asynchronously; write failures surface through
// the logger rather than the caller.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("audit event delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaPublisher{writer: w, logger: logger}, nil
}

// Publish keys messages by lineage so one tenant/system stays ordered
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev AuditEvent) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TenantID + ":" + ev.SystemID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("audit.decision")},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
