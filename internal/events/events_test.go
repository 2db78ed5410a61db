package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "audit"}, nil); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "\t"}, Topic: "audit"}, nil); err == nil {
		t.Fatal("expected error when brokers are blank")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, nil); err == nil {
		t.Fatal("expected error when topic is missing")
	}

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" 127.0.0.1:9092 "}, Topic: "audit"}, nil)
	if err != nil {
		t.Fatalf("valid config: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishKeysByLineage(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	ev := AuditEvent{RecordID: "r1", TenantID: "t1", SystemID: "s1", Decision: "DENY"}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "t1:s1" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}
	var got AuditEvent
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != ev {
		t.Fatalf("payload mismatch: %+v", got)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer closed")
	}
}

func TestPublishErrors(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}}
	if err := p.Publish(context.Background(), AuditEvent{}); err == nil {
		t.Fatal("expected write error")
	}

	var nilPublisher *KafkaPublisher
	if err := nilPublisher.Publish(context.Background(), AuditEvent{}); err == nil {
		t.Fatal("expected error for nil publisher")
	}
	if err := nilPublisher.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}

	if err := (NopPublisher{}).Publish(context.Background(), AuditEvent{}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}
