// Package kafka publishes audit events to Kafka-compatible brokers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "cartkeep/pkg/platform/audit"
)

// Sink implements audit.Store by producing one record per event. Records are
// keyed by the event's target (or owner) so per-cart ordering is kept within a
// partition.
type Sink struct {
	client *kgo.Client
	topic  string
}

// New connects to brokers. The client is lazy; use EnsureTopic or Ping to
// verify connectivity.
func New(brokers []string, topic string, opts ...kgo.Opt) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1 << 20),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Sink{client: client, topic: topic}, nil
}

// EnsureTopic creates the audit topic when it does not exist.
func (s *Sink) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	admin := kadm.NewClient(s.client)
	topics, err := admin.ListTopics(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("list kafka topics: %w", err)
	}
	if topics.Has(s.topic) {
		return nil
	}
	resp, err := admin.CreateTopic(ctx, partitions, replication, nil, s.topic)
	if err != nil {
		return fmt.Errorf("create kafka topic %s: %w", s.topic, err)
	}
	if resp.Err != nil && !isTopicExists(resp.Err) {
		return fmt.Errorf("create kafka topic %s: %w", s.topic, resp.Err)
	}
	return nil
}

// Ping checks that at least one broker answers.
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

type payload struct {
	Category    string    `json:"category"`
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Owner       string    `json:"owner,omitempty"`
	Source      string    `json:"source,omitempty"`
	Target      string    `json:"target,omitempty"`
	ItemCount   int       `json:"item_count"`
	Contributed int       `json:"contributed"`
	Version     int64     `json:"version"`
	Reason      string    `json:"reason,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Device      string    `json:"device,omitempty"`
}

func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}
	body, err := json.Marshal(payload{
		Category:    string(category),
		Timestamp:   event.Timestamp,
		Action:      event.Action,
		Owner:       event.Owner,
		Source:      event.Source,
		Target:      event.Target,
		ItemCount:   event.ItemCount,
		Contributed: event.Contributed,
		Version:     event.Version,
		Reason:      event.Reason,
		RequestID:   event.RequestID,
		Device:      event.Device,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	key := event.Target
	if key == "" {
		key = event.Owner
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(key),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "category", Value: []byte(category)},
			{Key: "action", Value: []byte(event.Action)},
		},
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the client.
func (s *Sink) Close(ctx context.Context) error {
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}

// Decode parses a record value produced by Append.
func Decode(value []byte) (audit.Event, error) {
	var p payload
	if err := json.Unmarshal(value, &p); err != nil {
		return audit.Event{}, fmt.Errorf("decode audit event: %w", err)
	}
	return audit.Event{
		Category:    audit.EventCategory(p.Category),
		Timestamp:   p.Timestamp,
		Action:      p.Action,
		Owner:       p.Owner,
		Source:      p.Source,
		Target:      p.Target,
		ItemCount:   p.ItemCount,
		Contributed: p.Contributed,
		Version:     p.Version,
		Reason:      p.Reason,
		RequestID:   p.RequestID,
		Device:      p.Device,
	}, nil
}
