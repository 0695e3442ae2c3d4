// Package logic implements the stateless HTTP write path: it validates a
// send request, wraps it into a serverMessages envelope, and produces it
// onto the partitioned log, keyed by room so every record for a room
// lands on the same partition and therefore the same Job worker.
package logic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/wire"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer publishes PushMsg records onto the partitioned log.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer dials a kgo.Client against brokers and targets topic for
// every produce call.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{client: client, topic: topic}, nil
}

// Close closes the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}

// Ping verifies the cluster is reachable, satisfying health.Pinger.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Produce publishes msg keyed by roomID and blocks for the broker ack.
func (p *Producer) Produce(ctx context.Context, roomID string, msg wire.PushMsg) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(roomID),
		Value: value,
	}

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		logging.Error(ctx, "kafka produce failed", zap.Error(err), zap.String("room_id", roomID))
		return fmt.Errorf("produce record: %w", err)
	}
	return nil
}
