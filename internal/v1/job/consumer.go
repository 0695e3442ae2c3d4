// Package job implements the Kafka consumer-group dispatcher: it reads
// PushMsg records off the partitioned log, runs each through
// dedupe/cooldown/lock, resolves the subscribing connections' owning edge
// nodes, and fans the message out to each edge over gRPC BroadcastRoom.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// RecordHandler processes one decoded Kafka record. It returns nothing, so
// the handler itself logs its failures and makes any retry or drop
// decision (dedup/lock make redelivery safe to drop).
type RecordHandler func(ctx context.Context, key, value []byte)

// ConsumerConfig configures the underlying kgo.Client.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
	Handler RecordHandler
}

// Consumer wraps a franz-go consumer-group client.
type Consumer struct {
	client  *kgo.Client
	handler RecordHandler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer dials brokers and joins the consumer group, consuming Topic
// from the current end (the dispatcher does not replay history on start).
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("record handler is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logging.Info(context.Background(), "partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logging.Info(context.Background(), "partitions revoked", zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{client: client, handler: cfg.Handler}, nil
}

// Ping verifies the cluster is reachable, satisfying health.Pinger.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Run polls fetches until ctx is canceled, dispatching each record to the
// configured handler. Fetch-level errors are logged and skipped.
func (c *Consumer) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		for _, fetchErr := range fetches.Errors() {
			logging.Error(ctx, "kafka fetch error",
				zap.Error(fetchErr.Err),
				zap.String("topic", fetchErr.Topic),
				zap.Int32("partition", fetchErr.Partition))
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.handler(ctx, record.Key, record.Value)
		})
	}
}

// Stop cancels the poll loop and closes the client.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
}
