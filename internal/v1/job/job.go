package job

import (
	"context"

	"github.com/chatfanout/platform/internal/v1/bus"
	"github.com/chatfanout/platform/internal/v1/config"
)

// Service wires a Consumer to a Dispatcher and runs the poll loop until
// stopped.
type Service struct {
	consumer   *Consumer
	dispatcher *Dispatcher
}

// New builds the Job dispatcher service from validated config and an
// already-connected routing store.
func New(cfg *config.Config, busSvc *bus.Service) (*Service, error) {
	dispatcher := NewDispatcher(busSvc, cfg.DedupTTL, cfg.CooldownTTL, cfg.LockTTL)

	consumer, err := NewConsumer(ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID,
		Topic:   cfg.KafkaTopic,
		Handler: dispatcher.HandleRecord,
	})
	if err != nil {
		return nil, err
	}

	return &Service{consumer: consumer, dispatcher: dispatcher}, nil
}

// Run blocks, polling Kafka and dispatching records until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	s.consumer.Run(ctx)
}

// Ping reports Kafka reachability for health checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.consumer.Ping(ctx)
}

// Close stops the consumer and releases all dialed edge connections.
func (s *Service) Close() {
	s.consumer.Stop()
	s.dispatcher.Close()
}
