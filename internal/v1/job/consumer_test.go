package job

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, []byte, []byte) {}

func TestNewConsumerRejectsMissingBrokers(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{GroupID: "g", Topic: "t", Handler: noopHandler})
	assert.Error(t, err)
}

func TestNewConsumerRejectsMissingGroupID(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Handler: noopHandler})
	assert.Error(t, err)
}

func TestNewConsumerRejectsMissingTopic(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{Brokers: []string{"localhost:9092"}, GroupID: "g", Handler: noopHandler})
	assert.Error(t, err)
}

func TestNewConsumerRejectsMissingHandler(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{Brokers: []string{"localhost:9092"}, GroupID: "g", Topic: "t"})
	assert.Error(t, err)
}

func TestNewConsumerSucceedsWithValidConfig(t *testing.T) {
	c, err := NewConsumer(ConsumerConfig{
		Brokers: []string{"localhost:9092"},
		GroupID: "job-service-group",
		Topic:   "my-topic",
		Handler: noopHandler,
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	c.client.Close()
}
