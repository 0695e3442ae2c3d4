package bus

import "github.com/chatfanout/platform/internal/v1/metrics"

func redisCircuitState(v float64) {
	metrics.CircuitBreakerState.WithLabelValues("redis").Set(v)
}

func redisCircuitFailure() {
	metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
}
