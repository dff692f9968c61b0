package harness

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bcastlab/bcastbench/metrics"
)

const namespace = "harness"

var broadcastSeconds = metrics.NewHistogramWithBuckets(
	"broadcast_seconds",
	namespace,
	"wall-clock broadcast time as observed at the root",
	[]string{"strategy"},
	prometheus.ExponentialBuckets(0.001, 2, 16),
)

func observeBroadcast(strategy string, elapsed time.Duration) {
	broadcastSeconds.WithLabelValues(strategy).Observe(elapsed.Seconds())
}
