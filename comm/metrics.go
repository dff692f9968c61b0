package comm

import (
	"github.com/bcastlab/bcastbench/metrics"
)

const namespace = "comm"

var (
	sentMessages = metrics.NewCounter(
		"sent_msgs",
		namespace,
		"number of point-to-point messages sent",
		[]string{"transport"},
	)
	sentBytes = metrics.NewCounter(
		"sent_bytes",
		namespace,
		"number of payload bytes sent",
		[]string{"transport"},
	)
	barriers = metrics.NewCounter(
		"barriers",
		namespace,
		"number of barrier entries",
		[]string{"transport"},
	)
)

// ReportSend counts one outgoing message of n payload bytes.
func ReportSend(transport string, n int) {
	sentMessages.WithLabelValues(transport).Inc()
	sentBytes.WithLabelValues(transport).Add(float64(n))
}

// ReportBarrier counts one barrier entry.
func ReportBarrier(transport string) {
	barriers.WithLabelValues(transport).Inc()
}
