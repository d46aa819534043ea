package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	linkConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmq",
			Subsystem: "link",
			Name:      "connects_total",
			Help:      "Successful link connections, including reconnects.",
		},
		[]string{"link"},
	)
	payloadsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmq",
			Subsystem: "link",
			Name:      "payloads_delivered_total",
			Help:      "Payloads handed to the destination transport.",
		},
		[]string{"link"},
	)
	payloadsRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmq",
			Subsystem: "link",
			Name:      "payloads_requeued_total",
			Help:      "Payloads pushed back after a failed write or publish.",
		},
		[]string{"link"},
	)
	linesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "serialmq",
			Subsystem: "serial",
			Name:      "lines_read_total",
			Help:      "Complete lines decoded off the serial wire.",
		},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmq",
			Subsystem: "mqtt",
			Name:      "messages_dropped_total",
			Help:      "Inbound broker messages dropped before enqueue.",
		},
		[]string{"reason"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "serialmq",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current transfer queue depth.",
		},
		[]string{"queue"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			linkConnects, payloadsDelivered, payloadsRequeued,
			linesRead, messagesDropped, queueDepth,
		)
	})
}

func RecordLinkConnect(linkName string) {
	RegisterMetrics()
	linkConnects.WithLabelValues(linkName).Inc()
}

func RecordDelivered(linkName string) {
	RegisterMetrics()
	payloadsDelivered.WithLabelValues(linkName).Inc()
}

func RecordRequeue(linkName string) {
	RegisterMetrics()
	payloadsRequeued.WithLabelValues(linkName).Inc()
}

func RecordLineRead() {
	RegisterMetrics()
	linesRead.Inc()
}

func RecordDropped(reason string) {
	RegisterMetrics()
	messagesDropped.WithLabelValues(reason).Inc()
}

func SetQueueDepth(queueName string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(queueName).Set(float64(depth))
}
