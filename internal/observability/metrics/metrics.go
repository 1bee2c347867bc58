package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	MessagesPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "Ciphertext messages accepted and stored.",
		},
	)

	DeliveriesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_dispatched_total",
			Help: "Delivery dispatch attempts by result (sent, queued, failed).",
		},
		[]string{"result"},
	)

	DeliveryReceiptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_receipts_total",
			Help: "Receipt events applied to delivery rows, by kind.",
		},
		[]string{"kind"},
	)

	OneTimePrekeysClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "one_time_prekeys_claimed_total",
			Help: "One-time prekey claim attempts by result.",
		},
		[]string{"result"},
	)

	ConnectedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connected_devices",
			Help: "Devices currently registered in the live-connection map.",
		},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		MessagesPublishedTotal,
		DeliveriesDispatchedTotal,
		DeliveryReceiptsTotal,
		OneTimePrekeysClaimedTotal,
		ConnectedDevices,
	)
}
