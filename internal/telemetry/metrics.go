package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/histogram the settlement pipeline reports.
// Constructed once and registered into a single *prometheus.Registry,
// mirroring internal/telemetry/metrics.go's package-level var approach but
// grouped on one struct so worker wiring stays explicit.
type Metrics struct {
	WebhookAttemptsTotal    *prometheus.CounterVec
	WebhookDeadLettersTotal *prometheus.CounterVec
	WebhookDeliveredTotal   *prometheus.CounterVec
	WebhookReplayTotal      *prometheus.CounterVec

	PaymentTriggerAttemptsTotal *prometheus.CounterVec
	PaymentTriggerDeadLetters   *prometheus.CounterVec

	OTPIssuedTotal   *prometheus.CounterVec
	OTPVerifiedTotal *prometheus.CounterVec

	VerifyQueueDepth      prometheus.Gauge
	VerifyQueueDeadLetter prometheus.Counter

	RetentionEvictedTotal *prometheus.CounterVec
	RetentionTickDuration prometheus.Histogram

	HTTPRequestDuration *prometheus.HistogramVec
}

// New constructs all metrics and registers them into reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		WebhookAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "webhook", Name: "attempts_total",
			Help: "Total webhook delivery attempts by outcome.",
		}, []string{"tenant_id", "outcome"}),
		WebhookDeadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "webhook", Name: "dead_letters_total",
			Help: "Total webhook jobs moved to dead-letter.",
		}, []string{"tenant_id"}),
		WebhookDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "webhook", Name: "delivered_total",
			Help: "Total webhook jobs delivered from the retry queue.",
		}, []string{"tenant_id"}),
		WebhookReplayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "webhook", Name: "replay_total",
			Help: "Total operator-initiated dead-letter replays.",
		}, []string{"tenant_id"}),
		PaymentTriggerAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "payment_trigger", Name: "attempts_total",
			Help: "Total payment trigger delivery attempts by outcome.",
		}, []string{"tenant_id", "outcome"}),
		PaymentTriggerDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "payment_trigger", Name: "dead_letters_total",
			Help: "Total payment trigger jobs moved to dead-letter.",
		}, []string{"tenant_id"}),
		OTPIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "otp", Name: "issued_total",
			Help: "Total OTPs issued.",
		}, []string{"tenant_id", "delivery_mode"}),
		OTPVerifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "otp", Name: "verified_total",
			Help: "Total OTP verification attempts by result.",
		}, []string{"tenant_id", "result"}),
		VerifyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settld", Subsystem: "verify_queue", Name: "depth",
			Help: "Current number of queued verification jobs.",
		}),
		VerifyQueueDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "verify_queue", Name: "dead_letter_total",
			Help: "Total verification jobs exhausted to dead-letter.",
		}),
		RetentionEvictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settld", Subsystem: "retention", Name: "evicted_total",
			Help: "Total run records evicted by the retention sweeper.",
		}, []string{"tenant_id"}),
		RetentionTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "settld", Subsystem: "retention", Name: "tick_duration_seconds",
			Help:    "Duration of a single retention sweeper tick across all tenants.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settld", Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of ops API HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.WebhookAttemptsTotal, m.WebhookDeadLettersTotal, m.WebhookDeliveredTotal, m.WebhookReplayTotal,
		m.PaymentTriggerAttemptsTotal, m.PaymentTriggerDeadLetters,
		m.OTPIssuedTotal, m.OTPVerifiedTotal,
		m.VerifyQueueDepth, m.VerifyQueueDeadLetter,
		m.RetentionEvictedTotal, m.RetentionTickDuration,
		m.HTTPRequestDuration,
	)
	return m
}
