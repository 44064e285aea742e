package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborhook_events_received_total",
			Help: "Total number of webhook calls stored as events.",
		},
		[]string{"tenant_id"},
	)

	DuplicateEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborhook_duplicate_events_total",
			Help: "Total number of intake requests answered from an existing idempotency key.",
		},
		[]string{"tenant_id"},
	)

	IntakeRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborhook_intake_rejected_total",
			Help: "Total number of intake requests rejected, by reason.",
		},
		[]string{"reason"}, // missing_credential, invalid_credential, endpoint_not_found, rate_limited, invalid_body, body_too_large
	)

	JobsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborhook_jobs_admitted_total",
			Help: "Total number of enqueue calls, by admission result.",
		},
		[]string{"admission"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborhook_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"status"}, // delivered, failed, exhausted, released
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborhook_delivery_latency_seconds",
			Help:    "Latency of outbound delivery attempts.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborhook_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, panic
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborhook_dlq_total",
			Help: "Total number of jobs that exhausted their attempts.",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborhook_queue_jobs",
			Help: "Number of delivery jobs by state.",
		},
		[]string{"state"},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborhook_workers_busy",
			Help: "Number of workers currently processing a job.",
		},
	)

	WorkerPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborhook_worker_panics_total",
			Help: "Total number of recovered panics while processing a job.",
		},
	)

	JobsStalledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborhook_jobs_stalled_total",
			Help: "Expired leases found on dequeue, by what happened to the job.",
		},
		[]string{"outcome"},
	)

	JobsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborhook_jobs_reaped_total",
			Help: "Total number of terminal jobs removed by retention.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsReceivedTotal,
		DuplicateEventsTotal,
		IntakeRejectedTotal,
		JobsAdmittedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DLQTotal,
		QueueDepth,
		WorkersBusy,
		WorkerPanicsTotal,
		JobsStalledTotal,
		JobsReapedTotal,
	)
}

func RecordEventReceived(tenantID string) {
	EventsReceivedTotal.WithLabelValues(tenantID).Inc()
}

func RecordDuplicate(tenantID string) {
	DuplicateEventsTotal.WithLabelValues(tenantID).Inc()
}

func RecordIntakeRejected(reason string) {
	IntakeRejectedTotal.WithLabelValues(reason).Inc()
}

func RecordAdmission(admission string) {
	JobsAdmittedTotal.WithLabelValues(admission).Inc()
}

// RecordDelivery counts one attempt outcome. A zero latency is not observed.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func UpdateQueueDepth(state string, n int) {
	QueueDepth.WithLabelValues(state).Set(float64(n))
}

func WorkerStarted() { WorkersBusy.Inc() }

func WorkerFinished() { WorkersBusy.Dec() }

func RecordPanic() { WorkerPanicsTotal.Inc() }

// RecordStalled counts n expired leases; outcome is "released" when the job
// was leased again and "failed" when it ran out of stalls.
func RecordStalled(outcome string, n int) {
	if n > 0 {
		JobsStalledTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

func RecordReaped(n int) {
	if n > 0 {
		JobsReapedTotal.Add(float64(n))
	}
}
