package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_cycles_total",
		Help: "Delivery cycles by outcome (ok, error, lock_skip)",
	}, []string{"outcome"})

	CycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alerts_cycle_duration_seconds",
		Help:    "Duration of one full delivery cycle",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	DeliveriesQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_deliveries_queued_total",
		Help: "Delivery rows inserted, by priority",
	}, []string{"priority"})

	DeliveriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_deliveries_sent_total",
		Help: "Delivery items marked SENT, by channel",
	}, []string{"channel"})

	DeliveriesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_deliveries_failed_total",
		Help: "Delivery items marked FAILED, by channel",
	}, []string{"channel"})

	DeliveriesGivenUp = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_deliveries_given_up_total",
		Help: "Delivery items that exhausted their attempt ceiling, by channel",
	}, []string{"channel"})

	DedupeSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alerts_dedupe_skips_total",
		Help: "Candidates suppressed by the rolling dedupe window",
	})

	ScanErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alerts_scan_errors_total",
		Help: "Per-alert scan failures (logged and skipped)",
	})

	BacklogPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alerts_backlog_pending",
		Help: "Retryable delivery rows (PENDING or FAILED under the attempt ceiling)",
	})

	BacklogDue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alerts_backlog_due",
		Help: "Retryable delivery rows whose next attempt is due now",
	})

	BacklogOldestAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alerts_backlog_oldest_age_seconds",
		Help: "Age of the oldest retryable row, excluding estimated queue times",
	})

	NextDueInSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alerts_next_due_in_seconds",
		Help: "Seconds until the next scheduled retry becomes due",
	})

	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alerts_dead_letters",
		Help: "FAILED rows past the attempt ceiling (given up)",
	})

	SendDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alerts_send_duration_seconds",
		Help:    "Duration of one channel send",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	AdminNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_admin_notifications_total",
		Help: "Operator pages fired, by kind and outcome",
	}, []string{"kind", "outcome"})
)
