package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed send attempts",
		},
	)

	EmailsThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_throttled_total",
			Help: "Sends deferred by the per-sender hourly quota",
		},
	)

	EmailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Tasks rescheduled by the queue retry policy",
		},
	)

	EmailsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_dead_lettered_total",
			Help: "Tasks that exhausted their retry budget",
		},
	)

	QuotaChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_checks_total",
			Help: "Quota checks by result",
		},
		[]string{"result"},
	)

	WorkerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_errors_total",
			Help: "Worker infrastructure errors by kind",
		},
		[]string{"kind"},
	)

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Enqueue calls by result",
		},
		[]string{"result"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by route template and status code",
		},
		[]string{"route", "code"},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(EmailsThrottled)
	prometheus.MustRegister(EmailRetries)
	prometheus.MustRegister(EmailsDeadLettered)
	prometheus.MustRegister(QuotaChecks)
	prometheus.MustRegister(WorkerErrors)
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(HTTPRequests)
}
