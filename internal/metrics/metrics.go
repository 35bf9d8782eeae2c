// Package metrics holds the Prometheus counters exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jwksRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refashion_jwks_refreshes_total",
			Help: "Total number of JWKS fetches from the provider.",
		},
	)

	webhookVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refashion_webhook_verifications_total",
			Help: "Total number of webhook signature verifications, by result.",
		},
		[]string{"result"}, // valid, invalid, error
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refashion_retry_attempts_total",
			Help: "Total number of retried operation attempts, by context and outcome.",
		},
		[]string{"context", "outcome"}, // success, retry, failure
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refashion_notifications_total",
			Help: "Total number of outbound completion notifications, by outcome.",
		},
		[]string{"outcome"}, // delivered, failed
	)

	taskFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refashion_background_task_failures_total",
			Help: "Total number of failed background tasks, by task name.",
		},
		[]string{"task"},
	)

	jobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refashion_job_transitions_total",
			Help: "Total number of applied job status transitions, by status and source.",
		},
		[]string{"status", "source"},
	)
)

func IncJWKSRefresh() { jwksRefreshes.Inc() }

func IncWebhookVerification(result string) { webhookVerifications.WithLabelValues(result).Inc() }

func IncRetryAttempt(context, outcome string) { retryAttempts.WithLabelValues(context, outcome).Inc() }

func IncNotification(outcome string) { notifications.WithLabelValues(outcome).Inc() }

func IncTaskFailure(task string) { taskFailures.WithLabelValues(task).Inc() }

func IncJobTransition(status, source string) { jobTransitions.WithLabelValues(status, source).Inc() }

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
