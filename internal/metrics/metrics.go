// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billing"

var (
	// WebhookRequestsTotal counts ingress requests by HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook requests by HTTP status.",
	}, []string{"status"})

	// WebhookDuration tracks end-to-end ingress latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// EventsProcessedTotal counts lifecycle engine results.
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "events_total",
		Help:      "Provider events by kind and processing outcome.",
	}, []string{"kind", "outcome"})

	// GuardCacheHitsTotal counts redeliveries short-circuited by the event cache.
	GuardCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "guard",
		Name:      "cache_hits_total",
		Help:      "Redeliveries answered from the recently applied cache.",
	})

	// NotificationsTotal counts notification delivery attempts by result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "attempts_total",
		Help:      "Notification delivery attempts by result.",
	}, []string{"result"})

	// NotificationQueueDepth is sampled by the dispatcher on each poll.
	NotificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Notification jobs waiting in the queue.",
	})
)
