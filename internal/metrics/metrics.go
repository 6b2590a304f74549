// Package metrics exposes Prometheus collectors for sync jobs and the API.
package metrics

import (
	"sync"

	"calsync/internal/events"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "calsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_total",
			Help:      "Sync jobs by lifecycle event.",
		},
		[]string{"event"},
	)

	jobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_job_failures_total",
			Help:      "Failed sync jobs by error kind.",
		},
		[]string{"kind"},
	)

	bookingChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_changes_total",
			Help:      "Reconciled bookings by action.",
		},
		[]string{"action"},
	)

	jobsCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_cleaned_total",
			Help:      "Finished sync jobs removed by retention cleanup.",
		},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of finished sync jobs.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, jobsTotal, jobFailures, bookingChanges, jobsCleaned, syncDuration)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// Subscribe feeds job lifecycle events from bus into the collectors.
func Subscribe(bus *events.EventBus) {
	for _, t := range []string{events.EventJobCreated, events.EventJobStarted, events.EventJobStale} {
		eventType := t
		bus.Subscribe(eventType, func(*events.Event) error {
			jobsTotal.WithLabelValues(eventType).Inc()
			return nil
		})
	}

	bus.Subscribe(events.EventJobCompleted, func(e *events.Event) error {
		p, err := e.Decode()
		if err != nil {
			return err
		}
		jobsTotal.WithLabelValues(events.EventJobCompleted).Inc()
		bookingChanges.WithLabelValues("created").Add(float64(p.Created))
		bookingChanges.WithLabelValues("updated").Add(float64(p.Updated))
		bookingChanges.WithLabelValues("unchanged").Add(float64(p.Unchanged))
		bookingChanges.WithLabelValues("deleted").Add(float64(p.Deleted))
		syncDuration.Observe(p.DurationSeconds)
		return nil
	})

	bus.Subscribe(events.EventJobFailed, func(e *events.Event) error {
		p, err := e.Decode()
		if err != nil {
			return err
		}
		jobsTotal.WithLabelValues(events.EventJobFailed).Inc()
		jobFailures.WithLabelValues(p.ErrorKind).Inc()
		syncDuration.Observe(p.DurationSeconds)
		return nil
	})

	bus.Subscribe(events.EventJobsCleaned, func(e *events.Event) error {
		p, err := e.Decode()
		if err != nil {
			return err
		}
		jobsCleaned.Add(float64(p.Count))
		return nil
	})
}
