// Package metrics exposes Prometheus instrumentation for retry
// orchestration events.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/synckit/resilience/pkg/retry"
)

// Metric namespace shared by all collectors in this package.
const (
	namespace = "synckit"
	subsystem = "retry"
)

// Breaker gauge values.
const (
	breakerClosed   = 0
	breakerOpen     = 1
	breakerHalfOpen = 2
)

// Collector translates orchestration events into Prometheus metrics. It
// implements retry.Listener; attach it with retry.WithListener and register
// it on a Registerer of your choice.
type Collector struct {
	EventsTotal     *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	RetryDelay      *prometheus.HistogramVec
	SessionDuration *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
	BudgetResets    *prometheus.CounterVec
	Cancellations   *prometheus.CounterVec
}

// NewCollector creates the event collector and its metrics.
func NewCollector() *Collector {
	return &Collector{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "events_total",
				Help:      "Total orchestration events by type",
			},
			[]string{"type", "operation_type", "priority"},
		),

		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "attempts_total",
				Help:      "Total operation attempts by outcome",
			},
			[]string{"operation_type", "status"},
		),

		RetryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "delay_seconds",
				Help:      "Backoff delays applied before retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation_type"},
		),

		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "session_duration_seconds",
				Help:      "Total retry session duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation_type"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"device_id", "operation_type"},
		),

		BudgetResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "budget_resets_total",
				Help:      "Retry budget window roll-overs per device",
			},
			[]string{"device_id"},
		),

		Cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cancellations_total",
				Help:      "Retries cancelled before running",
			},
			[]string{"operation_type"},
		),
	}
}

// collectors lists everything Register hands to Prometheus
func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.EventsTotal,
		c.AttemptsTotal,
		c.RetryDelay,
		c.SessionDuration,
		c.BreakerState,
		c.BudgetResets,
		c.Cancellations,
	}
}

// Register registers all collector metrics on the given registerer.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			var alreadyRegErr prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegErr) {
				return fmt.Errorf("prometheus conflict for retry metrics: %w", err)
			}
			return fmt.Errorf("failed to register retry metrics: %w", err)
		}
	}
	return nil
}

// MustRegister registers all collector metrics and panics on conflict.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	if err := c.Register(reg); err != nil {
		panic(err)
	}
}

// OnEvent implements retry.Listener
func (c *Collector) OnEvent(e retry.Event) {
	opType := string(e.OperationType)
	c.EventsTotal.WithLabelValues(string(e.Type), opType, e.Priority.String()).Inc()

	switch e.Type {
	case retry.EventRetryScheduled:
		c.RetryDelay.WithLabelValues(opType).Observe(e.Delay.Seconds())

	case retry.EventOperationSucceeded:
		c.AttemptsTotal.WithLabelValues(opType, "success").Inc()

	case retry.EventOperationFailed:
		c.AttemptsTotal.WithLabelValues(opType, "failure").Inc()

	case retry.EventSessionCompleted:
		c.SessionDuration.WithLabelValues(opType).Observe(e.Duration.Seconds())

	case retry.EventBreakerOpened:
		c.BreakerState.WithLabelValues(e.DeviceID, opType).Set(breakerOpen)

	case retry.EventBreakerHalfOpen:
		c.BreakerState.WithLabelValues(e.DeviceID, opType).Set(breakerHalfOpen)

	case retry.EventBreakerReset:
		c.BreakerState.WithLabelValues(e.DeviceID, opType).Set(breakerClosed)

	case retry.EventBudgetReset:
		c.BudgetResets.WithLabelValues(e.DeviceID).Inc()

	case retry.EventRetryCancelled:
		c.Cancellations.WithLabelValues(opType).Inc()
	}
}
