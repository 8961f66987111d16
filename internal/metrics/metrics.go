// Package metrics exports scheduler and executor activity to Prometheus.
//
// Counters and histograms are fed from the event bus; gauges are read from
// the scheduler snapshot at scrape time.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskd/internal/eventbus"
	"taskd/internal/task"
)

const namespace = "taskd"

// Metrics holds the event-driven collectors.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runQueueDelay prometheus.Histogram
	claimsTotal   *prometheus.CounterVec
	pollsTotal    *prometheus.CounterVec
	pollDuration  prometheus.Histogram
	scheduleEnds  *prometheus.CounterVec
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished task runs by task and outcome",
		}, []string{"task", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of task runs that started",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"task"}),
		runQueueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_start_delay_seconds",
			Help:      "Delay between the scheduled time and the start of a run",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claims of due occurrences by result",
		}, []string{"result"}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Scheduler poll cycles by result",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of successful scheduler poll cycles",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		scheduleEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_ended_total",
			Help:      "Schedules disabled by a trigger error or exhausted",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.runQueueDelay,
		m.claimsTotal,
		m.pollsTotal,
		m.pollDuration,
		m.scheduleEnds,
	)
	return m
}

// Observe updates the collectors for one event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case eventbus.RunFinished:
		r, ok := e.Data.(task.TaskRun)
		if !ok {
			return
		}
		m.runsTotal.WithLabelValues(r.TaskRef, string(r.Outcome.Kind)).Inc()
		if !r.StartTime.IsZero() {
			m.runDuration.WithLabelValues(r.TaskRef).Observe(r.Duration().Seconds())
			if !r.ScheduledAt.IsZero() {
				m.runQueueDelay.Observe(nonNegative(r.StartTime.Sub(r.ScheduledAt)).Seconds())
			}
		}
	case eventbus.Claimed:
		m.claimsTotal.WithLabelValues("won").Inc()
	case eventbus.ClaimLost:
		m.claimsTotal.WithLabelValues("lost").Inc()
	case eventbus.PollCompleted:
		m.pollsTotal.WithLabelValues("ok").Inc()
		if p, ok := e.Data.(eventbus.PollEvent); ok {
			m.pollDuration.Observe(p.Duration.Seconds())
		}
	case eventbus.PollFailed:
		m.pollsTotal.WithLabelValues("failed").Inc()
	case eventbus.ScheduleDisabled:
		m.scheduleEnds.WithLabelValues("disabled").Inc()
	case eventbus.ScheduleExhausted:
		m.scheduleEnds.WithLabelValues("exhausted").Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
