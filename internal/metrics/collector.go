package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskd/internal/task/scheduler"
)

// SnapshotFunc returns the current scheduler view.
type SnapshotFunc func() scheduler.Snapshot

// Collector reports gauges read from the scheduler snapshot at scrape time.
type Collector struct {
	startTime time.Time
	version   string
	snapshot  SnapshotFunc

	infoDesc     *prometheus.Desc
	uptimeDesc   *prometheus.Desc
	stateDesc    *prometheus.Desc
	pollFailDesc *prometheus.Desc
	lastPollDesc *prometheus.Desc
	queueLenDesc *prometheus.Desc
	queueCapDesc *prometheus.Desc
	inFlightDesc *prometheus.Desc
	workersDesc  *prometheus.Desc
}

// NewCollector creates a collector. A nil snapshot reports info and uptime only.
func NewCollector(version string, snapshot SnapshotFunc) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		startTime: time.Now(),
		version:   version,
		snapshot:  snapshot,

		infoDesc:     desc("info", "taskd build information", "version", "go_version", "instance"),
		uptimeDesc:   desc("uptime_seconds", "Time since process start"),
		stateDesc:    desc("scheduler_state", "Scheduler loop state (1 for the current state)", "state"),
		pollFailDesc: desc("scheduler_consecutive_poll_failures", "Consecutive failed poll cycles"),
		lastPollDesc: desc("scheduler_last_poll_timestamp_seconds", "Unix time of the last poll cycle"),
		queueLenDesc: desc("executor_queue_length", "Tasks waiting in the executor queue"),
		queueCapDesc: desc("executor_queue_capacity", "Capacity of the executor queue"),
		inFlightDesc: desc("executor_in_flight", "Tasks currently executing"),
		workersDesc:  desc("executor_workers", "Configured executor workers"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.stateDesc
	ch <- c.pollFailDesc
	ch <- c.lastPollDesc
	ch <- c.queueLenDesc
	ch <- c.queueCapDesc
	ch <- c.inFlightDesc
	ch <- c.workersDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var snap scheduler.Snapshot
	if c.snapshot != nil {
		snap = c.snapshot()
	}
	ch <- prometheus.MustNewConstMetric(c.infoDesc, prometheus.GaugeValue, 1, c.version, runtime.Version(), snap.Instance)
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
	if c.snapshot == nil {
		return
	}

	for _, st := range []scheduler.State{scheduler.StateIdle, scheduler.StatePolling, scheduler.StateDispatching, scheduler.StateStopped} {
		v := 0.0
		if st.String() == snap.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, v, st.String())
	}
	ch <- prometheus.MustNewConstMetric(c.pollFailDesc, prometheus.GaugeValue, float64(snap.ConsecutiveFailures))
	if !snap.LastPoll.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastPollDesc, prometheus.GaugeValue, float64(snap.LastPoll.UnixNano())/1e9)
	}

	if ex := snap.Executor; ex != nil {
		ch <- prometheus.MustNewConstMetric(c.queueLenDesc, prometheus.GaugeValue, float64(ex.QueueLen))
		ch <- prometheus.MustNewConstMetric(c.queueCapDesc, prometheus.GaugeValue, float64(ex.QueueCap))
		ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(ex.InFlight))
		ch <- prometheus.MustNewConstMetric(c.workersDesc, prometheus.GaugeValue, float64(ex.Workers))
	}
}

// NewRegistry creates a registry with the taskd collector and the Go runtime
// and process collectors.
func NewRegistry(collector *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	if collector != nil {
		registry.MustRegister(collector)
	}
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
