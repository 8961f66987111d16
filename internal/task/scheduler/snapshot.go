package scheduler

import (
	"time"

	"taskd/internal/task/engine"
)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State        string
	Instance     string
	PollInterval time.Duration
	BatchSize    int
	MisfireGrace time.Duration

	LastPoll            time.Time
	LastReport          Report
	LastError           string
	ConsecutiveFailures int

	// Executor is set when the executor exposes a snapshot.
	Executor *engine.Snapshot
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:               s.state.String(),
		Instance:            s.cfg.Instance,
		PollInterval:        s.cfg.PollInterval,
		BatchSize:           s.cfg.BatchSize,
		MisfireGrace:        s.cfg.MisfireGrace,
		LastPoll:            s.lastPoll,
		LastReport:          s.lastReport,
		ConsecutiveFailures: s.failures,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	exec := s.exec
	s.mu.Unlock()

	if es, ok := exec.(interface{ Snapshot() engine.Snapshot }); ok {
		v := es.Snapshot()
		snap.Executor = &v
	}
	return snap
}
