package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const warnThrottle = 5 * time.Second

// reportDispatchError logs a refused dispatch. The run itself has already
// been recorded as skipped by the engine.
func (s *Service) reportDispatchError(scheduleID string, err error) {
	if err == nil {
		return
	}
	// Max-instance skips happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("dispatch skipped", logx.String("schedule", scheduleID), logx.Err(err))
		return
	}

	s.warnMu.Lock()
	lim := s.dispWarn[scheduleID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(warnThrottle), 1)
		s.dispWarn[scheduleID] = lim
	}
	s.warnMu.Unlock()
	if !lim.Allow() {
		return
	}

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("dispatch refused", logx.String("schedule", scheduleID), logx.Err(err))
}
