package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"

	rtsup "taskd/internal/runtime/supervisor"
)

func New(cfg Config, store storage.Store, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		store:     store,
		exec:      exec,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		runStates: map[string]*engine.RunState{},
		pollWarn:  rate.NewLimiter(rate.Every(warnThrottle), 1),
		dispWarn:  map[string]*rate.Limiter{},
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	if s.state != StateStopped || st == StateStopped {
		s.state = st
	}
	s.mu.Unlock()
}

// Apply swaps cadence and thresholds; the loop picks them up on its next wait.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	cfg = cfg.withDefaults()
	if cfg.Instance != prev.Instance && prev.Instance != "" {
		// The instance name is fixed for the process lifetime.
		cfg.Instance = prev.Instance
	}
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Debug("config applied",
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Int("batch_size", cfg.BatchSize),
		logx.Duration("misfire_grace", cfg.MisfireGrace))
	s.Wake()
}

// Wake makes a sleeping loop poll now.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Supervisor returns the loop supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the poll loop and the run pruner.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.state = StateIdle
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.loop, rtsup.WithPublishFirstError(true))
	sup.GoRestart("scheduler.prune", s.pruneLoop)
	s.log.Info("scheduler started",
		logx.String("instance", cfg.Instance),
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Int("batch_size", cfg.BatchSize))
}

// Stop stops polling. Work already handed to the executor is not affected.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	s.setState(StateStopped)
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *Service) loop(ctx context.Context) error {
	cfg := s.config()
	timer := time.NewTimer(startupSpread(cfg.Instance, cfg.PollInterval))
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-s.wake:
		}

		rep, err := s.Tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		cfg = s.config()
		wait := cfg.PollInterval
		switch {
		case err != nil:
			failures++
			wait = pollBackoff(failures, cfg.PollInterval)
			if s.pollWarn.Allow() {
				s.log.Warn("poll failed", logx.Err(err), logx.Int("failures", failures), logx.Duration("retry_in", wait))
			}
		case rep.Full:
			failures = 0
			wait = 0
		default:
			failures = 0
		}
		s.mu.Lock()
		s.failures = failures
		s.mu.Unlock()
		timer.Reset(wait)
	}
}

func (s *Service) pruneLoop(ctx context.Context) error {
	for {
		cfg := s.config()
		t := time.NewTimer(cfg.PruneEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if cfg.RunRetention <= 0 {
			continue
		}
		cutoff := s.now().Add(-cfg.RunRetention)
		n, err := s.store.PruneRuns(ctx, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("prune runs failed", logx.Err(err))
			continue
		}
		if n > 0 {
			s.log.Info("runs pruned", logx.Int("count", n), logx.Time("before", cutoff))
		}
	}
}
