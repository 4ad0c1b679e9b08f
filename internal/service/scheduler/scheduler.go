package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradewarden/delegation-engine/internal/domain/errors"
	"github.com/tradewarden/delegation-engine/internal/domain/market"
	"github.com/tradewarden/delegation-engine/internal/domain/rule"
)

const (
	defaultInterval        = 5 * time.Minute
	defaultSnapshotTimeout = 10 * time.Second
	defaultTriggerInterval = 10 * time.Second
)

// ErrThrottled is returned by TriggerNow when manual triggers arrive faster
// than the configured rate.
var ErrThrottled = errors.NewConflictError("manual evaluation trigger throttled")

// SnapshotProvider supplies the market snapshot for each evaluation pass.
// Implementations talk to market data feeds; a failure means the pass is
// skipped, never run on stale data.
type SnapshotProvider interface {
	Current(ctx context.Context) (market.Condition, error)
}

// Evaluator is the engine surface the scheduler drives.
type Evaluator interface {
	Evaluate(ctx context.Context, snapshot market.Condition) ([]*rule.AutoRevokeEvent, error)
}

// Scheduler drives periodic evaluation passes. Each tick fetches a fresh
// snapshot and hands it to the engine; a panicking pass is contained and
// logged, so one bad pass never takes the loop down.
type Scheduler struct {
	provider SnapshotProvider
	engine   Evaluator
	logger   *zap.Logger

	interval        time.Duration
	snapshotTimeout time.Duration
	triggers        *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

type Option func(*Scheduler)

// WithInterval sets the periodic evaluation interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSnapshotTimeout bounds how long a pass waits for market data.
func WithSnapshotTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.snapshotTimeout = d
		}
	}
}

// WithTriggerRate sets the minimum spacing between manual triggers.
func WithTriggerRate(minInterval time.Duration) Option {
	return func(s *Scheduler) {
		if minInterval > 0 {
			s.triggers = rate.NewLimiter(rate.Every(minInterval), 1)
		}
	}
}

func New(provider SnapshotProvider, engine Evaluator, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		provider:        provider,
		engine:          engine,
		logger:          logger,
		interval:        defaultInterval,
		snapshotTimeout: defaultSnapshotTimeout,
		triggers:        rate.NewLimiter(rate.Every(defaultTriggerInterval), 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the periodic loop. It returns immediately; passes run on a
// background goroutine until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run(ctx)
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("evaluation scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("evaluation scheduler stopped", zap.Error(ctx.Err()))
			return
		case <-s.stop:
			s.logger.Info("evaluation scheduler stopped")
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

// TriggerNow runs one evaluation pass outside the periodic cadence, rate
// limited so a flapping caller cannot hammer the market data provider.
func (s *Scheduler) TriggerNow(ctx context.Context) ([]*rule.AutoRevokeEvent, error) {
	if !s.triggers.Allow() {
		return nil, ErrThrottled
	}

	snapshot, err := s.currentSnapshot(ctx)
	if err != nil {
		return nil, errors.NewSnapshotError("market snapshot unavailable").WithCause(err)
	}
	return s.engine.Evaluate(ctx, snapshot)
}

// Stop halts the periodic loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("evaluation pass panicked", zap.Any("panic", r))
		}
	}()

	snapshot, err := s.currentSnapshot(ctx)
	if err != nil {
		// No snapshot, no pass. Evaluating against stale or zero market
		// data would fire rules on fiction.
		s.logger.Warn("skipping evaluation pass, market snapshot unavailable", zap.Error(err))
		return
	}

	events, err := s.engine.Evaluate(ctx, snapshot)
	if err != nil {
		s.logger.Error("evaluation pass failed", zap.Error(err))
		return
	}
	if len(events) > 0 {
		s.logger.Info("evaluation pass fired rules", zap.Int("events", len(events)))
	}
}

func (s *Scheduler) currentSnapshot(ctx context.Context) (market.Condition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.snapshotTimeout)
	defer cancel()
	return s.provider.Current(ctx)
}
