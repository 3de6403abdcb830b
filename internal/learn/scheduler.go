package learn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rielpay/payverify/internal/cache"
)

// DefaultTrainInterval is how often the scheduler runs a training batch.
const DefaultTrainInterval = 5 * time.Minute

// DefaultRetentionInterval is how often the processed-record purge runs.
const DefaultRetentionInterval = time.Hour

// Scheduler drives the TrainingProcessor on an interval and performs
// periodic cache and queue housekeeping. It is a cancellable task with an
// explicit lifecycle, not a loop coupled to process lifetime.
type Scheduler struct {
	processor         *TrainingProcessor
	issuers           *cache.IssuerCache
	merchants         *cache.MerchantCache
	trainInterval     time.Duration
	retentionInterval time.Duration

	processNow chan struct{}
	stop       chan struct{}
	done       chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewScheduler creates a scheduler. Zero intervals select the defaults.
func NewScheduler(processor *TrainingProcessor, issuers *cache.IssuerCache, merchants *cache.MerchantCache, trainInterval, retentionInterval time.Duration) *Scheduler {
	if trainInterval <= 0 {
		trainInterval = DefaultTrainInterval
	}
	if retentionInterval <= 0 {
		retentionInterval = DefaultRetentionInterval
	}
	return &Scheduler{
		processor:         processor,
		issuers:           issuers,
		merchants:         merchants,
		trainInterval:     trainInterval,
		retentionInterval: retentionInterval,
		processNow:        make(chan struct{}, 1),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Start launches the background loop. Safe to call once; the loop runs until
// Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Stop signals the loop to exit and waits for it to drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// ProcessNow requests an immediate training run, coalescing with any pending
// request. Non-blocking.
func (s *Scheduler) ProcessNow() {
	select {
	case s.processNow <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	trainTicker := time.NewTicker(s.trainInterval)
	defer trainTicker.Stop()
	retentionTicker := time.NewTicker(s.retentionInterval)
	defer retentionTicker.Stop()

	zap.L().Info("learn: scheduler started",
		zap.Duration("train_interval", s.trainInterval),
		zap.Duration("retention_interval", s.retentionInterval),
	)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("learn: scheduler stopping", zap.Error(ctx.Err()))
			return
		case <-s.stop:
			zap.L().Info("learn: scheduler stopped")
			return
		case <-trainTicker.C:
			s.safeRun(ctx)
			s.sweepCaches()
		case <-s.processNow:
			s.safeRun(ctx)
		case <-retentionTicker.C:
			if _, err := s.processor.PurgeProcessed(ctx); err != nil {
				zap.L().Error("learn: retention purge failed", zap.Error(err))
			}
		}
	}
}

// safeRun executes one batch, recovering from panics so a poisoned record
// cannot kill the loop.
func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("learn: training run panicked", zap.Any("panic", r))
		}
	}()
	if _, err := s.processor.ProcessOnce(ctx); err != nil {
		zap.L().Error("learn: training run failed", zap.Error(err))
	}
}

// sweepCaches evicts expired entries, gated by each cache's own sweep
// interval so a short train interval does not turn into constant sweeping.
func (s *Scheduler) sweepCaches() {
	if s.issuers.ShouldCleanup() {
		if n := s.issuers.CleanupExpired(); n > 0 {
			zap.L().Debug("learn: issuer cache sweep", zap.Int("evicted", n))
		}
	}
	if s.merchants.ShouldCleanup() {
		if n := s.merchants.CleanupExpired(); n > 0 {
			zap.L().Debug("learn: merchant cache sweep", zap.Int("evicted", n))
		}
	}
}
