package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	appErrors "github.com/noah-isme/sma-offline-sync/pkg/errors"
)

const cycleLeaseName = "cycle"

type syncRunner interface {
	SyncAll(ctx context.Context, trigger models.SyncTrigger) models.CycleResult
	Import(ctx context.Context) models.CycleResult
	NeedsImport(ctx context.Context) (bool, error)
	RecoverInFlight(ctx context.Context) (int, error)
}

type cycleLease interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// SchedulerConfig tunes when cycles run.
type SchedulerConfig struct {
	Interval  time.Duration
	ErrorHold time.Duration
	OnStart   bool
	LeaseTTL  time.Duration
	Owner     string
}

// SchedulerService decides when the sync service runs and guarantees at
// most one cycle at a time. Triggers that find a cycle running are skipped.
type SchedulerService struct {
	runner  syncRunner
	session *Session
	lease   cycleLease
	metrics *MetricsService
	logger  *zap.Logger
	cfg     SchedulerConfig

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	baseCtx  context.Context
	wg       sync.WaitGroup
	holdTime *time.Timer
}

// NewSchedulerService constructs the scheduler. lease may be nil.
func NewSchedulerService(runner syncRunner, session *Session, lease cycleLease, metrics *MetricsService, logger *zap.Logger, cfg SchedulerConfig) *SchedulerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ErrorHold <= 0 {
		cfg.ErrorHold = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &SchedulerService{
		runner:  runner,
		session: session,
		lease:   lease,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		baseCtx: context.Background(),
	}
}

// Start recovers interrupted deliveries, then runs the periodic and
// connectivity loops until Stop or ctx ends. With OnStart the first-login
// import and an initial cycle run in the background.
func (s *SchedulerService) Start(ctx context.Context, connectivity <-chan bool) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.baseCtx = ctx
	s.mu.Unlock()

	if _, err := s.runner.RecoverInFlight(ctx); err != nil {
		s.logger.Error("recover in-flight operations", zap.Error(err))
	}
	if err := s.session.RefreshPending(ctx); err != nil {
		s.logger.Warn("refresh pending count", zap.Error(err))
	}

	s.wg.Add(1)
	go s.loop(ctx, connectivity)

	if s.cfg.OnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.startup(ctx)
		}()
	}

	s.logger.Info("sync scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("online", s.session.IsOnline()),
		zap.Int("pending", s.session.PendingCount()),
	)
	return nil
}

func (s *SchedulerService) startup(ctx context.Context) {
	if !s.session.IsOnline() {
		s.logger.Info("starting offline; queued changes wait for reconnect")
		return
	}
	if _, err := s.run(ctx, models.TriggerStart); err != nil {
		s.logger.Debug("startup cycle skipped", zap.Error(err))
	}
}

func (s *SchedulerService) loop(ctx context.Context, connectivity <-chan bool) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.session.IsOnline() {
				continue
			}
			s.launch(ctx, models.TriggerInterval)
		case online, ok := <-connectivity:
			if !ok {
				connectivity = nil
				continue
			}
			if s.session.SetOnline(online) {
				s.logger.Info("connectivity changed", zap.Bool("online", online))
				if online {
					s.launch(ctx, models.TriggerReconnect)
				}
			}
		}
	}
}

func (s *SchedulerService) launch(ctx context.Context, trigger models.SyncTrigger) {
	if s.session.IsSyncing() {
		s.metrics.ObserveSkippedCycle(trigger)
		s.logger.Debug("sync already in progress, skipping", zap.String("trigger", string(trigger)))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.run(ctx, trigger); err != nil {
			s.logger.Debug("sync trigger skipped", zap.String("trigger", string(trigger)), zap.Error(err))
		}
	}()
}

// run performs one cycle. A first login, or a different user signing in,
// imports the server collections before the cycle in the same slot.
func (s *SchedulerService) run(ctx context.Context, trigger models.SyncTrigger) (models.CycleResult, error) {
	return s.guarded(ctx, trigger, func(ctx context.Context) models.CycleResult {
		if trigger != models.TriggerTeardown {
			s.importIfNeeded(ctx)
		}
		return s.runner.SyncAll(ctx, trigger)
	})
}

func (s *SchedulerService) importIfNeeded(ctx context.Context) {
	needs, err := s.runner.NeedsImport(ctx)
	if err != nil {
		s.logger.Warn("check first-login import", zap.Error(err))
		return
	}
	if !needs {
		return
	}
	if res := s.runner.Import(ctx); !res.Succeeded() {
		s.logger.Warn("first-login import incomplete", zap.Int("pulled", res.Totals().Pulled))
	}
}

// guarded runs fn as the single in-flight cycle. The cycle ignores
// cancellation of the triggering context and always runs to completion.
func (s *SchedulerService) guarded(ctx context.Context, trigger models.SyncTrigger, fn func(ctx context.Context) models.CycleResult) (models.CycleResult, error) {
	if !s.session.TryBeginSync() {
		s.metrics.ObserveSkippedCycle(trigger)
		return models.CycleResult{}, appErrors.ErrSyncInProgress
	}
	cycleCtx := context.WithoutCancel(ctx)

	if s.lease != nil {
		ok, err := s.lease.Acquire(cycleCtx, cycleLeaseName, s.cfg.Owner, s.cfg.LeaseTTL)
		if err != nil {
			s.logger.Warn("sync lease unavailable, continuing with local guard", zap.Error(err))
		} else if !ok {
			s.session.CancelSync()
			s.metrics.ObserveSkippedCycle(trigger)
			return models.CycleResult{}, appErrors.Clone(appErrors.ErrSyncInProgress, "another agent is syncing")
		} else {
			defer func() {
				if err := s.lease.Release(cycleCtx, cycleLeaseName, s.cfg.Owner); err != nil {
					s.logger.Warn("release sync lease", zap.Error(err))
				}
			}()
		}
	}

	result := fn(cycleCtx)
	if err := s.session.RefreshPending(cycleCtx); err != nil {
		s.logger.Warn("refresh pending count", zap.Error(err))
	}
	s.session.EndSync(&result, nil)
	if !result.Succeeded() {
		s.holdError()
	}
	return result, nil
}

// holdError reverts the error state to idle after ErrorHold unless another
// cycle has started.
func (s *SchedulerService) holdError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdTime != nil {
		s.holdTime.Stop()
	}
	s.holdTime = time.AfterFunc(s.cfg.ErrorHold, func() {
		if s.session.State() == models.SchedulerError {
			s.session.SetState(models.SchedulerIdle)
		}
	})
}

// SyncNow runs a cycle and waits for it. It fails fast when offline or
// when a cycle is already running.
func (s *SchedulerService) SyncNow(ctx context.Context) (models.CycleResult, error) {
	if !s.session.IsOnline() {
		return models.CycleResult{}, appErrors.ErrOffline
	}
	return s.run(ctx, models.TriggerManual)
}

// TriggerSync starts a cycle in the background.
func (s *SchedulerService) TriggerSync(ctx context.Context) error {
	if !s.session.IsOnline() {
		return appErrors.ErrOffline
	}
	if s.session.IsSyncing() {
		return appErrors.ErrSyncInProgress
	}
	s.launch(s.detached(ctx), models.TriggerManual)
	return nil
}

// Import pulls every entity's full server collection without pushing.
func (s *SchedulerService) Import(ctx context.Context) (models.CycleResult, error) {
	if !s.session.IsOnline() {
		return models.CycleResult{}, appErrors.ErrOffline
	}
	return s.guarded(ctx, models.TriggerImport, s.runner.Import)
}

// detached keeps request-scoped values but not the request's lifetime.
func (s *SchedulerService) detached(ctx context.Context) context.Context {
	if ctx == nil {
		return s.baseCtx
	}
	return context.WithoutCancel(ctx)
}

// Status returns the session snapshot.
func (s *SchedulerService) Status() models.SyncStatus {
	return s.session.Status()
}

// Stop ends the loops and makes a best-effort flush of queued changes,
// bounded by ctx. Cycles already running are waited for within ctx.
func (s *SchedulerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	if s.holdTime != nil {
		s.holdTime.Stop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.session.IsOnline() && s.session.PendingCount() > 0 {
			if _, err := s.run(ctx, models.TriggerTeardown); err != nil {
				s.logger.Debug("teardown flush skipped", zap.Error(err))
			}
		}
		s.wg.Wait()
	}()

	select {
	case <-done:
		s.logger.Info("sync scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("sync scheduler stopped before flush completed", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
