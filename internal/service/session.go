package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/sma-offline-sync/internal/models"
)

type operationCounter interface {
	Count(ctx context.Context, filter models.OperationFilter) (int, error)
}

// Session is the process-wide sync state: connectivity, whether a cycle is
// running, and how many mutations still wait for the server. It is
// recomputed from the operation log rather than persisted.
type Session struct {
	ops     operationCounter
	metrics *MetricsService

	syncing atomic.Bool
	online  atomic.Bool

	mu         sync.RWMutex
	pending    int
	failed     int
	state      models.SchedulerState
	lastSyncAt time.Time
	lastError  string
	lastResult *models.CycleResult
}

// NewSession starts from the current connectivity signal.
func NewSession(ops operationCounter, metrics *MetricsService, online bool) *Session {
	s := &Session{ops: ops, metrics: metrics, state: models.SchedulerIdle}
	s.online.Store(online)
	return s
}

// IsOnline reports the last known connectivity.
func (s *Session) IsOnline() bool { return s.online.Load() }

// SetOnline records connectivity and reports whether it changed.
func (s *Session) SetOnline(online bool) bool {
	return s.online.Swap(online) != online
}

// IsSyncing reports whether a cycle is running.
func (s *Session) IsSyncing() bool { return s.syncing.Load() }

// TryBeginSync claims the single cycle slot. It returns false when a cycle
// is already running.
func (s *Session) TryBeginSync() bool {
	if !s.syncing.CompareAndSwap(false, true) {
		return false
	}
	s.SetState(models.SchedulerSyncing)
	return true
}

// EndSync records the cycle's outcome and final state, then releases the
// cycle slot. A cycle that claims the slot afterwards always finds its own
// syncing state.
func (s *Session) EndSync(result *models.CycleResult, err error) {
	s.mu.Lock()
	if result != nil {
		s.lastResult = result
		s.lastSyncAt = result.FinishedAt
	}
	switch {
	case err != nil:
		s.lastError = err.Error()
	case result != nil && !result.Succeeded():
		s.lastError = firstEntityError(*result)
	default:
		s.lastError = ""
	}
	if err != nil || (result != nil && !result.Succeeded()) {
		s.state = models.SchedulerError
	} else {
		s.state = models.SchedulerIdle
	}
	s.mu.Unlock()
	s.syncing.Store(false)
}

// CancelSync returns to idle and releases the cycle slot without recording
// an outcome.
func (s *Session) CancelSync() {
	s.SetState(models.SchedulerIdle)
	s.syncing.Store(false)
}

func firstEntityError(result models.CycleResult) string {
	for _, e := range result.Entities {
		if e.Error != "" {
			return string(e.Entity) + ": " + e.Error
		}
	}
	for _, e := range result.Entities {
		if e.Failed > 0 {
			return string(e.Entity) + ": some operations failed"
		}
	}
	return ""
}

// SetState publishes the scheduler state.
func (s *Session) SetState(state models.SchedulerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the scheduler state.
func (s *Session) State() models.SchedulerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RefreshPending recounts unresolved operations.
func (s *Session) RefreshPending(ctx context.Context) error {
	if s.ops == nil {
		return nil
	}
	pending, err := s.ops.Count(ctx, models.OperationFilter{})
	if err != nil {
		return err
	}
	failed, err := s.ops.Count(ctx, models.OperationFilter{Statuses: []models.OperationStatus{models.OperationFailed}})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = pending
	s.failed = failed
	s.mu.Unlock()
	s.metrics.SetPending(pending)
	return nil
}

// PendingCount returns the last counted number of unresolved operations.
func (s *Session) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// Status returns a snapshot for clients.
func (s *Session) Status() models.SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := models.SyncStatus{
		IsOnline:     s.online.Load(),
		IsSyncing:    s.syncing.Load(),
		PendingCount: s.pending,
		FailedCount:  s.failed,
		State:        s.state,
		LastError:    s.lastError,
		LastResult:   s.lastResult,
	}
	if !s.lastSyncAt.IsZero() {
		at := s.lastSyncAt
		status.LastSyncAt = &at
	}
	return status
}
