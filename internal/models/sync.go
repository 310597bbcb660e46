package models

import "time"

// SyncTrigger identifies what started a sync cycle.
type SyncTrigger string

const (
	TriggerStart     SyncTrigger = "start"
	TriggerInterval  SyncTrigger = "interval"
	TriggerReconnect SyncTrigger = "reconnect"
	TriggerManual    SyncTrigger = "manual"
	TriggerTeardown  SyncTrigger = "teardown"
	TriggerImport    SyncTrigger = "import"
)

// SchedulerState is the observable scheduler state.
type SchedulerState string

const (
	SchedulerIdle    SchedulerState = "idle"
	SchedulerSyncing SchedulerState = "syncing"
	SchedulerError   SchedulerState = "error"
)

// EntityResult aggregates one entity type's outcome within a cycle.
type EntityResult struct {
	Entity   EntityType `json:"entity"`
	Pushed   int        `json:"pushed"`
	Failed   int        `json:"failed"`
	Pulled   int        `json:"pulled"`
	Inserted int        `json:"inserted"`
	Updated  int        `json:"updated"`
	Skipped  int        `json:"skipped"`
	Removed  int        `json:"removed"`
	Err      error      `json:"-"`
	Error    string     `json:"error,omitempty"`
}

// OK reports whether the entity synced with no failures.
func (r EntityResult) OK() bool {
	return r.Err == nil && r.Failed == 0
}

// CycleResult is returned by a full sync cycle.
type CycleResult struct {
	Trigger    SyncTrigger    `json:"trigger"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Entities   []EntityResult `json:"entities"`
}

// Succeeded reports whether every entity synced cleanly.
func (c CycleResult) Succeeded() bool {
	for _, e := range c.Entities {
		if !e.OK() {
			return false
		}
	}
	return true
}

// Partial reports whether some but not all entities synced cleanly.
func (c CycleResult) Partial() bool {
	ok, bad := 0, 0
	for _, e := range c.Entities {
		if e.OK() {
			ok++
		} else {
			bad++
		}
	}
	return ok > 0 && bad > 0
}

// Totals sums the per-entity counters.
func (c CycleResult) Totals() EntityResult {
	var total EntityResult
	for _, e := range c.Entities {
		total.Pushed += e.Pushed
		total.Failed += e.Failed
		total.Pulled += e.Pulled
		total.Inserted += e.Inserted
		total.Updated += e.Updated
		total.Skipped += e.Skipped
		total.Removed += e.Removed
	}
	return total
}

// SyncStatus is the snapshot exposed to clients.
type SyncStatus struct {
	IsOnline     bool           `json:"isOnline"`
	IsSyncing    bool           `json:"isSyncing"`
	PendingCount int            `json:"pendingCount"`
	FailedCount  int            `json:"failedCount"`
	State        SchedulerState `json:"state"`
	LastSyncAt   *time.Time     `json:"lastSyncAt,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	LastResult   *CycleResult   `json:"lastResult,omitempty"`
}

// SyncMetrics is a point-in-time summary of engine counters.
type SyncMetrics struct {
	Cycles          uint64    `json:"cycles"`
	CycleFailures   uint64    `json:"cycleFailures"`
	Pushes          uint64    `json:"pushes"`
	PushFailures    uint64    `json:"pushFailures"`
	Retries         uint64    `json:"retries"`
	Requests        uint64    `json:"requests"`
	LastCycleMillis float64   `json:"lastCycleMillis"`
	Goroutines      int       `json:"goroutines"`
	GeneratedAt     time.Time `json:"generatedAt"`
}
