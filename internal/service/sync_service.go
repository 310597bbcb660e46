package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	appErrors "github.com/noah-isme/sma-offline-sync/pkg/errors"
	"github.com/noah-isme/sma-offline-sync/pkg/remote"
	"github.com/noah-isme/sma-offline-sync/pkg/retry"
)

type syncRecordStore interface {
	GetAll(ctx context.Context, entity models.EntityType, includeDeleted bool) ([]models.Record, error)
	Upsert(ctx context.Context, rec *models.Record) error
	ApplyRemote(ctx context.Context, rec *models.Record) (bool, error)
	MarkStatus(ctx context.Context, entity models.EntityType, id string, status models.RecordStatus) error
	Delete(ctx context.Context, entity models.EntityType, id string) error
	DeleteSynced(ctx context.Context, entity models.EntityType, id string) (bool, error)
	Count(ctx context.Context, entity models.EntityType) (int, error)
	ReplaceID(ctx context.Context, entity models.EntityType, oldID, newID string) error
	RewriteReferences(ctx context.Context, oldID, newID string) (int, error)
}

type syncOperationLog interface {
	List(ctx context.Context, filter models.OperationFilter) ([]models.Operation, error)
	FindUnresolved(ctx context.Context, entity models.EntityType, entityID string) (*models.Operation, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	DequeueConfirmed(ctx context.Context, id string) error
	Absorb(ctx context.Context, predecessor, successor *models.Operation) (bool, error)
	RetryFailed(ctx context.Context, entity models.EntityType) (int, error)
	RewriteEntityID(ctx context.Context, entity models.EntityType, oldID, newID string) error
	RewriteReferences(ctx context.Context, oldID, newID string) (int, error)
}

type syncMetaStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type userSource interface {
	UserID() string
}

// importedUserKey holds the user the local store was last imported for.
const importedUserKey = "imported_user"

// RemoteStore is the authoritative server, one collection per entity type.
type RemoteStore interface {
	List(ctx context.Context, entity string) ([]json.RawMessage, error)
	// Create posts a new record; key identifies it across replays.
	Create(ctx context.Context, entity, key string, doc json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, entity, id string, doc json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, entity, id string) error
}

// SyncServiceConfig tunes a SyncService.
type SyncServiceConfig struct {
	Entities []models.EntityType
	Retry    retry.Options
	// RedrivePasses re-runs retryable push failures within the same cycle.
	RedrivePasses int
}

// SyncService reconciles the local store with the server: push queued
// operations, pull each collection, merge it locally.
type SyncService struct {
	records syncRecordStore
	ops     syncOperationLog
	remote  RemoteStore
	tx      transactor
	metrics *MetricsService
	logger  *zap.Logger
	cfg     SyncServiceConfig
	now     func() time.Time
	meta    syncMetaStore
	users   userSource
}

// SyncServiceOption customises a SyncService.
type SyncServiceOption func(*SyncService)

// WithImportScope ties the initial import to the signed-in user: a user
// other than the one last imported for triggers a fresh import.
func WithImportScope(meta syncMetaStore, users userSource) SyncServiceOption {
	return func(s *SyncService) {
		s.meta = meta
		s.users = users
	}
}

// NewSyncService constructs the service.
func NewSyncService(records syncRecordStore, ops syncOperationLog, remoteStore RemoteStore, tx transactor, metrics *MetricsService, logger *zap.Logger, cfg SyncServiceConfig, opts ...SyncServiceOption) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Entities) == 0 {
		cfg.Entities = models.AllEntityTypes()
	}
	if cfg.RedrivePasses < 0 {
		cfg.RedrivePasses = 0
	}
	s := &SyncService{
		records: records,
		ops:     ops,
		remote:  remoteStore,
		tx:      tx,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Entities returns the synchronised entity types in cycle order.
func (s *SyncService) Entities() []models.EntityType {
	out := make([]models.EntityType, len(s.cfg.Entities))
	copy(out, s.cfg.Entities)
	return out
}

// SyncAll runs one full cycle over every entity type. A failing type never
// stops the others; the result carries per-type outcomes.
func (s *SyncService) SyncAll(ctx context.Context, trigger models.SyncTrigger) models.CycleResult {
	result := models.CycleResult{Trigger: trigger, StartedAt: s.now().UTC()}
	for _, entity := range s.cfg.Entities {
		result.Entities = append(result.Entities, s.SyncEntity(ctx, entity))
	}
	result.FinishedAt = s.now().UTC()
	s.metrics.ObserveCycle(result)

	totals := result.Totals()
	s.logger.Info("sync cycle finished",
		zap.String("trigger", string(trigger)),
		zap.Bool("succeeded", result.Succeeded()),
		zap.Bool("partial", result.Partial()),
		zap.Int("pushed", totals.Pushed),
		zap.Int("failed", totals.Failed),
		zap.Int("pulled", totals.Pulled),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result
}

// SyncEntity pushes, pulls and merges one entity type.
func (s *SyncService) SyncEntity(ctx context.Context, entity models.EntityType) models.EntityResult {
	res := models.EntityResult{Entity: entity}

	pushed, failed, err := s.Push(ctx, entity)
	res.Pushed, res.Failed = pushed, failed
	if err != nil {
		res.Err = err
	}

	if err := s.pullAndMerge(ctx, entity, &res); err != nil {
		res.Err = errors.Join(res.Err, err)
	}

	if res.Err != nil {
		res.Error = res.Err.Error()
		s.logger.Warn("entity sync incomplete", zap.String("entity", string(entity)), zap.Error(res.Err))
	}
	return res
}

func (s *SyncService) pullAndMerge(ctx context.Context, entity models.EntityType, res *models.EntityResult) error {
	docs, err := s.Pull(ctx, entity)
	if err != nil {
		return err
	}
	res.Pulled = len(docs)
	stats, err := s.Merge(ctx, entity, docs)
	res.Inserted, res.Updated, res.Skipped, res.Removed = stats.Inserted, stats.Updated, stats.Skipped, stats.Removed
	return err
}

func (s *SyncService) retryOptions(entity models.EntityType, op string) retry.Options {
	opts := s.cfg.Retry
	userHook := opts.OnRetry
	opts.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.metrics.ObserveRetry(entity)
		s.logger.Debug("retrying remote call",
			zap.String("entity", string(entity)),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if userHook != nil {
			userHook(attempt, delay, err)
		}
	}
	return opts
}

// Push delivers the entity's pending and failed operations captured at call
// time, oldest first. Entries added while it runs wait for the next cycle.
func (s *SyncService) Push(ctx context.Context, entity models.EntityType) (pushed, failed int, err error) {
	ops, err := s.ops.List(ctx, models.OperationFilter{
		Entity:   entity,
		Statuses: []models.OperationStatus{models.OperationPending, models.OperationFailed},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("capture %s operations: %w", entity, err)
	}
	if len(ops) == 0 {
		return 0, 0, nil
	}

	batch := make([]*models.Operation, len(ops))
	for i := range ops {
		batch[i] = &ops[i]
	}

	handler := retry.NewBatchHandler[*models.Operation](s.retryOptions(entity, "push"))
	res := handler.Run(ctx, batch, s.deliver)
	for pass := 0; pass < s.cfg.RedrivePasses && res.Failed > 0; pass++ {
		redriven := handler.RetryFailed(ctx, s.deliver)
		res.Succeeded += redriven.Succeeded
		res.Failed = redriven.Failed
	}

	for _, f := range handler.Failures() {
		s.metrics.ObservePush(entity, f.Item.Kind, false)
		s.logger.Warn("operation delivery failed",
			zap.String("entity", string(entity)),
			zap.String("entity_id", f.Item.EntityID),
			zap.String("operation", string(f.Item.Kind)),
			zap.Int("attempts", f.Attempts),
			zap.Bool("retryable", retry.Retryable(f.Err)),
			zap.Error(f.Err),
		)
		if err := s.fail(ctx, f.Item, f.Attempts, f.Err); err != nil {
			return res.Succeeded, len(handler.Failures()), fmt.Errorf("record failed %s operation %s: %w", entity, f.Item.ID, err)
		}
	}
	return res.Succeeded, len(handler.Failures()), nil
}

// deliver sends one operation and settles it locally. Local bookkeeping
// errors are permanent so a delivered call is never repeated by the retry
// loop.
func (s *SyncService) deliver(ctx context.Context, op *models.Operation) error {
	replay := op.Sent
	if err := s.ops.MarkInFlight(ctx, op.ID); err != nil {
		return retry.Permanent(err)
	}
	op.Status = models.OperationInFlight
	op.Sent = true

	entity := string(op.Entity)
	switch op.Kind {
	case models.OperationCreate:
		doc, err := models.WithID(op.Data, op.EntityID)
		if err != nil {
			return retry.Permanent(err)
		}
		canonical, err := s.remote.Create(ctx, entity, op.EntityID, doc)
		if err != nil {
			// A replayed create the server already holds under the client id.
			if !replay || !remote.IsConflict(err) {
				return err
			}
			canonical = nil
		}
		if err := s.confirmWrite(ctx, op, canonical); err != nil {
			return retry.Permanent(err)
		}
	case models.OperationUpdate:
		doc, err := models.WithID(op.Data, op.EntityID)
		if err != nil {
			return retry.Permanent(err)
		}
		canonical, err := s.remote.Update(ctx, entity, op.EntityID, doc)
		if err != nil {
			return err
		}
		if err := s.confirmWrite(ctx, op, canonical); err != nil {
			return retry.Permanent(err)
		}
	case models.OperationDelete:
		target := op.EntityID
		if op.UnconfirmedCreate() {
			resolved, err := s.resolveCreated(ctx, op)
			if err != nil {
				return err
			}
			target = resolved
		}
		if err := s.remote.Delete(ctx, entity, target); err != nil && !remote.IsNotFound(err) {
			return err
		}
		if err := s.confirmDelete(ctx, op, target); err != nil {
			return retry.Permanent(err)
		}
	default:
		return retry.Permanent(fmt.Errorf("unknown operation %q", op.Kind))
	}

	s.metrics.ObservePush(op.Entity, op.Kind, true)
	return nil
}

// confirmWrite settles an acknowledged create or update. The server's
// canonical document replaces the local one unless a newer local change is
// already queued for the record.
func (s *SyncService) confirmWrite(ctx context.Context, op *models.Operation, canonical json.RawMessage) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		id := op.EntityID
		if serverID := models.ExtractID(canonical); op.Kind == models.OperationCreate && serverID != "" && serverID != id {
			if err := s.reconcileID(ctx, op.Entity, id, serverID); err != nil {
				return err
			}
			id = serverID
		}

		successor, err := s.ops.FindUnresolved(ctx, op.Entity, id)
		if err != nil {
			return err
		}
		if successor == nil {
			if err := s.markSynced(ctx, op.Entity, id, canonical); err != nil {
				return err
			}
		}
		return s.ops.DequeueConfirmed(ctx, op.ID)
	})
}

// markSynced adopts the server's response only when it is the record's own
// document; acknowledgements without it just settle the status.
func (s *SyncService) markSynced(ctx context.Context, entity models.EntityType, id string, canonical json.RawMessage) error {
	if models.ExtractID(canonical) == id {
		if doc, err := models.WithID(canonical, id); err == nil {
			return s.records.Upsert(ctx, &models.Record{ID: id, Entity: entity, Status: models.StatusSynced, Payload: doc})
		}
	}
	return s.records.MarkStatus(ctx, entity, id, models.StatusSynced)
}

// resolveCreated finds the server id of a create that may have been applied
// without an acknowledgement. The create is replayed under the same
// idempotency key; the server answers with the record it already holds, or
// creates it so the delete that follows leaves nothing behind.
func (s *SyncService) resolveCreated(ctx context.Context, op *models.Operation) (string, error) {
	doc, err := models.WithID(op.Data, op.EntityID)
	if err != nil {
		return "", retry.Permanent(err)
	}
	canonical, err := s.remote.Create(ctx, string(op.Entity), op.EntityID, doc)
	if remote.IsConflict(err) {
		return op.EntityID, nil
	}
	if err != nil {
		return "", err
	}
	if id := models.ExtractID(canonical); id != "" {
		return id, nil
	}
	return op.EntityID, nil
}

// confirmDelete removes the tombstone once the server has no record. target
// is the server id, which differs from the local one when the record's
// create was never acknowledged; a pulled copy under it goes too.
func (s *SyncService) confirmDelete(ctx context.Context, op *models.Operation, target string) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		successor, err := s.ops.FindUnresolved(ctx, op.Entity, op.EntityID)
		if err != nil {
			return err
		}
		if successor == nil {
			if err := s.records.Delete(ctx, op.Entity, op.EntityID); err != nil {
				return err
			}
		}
		if target != op.EntityID {
			if _, err := s.records.DeleteSynced(ctx, op.Entity, target); err != nil {
				return err
			}
		}
		return s.ops.DequeueConfirmed(ctx, op.ID)
	})
}

// fail keeps an undelivered operation for a later cycle. If the record was
// changed again meanwhile, the newer entry absorbs it instead.
func (s *SyncService) fail(ctx context.Context, op *models.Operation, attempts int, cause error) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		successor, err := s.ops.FindUnresolved(ctx, op.Entity, op.EntityID)
		if err != nil {
			return err
		}
		if successor != nil {
			dropped, err := s.ops.Absorb(ctx, op, successor)
			if err != nil {
				return err
			}
			if dropped {
				return s.records.Delete(ctx, op.Entity, op.EntityID)
			}
			return nil
		}
		return s.ops.MarkFailed(ctx, op.ID, attempts, cause.Error())
	})
}

// reconcileID adopts a server-assigned id: the record is re-keyed and every
// local reference to the old id, stored or queued, is rewritten.
func (s *SyncService) reconcileID(ctx context.Context, entity models.EntityType, oldID, newID string) error {
	if err := s.records.ReplaceID(ctx, entity, oldID, newID); err != nil {
		return err
	}
	refs, err := s.records.RewriteReferences(ctx, oldID, newID)
	if err != nil {
		return err
	}
	if err := s.ops.RewriteEntityID(ctx, entity, oldID, newID); err != nil {
		return err
	}
	queued, err := s.ops.RewriteReferences(ctx, oldID, newID)
	if err != nil {
		return err
	}
	s.logger.Info("adopted server id",
		zap.String("entity", string(entity)),
		zap.String("local_id", oldID),
		zap.String("server_id", newID),
		zap.Int("records_rewritten", refs),
		zap.Int("operations_rewritten", queued),
	)
	return nil
}

// Pull fetches the entity's authoritative collection through the retry
// handler.
func (s *SyncService) Pull(ctx context.Context, entity models.EntityType) ([]json.RawMessage, error) {
	docs, err := retry.DoValue(ctx, func(ctx context.Context) ([]json.RawMessage, error) {
		return s.remote.List(ctx, string(entity))
	}, s.retryOptions(entity, "pull"))
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", entity, err)
	}
	return docs, nil
}

// MergeStats counts what a merge did.
type MergeStats struct {
	Inserted int
	Updated  int
	Skipped  int
	Removed  int
}

// Merge applies a pulled collection. Records with local changes keep them;
// clean records take the server version; clean records the server no
// longer has are removed.
func (s *SyncService) Merge(ctx context.Context, entity models.EntityType, docs []json.RawMessage) (MergeStats, error) {
	var stats MergeStats
	local, err := s.records.GetAll(ctx, entity, true)
	if err != nil {
		return stats, fmt.Errorf("read local %s: %w", entity, err)
	}
	byID := make(map[string]models.Record, len(local))
	for _, rec := range local {
		byID[rec.ID] = rec
	}

	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		id := models.ExtractID(doc)
		if id == "" {
			stats.Skipped++
			s.logger.Warn("remote document without id", zap.String("entity", string(entity)))
			continue
		}
		seen[id] = struct{}{}

		existing, known := byID[id]
		if known && existing.Status.Dirty() {
			stats.Skipped++
			continue
		}
		payload, err := models.WithID(doc, id)
		if err != nil {
			stats.Skipped++
			s.logger.Warn("remote document is not an object", zap.String("entity", string(entity)), zap.String("id", id))
			continue
		}
		if known && models.PayloadEqual(existing.Payload, payload) {
			continue
		}

		applied, err := s.records.ApplyRemote(ctx, &models.Record{ID: id, Entity: entity, Payload: payload})
		if err != nil {
			return stats, err
		}
		switch {
		case !applied:
			stats.Skipped++
		case known:
			stats.Updated++
		default:
			stats.Inserted++
		}
	}

	for _, rec := range local {
		if _, ok := seen[rec.ID]; ok || rec.Status != models.StatusSynced {
			continue
		}
		removed, err := s.records.DeleteSynced(ctx, entity, rec.ID)
		if err != nil {
			return stats, err
		}
		if removed {
			stats.Removed++
		}
	}
	return stats, nil
}

// NeedsImport reports whether every synchronised entity type is empty
// locally, or the signed-in user differs from the one last imported for.
func (s *SyncService) NeedsImport(ctx context.Context) (bool, error) {
	if user := s.currentUser(); user != "" {
		last, err := s.meta.Get(ctx, importedUserKey)
		if err != nil {
			return false, err
		}
		if last != user {
			return true, nil
		}
	}
	for _, entity := range s.cfg.Entities {
		n, err := s.records.Count(ctx, entity)
		if err != nil {
			return false, fmt.Errorf("count %s: %w", entity, err)
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Import seeds the local store with each entity's full server collection.
// It never pushes.
func (s *SyncService) Import(ctx context.Context) models.CycleResult {
	result := models.CycleResult{Trigger: models.TriggerImport, StartedAt: s.now().UTC()}
	for _, entity := range s.cfg.Entities {
		res := models.EntityResult{Entity: entity}
		if err := s.pullAndMerge(ctx, entity, &res); err != nil {
			res.Err = err
			res.Error = err.Error()
		}
		result.Entities = append(result.Entities, res)
	}
	result.FinishedAt = s.now().UTC()
	if user := s.currentUser(); user != "" && result.Succeeded() {
		if err := s.meta.Set(ctx, importedUserKey, user); err != nil {
			s.logger.Warn("failed to record imported user", zap.Error(err))
		}
	}
	s.metrics.ObserveCycle(result)
	s.logger.Info("initial import finished",
		zap.Bool("succeeded", result.Succeeded()),
		zap.Int("pulled", result.Totals().Pulled),
	)
	return result
}

func (s *SyncService) currentUser() string {
	if s.meta == nil || s.users == nil {
		return ""
	}
	return s.users.UserID()
}

// RecoverInFlight returns entries left in flight by a previous process to
// the queue. It must run before the first cycle.
func (s *SyncService) RecoverInFlight(ctx context.Context) (int, error) {
	stuck, err := s.ops.List(ctx, models.OperationFilter{Statuses: []models.OperationStatus{models.OperationInFlight}})
	if err != nil {
		return 0, fmt.Errorf("list in-flight operations: %w", err)
	}
	for i := range stuck {
		op := &stuck[i]
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			successor, err := s.ops.FindUnresolved(ctx, op.Entity, op.EntityID)
			if err != nil {
				return err
			}
			if successor == nil {
				return s.ops.MarkPending(ctx, op.ID)
			}
			dropped, err := s.ops.Absorb(ctx, op, successor)
			if err != nil {
				return err
			}
			if dropped {
				return s.records.Delete(ctx, op.Entity, op.EntityID)
			}
			return nil
		})
		if err != nil {
			return i, fmt.Errorf("recover operation %s: %w", op.ID, err)
		}
	}
	if len(stuck) > 0 {
		s.logger.Info("recovered in-flight operations", zap.Int("count", len(stuck)))
	}
	return len(stuck), nil
}

// RetryFailed requeues failed operations, optionally for one entity type.
func (s *SyncService) RetryFailed(ctx context.Context, entity models.EntityType) (int, error) {
	return s.ops.RetryFailed(ctx, entity)
}

// Operations lists operation log entries in delivery order.
func (s *SyncService) Operations(ctx context.Context, filter models.OperationFilter) ([]models.Operation, error) {
	ops, err := s.ops.List(ctx, filter)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrStorage, err, "failed to read operation log")
	}
	return ops, nil
}
