package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-offline-sync/internal/models"
)

// OperationRepository is the operation log (sync queue).
type OperationRepository struct {
	db    *sqlx.DB
	clock *monotonicClock
}

// NewOperationRepository constructs the repository.
func NewOperationRepository(db *sqlx.DB) *OperationRepository {
	return &OperationRepository{db: db, clock: newMonotonicClock()}
}

type operationRow struct {
	ID        string `db:"id"`
	Operation string `db:"operation"`
	Entity    string `db:"entity"`
	EntityID  string `db:"entity_id"`
	Data      string `db:"data"`
	Status    string `db:"status"`
	Attempts  int    `db:"attempts"`
	Sent      int    `db:"sent"`
	LastError string `db:"last_error"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (row operationRow) toModel() (models.Operation, error) {
	status, err := models.ParseOperationStatus(row.Status)
	if err != nil {
		return models.Operation{}, fmt.Errorf("operation %s: %w", row.ID, err)
	}
	kind := models.OperationKind(row.Operation)
	if !kind.Valid() {
		return models.Operation{}, fmt.Errorf("operation %s: invalid kind %q", row.ID, row.Operation)
	}
	op := models.Operation{
		ID:        row.ID,
		Kind:      kind,
		Entity:    models.EntityType(row.Entity),
		EntityID:  row.EntityID,
		Status:    status,
		Attempts:  row.Attempts,
		Sent:      row.Sent != 0,
		LastError: row.LastError,
		CreatedAt: fromUnixNano(row.CreatedAt),
		UpdatedAt: fromUnixNano(row.UpdatedAt),
	}
	if row.Data != "" {
		op.Data = json.RawMessage(row.Data)
	}
	return op, nil
}

const operationColumns = `id, operation, entity, entity_id, data, status, attempts, sent, last_error, created_at, updated_at`

// Enqueue records a local mutation, collapsing it into the record's
// unresolved entry when one exists. An entry that is in flight is never
// modified; the mutation gets a fresh pending entry instead.
func (r *OperationRepository) Enqueue(ctx context.Context, kind models.OperationKind, entity models.EntityType, entityID string, data json.RawMessage) (*models.EnqueueResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("enqueue %s/%s: invalid operation %q", entity, entityID, kind)
	}
	if kind == models.OperationDelete {
		data = nil
	}

	existing, err := r.FindUnresolved(ctx, entity, entityID)
	if err != nil {
		return nil, err
	}
	now := r.clock.Next()

	if existing == nil {
		row := operationRow{
			ID:        uuid.NewString(),
			Operation: string(kind),
			Entity:    string(entity),
			EntityID:  entityID,
			Data:      string(data),
			Status:    string(models.OperationPending),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.insert(ctx, row); err != nil {
			return nil, err
		}
		op, err := row.toModel()
		if err != nil {
			return nil, err
		}
		return &models.EnqueueResult{Operation: &op}, nil
	}

	collapsed, drop := existing.Collapse(kind)
	if drop {
		if err := r.DequeueConfirmed(ctx, existing.ID); err != nil {
			return nil, err
		}
		return &models.EnqueueResult{Operation: existing, Dropped: true}, nil
	}

	createdAt := existing.CreatedAt.UnixNano()
	if collapsed != existing.Kind {
		createdAt = now
	}
	data = existing.CollapsedData(collapsed, data)

	q := executor(ctx, r.db)
	query := q.Rebind(`UPDATE sync_operations
SET operation = ?, data = ?, status = ?, attempts = 0, last_error = '', created_at = ?, updated_at = ?
WHERE id = ?`)
	if _, err := q.ExecContext(ctx, query, string(collapsed), string(data), string(models.OperationPending), createdAt, now, existing.ID); err != nil {
		return nil, fmt.Errorf("collapse operation %s: %w", existing.ID, err)
	}

	existing.Kind = collapsed
	existing.Data = data
	existing.Status = models.OperationPending
	existing.Attempts = 0
	existing.LastError = ""
	existing.CreatedAt = fromUnixNano(createdAt)
	existing.UpdatedAt = fromUnixNano(now)
	return &models.EnqueueResult{Operation: existing, Collapsed: true}, nil
}

func (r *OperationRepository) insert(ctx context.Context, row operationRow) error {
	q := executor(ctx, r.db)
	query := `INSERT INTO sync_operations (` + operationColumns + `)
VALUES (:id, :operation, :entity, :entity_id, :data, :status, :attempts, :sent, :last_error, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, q, query, row); err != nil {
		return fmt.Errorf("insert operation for %s/%s: %w", row.Entity, row.EntityID, err)
	}
	return nil
}

// FindUnresolved returns the record's pending or failed entry, or nil.
func (r *OperationRepository) FindUnresolved(ctx context.Context, entity models.EntityType, entityID string) (*models.Operation, error) {
	q := executor(ctx, r.db)
	query := q.Rebind(`SELECT ` + operationColumns + ` FROM sync_operations
WHERE entity = ? AND entity_id = ? AND status <> ?`)
	var row operationRow
	if err := sqlx.GetContext(ctx, q, &row, query, string(entity), entityID, string(models.OperationInFlight)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find operation for %s/%s: %w", entity, entityID, err)
	}
	op, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Get fetches one entry by id.
func (r *OperationRepository) Get(ctx context.Context, id string) (*models.Operation, error) {
	q := executor(ctx, r.db)
	var row operationRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+operationColumns+` FROM sync_operations WHERE id = ?`), id); err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	op, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// DequeueConfirmed removes an entry the server acknowledged.
func (r *OperationRepository) DequeueConfirmed(ctx context.Context, id string) error {
	q := executor(ctx, r.db)
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM sync_operations WHERE id = ?`), id); err != nil {
		return fmt.Errorf("dequeue operation %s: %w", id, err)
	}
	return nil
}

// List returns entries matching filter in FIFO order.
func (r *OperationRepository) List(ctx context.Context, filter models.OperationFilter) ([]models.Operation, error) {
	where, args, err := operationConditions(filter)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + operationColumns + ` FROM sync_operations` + where + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	q := executor(ctx, r.db)
	var rows []operationRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	ops := make([]models.Operation, 0, len(rows))
	for _, row := range rows {
		op, err := row.toModel()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Count returns the number of entries matching filter.
func (r *OperationRepository) Count(ctx context.Context, filter models.OperationFilter) (int, error) {
	where, args, err := operationConditions(filter)
	if err != nil {
		return 0, err
	}
	q := executor(ctx, r.db)
	var count int
	if err := sqlx.GetContext(ctx, q, &count, q.Rebind(`SELECT COUNT(*) FROM sync_operations`+where), args...); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

func operationConditions(filter models.OperationFilter) (string, []interface{}, error) {
	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 3)
	if filter.Entity != "" {
		conditions = append(conditions, "entity = ?")
		args = append(args, string(filter.Entity))
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		clause, inArgs, err := sqlx.In("status IN (?)", statuses)
		if err != nil {
			return "", nil, fmt.Errorf("build status filter: %w", err)
		}
		conditions = append(conditions, clause)
		args = append(args, inArgs...)
	}
	if len(conditions) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

// MarkInFlight claims an entry for delivery and flags it as sent.
func (r *OperationRepository) MarkInFlight(ctx context.Context, id string) error {
	q := executor(ctx, r.db)
	res, err := q.ExecContext(ctx, q.Rebind(`UPDATE sync_operations SET status = ?, sent = 1, updated_at = ? WHERE id = ?`),
		string(models.OperationInFlight), r.clock.Next(), id)
	if err != nil {
		return fmt.Errorf("mark operation %s %s: %w", id, models.OperationInFlight, err)
	}
	return expectAffected(res, fmt.Sprintf("mark operation %s %s", id, models.OperationInFlight))
}

// MarkPending returns an entry to the queue untouched otherwise.
func (r *OperationRepository) MarkPending(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, models.OperationPending)
}

func (r *OperationRepository) setStatus(ctx context.Context, id string, status models.OperationStatus) error {
	q := executor(ctx, r.db)
	res, err := q.ExecContext(ctx, q.Rebind(`UPDATE sync_operations SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), r.clock.Next(), id)
	if err != nil {
		return fmt.Errorf("mark operation %s %s: %w", id, status, err)
	}
	return expectAffected(res, fmt.Sprintf("mark operation %s %s", id, status))
}

// MarkFailed keeps an undelivered entry for a later cycle, adding attempts
// to its delivery count.
func (r *OperationRepository) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	q := executor(ctx, r.db)
	res, err := q.ExecContext(ctx,
		q.Rebind(`UPDATE sync_operations SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = ? WHERE id = ?`),
		string(models.OperationFailed), attempts, lastError, r.clock.Next(), id)
	if err != nil {
		return fmt.Errorf("mark operation %s failed: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("mark operation %s failed", id))
}

// RetryFailed moves failed entries back to pending, optionally for one
// entity type, and returns how many were reset.
func (r *OperationRepository) RetryFailed(ctx context.Context, entity models.EntityType) (int, error) {
	query := `UPDATE sync_operations SET status = ?, attempts = 0, last_error = '', updated_at = ? WHERE status = ?`
	args := []interface{}{string(models.OperationPending), r.clock.Next(), string(models.OperationFailed)}
	if entity != "" {
		query += ` AND entity = ?`
		args = append(args, string(entity))
	}
	q := executor(ctx, r.db)
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry failed operations: %w", err)
	}
	return int(n), nil
}

// Absorb folds an unconfirmed in-flight entry into its pending successor and
// removes it. The successor inherits the sent flag, so a create that went
// out is never cancelled; dropped is true only when the two cancel out and
// the caller removes the record.
func (r *OperationRepository) Absorb(ctx context.Context, predecessor, successor *models.Operation) (dropped bool, err error) {
	inflight := *predecessor
	inflight.Sent = true
	kind, drop := inflight.Collapse(successor.Kind)
	if drop {
		if err := r.DequeueConfirmed(ctx, successor.ID); err != nil {
			return false, err
		}
		return true, r.DequeueConfirmed(ctx, predecessor.ID)
	}

	createdAt := successor.CreatedAt
	if kind == predecessor.Kind && predecessor.CreatedAt.Before(createdAt) {
		createdAt = predecessor.CreatedAt
	}
	data := inflight.CollapsedData(kind, successor.Data)

	q := executor(ctx, r.db)
	if _, err := q.ExecContext(ctx,
		q.Rebind(`UPDATE sync_operations SET operation = ?, data = ?, sent = 1, created_at = ?, updated_at = ? WHERE id = ?`),
		string(kind), string(data), createdAt.UnixNano(), r.clock.Next(), successor.ID); err != nil {
		return false, fmt.Errorf("absorb operation %s: %w", predecessor.ID, err)
	}
	successor.Kind = kind
	successor.Data = data
	successor.Sent = true
	successor.CreatedAt = createdAt
	return false, r.DequeueConfirmed(ctx, predecessor.ID)
}

// RewriteEntityID points entries for a re-keyed record at its new id.
func (r *OperationRepository) RewriteEntityID(ctx context.Context, entity models.EntityType, oldID, newID string) error {
	q := executor(ctx, r.db)
	if _, err := q.ExecContext(ctx, q.Rebind(`UPDATE sync_operations SET entity_id = ? WHERE entity = ? AND entity_id = ?`),
		newID, string(entity), oldID); err != nil {
		return fmt.Errorf("rekey operations for %s/%s: %w", entity, oldID, err)
	}
	return nil
}

// RewriteReferences replaces oldID with newID inside queued payloads.
func (r *OperationRepository) RewriteReferences(ctx context.Context, oldID, newID string) (int, error) {
	q := executor(ctx, r.db)
	var rows []operationRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		q.Rebind(`SELECT `+operationColumns+` FROM sync_operations WHERE data LIKE ?`), likeQuoted(oldID)); err != nil {
		return 0, fmt.Errorf("find queued references to %s: %w", oldID, err)
	}

	updated := 0
	for _, row := range rows {
		rewritten, changed, err := models.ReplaceStringValues(json.RawMessage(row.Data), oldID, newID)
		if err != nil {
			return updated, fmt.Errorf("rewrite operation %s: %w", row.ID, err)
		}
		if !changed {
			continue
		}
		if _, err := q.ExecContext(ctx, q.Rebind(`UPDATE sync_operations SET data = ? WHERE id = ?`), string(rewritten), row.ID); err != nil {
			return updated, fmt.Errorf("rewrite operation %s: %w", row.ID, err)
		}
		updated++
	}
	return updated, nil
}
