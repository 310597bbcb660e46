package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-offline-sync/internal/models"
)

// RecordRepository is the local record store. All entity types share one
// table keyed by (entity, id).
type RecordRepository struct {
	db    *sqlx.DB
	clock *monotonicClock
}

// NewRecordRepository constructs the repository.
func NewRecordRepository(db *sqlx.DB) *RecordRepository {
	return &RecordRepository{db: db, clock: newMonotonicClock()}
}

type recordRow struct {
	Entity       string `db:"entity"`
	ID           string `db:"id"`
	Status       string `db:"status"`
	Payload      string `db:"payload"`
	LastModified int64  `db:"last_modified"`
}

func (row recordRow) toModel() (models.Record, error) {
	status, err := models.ParseRecordStatus(row.Status)
	if err != nil {
		return models.Record{}, fmt.Errorf("record %s/%s: %w", row.Entity, row.ID, err)
	}
	payload := row.Payload
	if payload == "" {
		payload = "{}"
	}
	return models.Record{
		ID:           row.ID,
		Entity:       models.EntityType(row.Entity),
		Status:       status,
		Payload:      json.RawMessage(payload),
		LastModified: fromUnixNano(row.LastModified),
	}, nil
}

func toRecords(rows []recordRow) ([]models.Record, error) {
	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

const recordColumns = `entity, id, status, payload, last_modified`

// GetAll returns the entity's records, hiding soft-deleted ones unless
// includeDeleted is set.
func (r *RecordRepository) GetAll(ctx context.Context, entity models.EntityType, includeDeleted bool) ([]models.Record, error) {
	q := executor(ctx, r.db)
	query := `SELECT ` + recordColumns + ` FROM records WHERE entity = ?`
	args := []interface{}{string(entity)}
	if !includeDeleted {
		query += ` AND status <> ?`
		args = append(args, models.StatusPendingDeletion.Code())
	}
	query += ` ORDER BY last_modified, id`

	var rows []recordRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list %s records: %w", entity, err)
	}
	return toRecords(rows)
}

// Get fetches one record regardless of status. Missing records return an
// error wrapping sql.ErrNoRows.
func (r *RecordRepository) Get(ctx context.Context, entity models.EntityType, id string) (*models.Record, error) {
	q := executor(ctx, r.db)
	query := q.Rebind(`SELECT ` + recordColumns + ` FROM records WHERE entity = ? AND id = ?`)
	var row recordRow
	if err := sqlx.GetContext(ctx, q, &row, query, string(entity), id); err != nil {
		return nil, fmt.Errorf("get %s record %s: %w", entity, id, err)
	}
	rec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert inserts or replaces rec by id and stamps LastModified. The stored
// timestamp never goes backwards for a given record.
func (r *RecordRepository) Upsert(ctx context.Context, rec *models.Record) error {
	if rec.Status.Code() == "" {
		return fmt.Errorf("upsert %s record %s: invalid status", rec.Entity, rec.ID)
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}

	q := executor(ctx, r.db)
	query := q.Rebind(`INSERT INTO records (entity, id, status, payload, last_modified)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (entity, id)
DO UPDATE SET status = excluded.status, payload = excluded.payload,
	last_modified = CASE WHEN excluded.last_modified > records.last_modified
		THEN excluded.last_modified ELSE records.last_modified + 1 END
RETURNING last_modified`)

	var stamped int64
	if err := sqlx.GetContext(ctx, q, &stamped, query,
		string(rec.Entity), rec.ID, rec.Status.Code(), payload, r.clock.Next()); err != nil {
		return fmt.Errorf("upsert %s record %s: %w", rec.Entity, rec.ID, err)
	}
	rec.LastModified = fromUnixNano(stamped)
	return nil
}

// ApplyRemote stores a server version as Synced unless the local copy has an
// unconfirmed change. It reports whether the row was written; the status
// check and the write are one statement so a concurrent local edit wins.
func (r *RecordRepository) ApplyRemote(ctx context.Context, rec *models.Record) (bool, error) {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}
	synced := models.StatusSynced.Code()

	q := executor(ctx, r.db)
	query := q.Rebind(`INSERT INTO records (entity, id, status, payload, last_modified)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (entity, id)
DO UPDATE SET payload = excluded.payload,
	last_modified = CASE WHEN excluded.last_modified > records.last_modified
		THEN excluded.last_modified ELSE records.last_modified + 1 END
WHERE records.status = ?
RETURNING last_modified`)

	var stamped int64
	err := sqlx.GetContext(ctx, q, &stamped, query,
		string(rec.Entity), rec.ID, synced, payload, r.clock.Next(), synced)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply remote %s record %s: %w", rec.Entity, rec.ID, err)
	}
	rec.Status = models.StatusSynced
	rec.LastModified = fromUnixNano(stamped)
	return true, nil
}

// DeleteSynced removes a record only while it has no local change and
// reports whether a row was removed.
func (r *RecordRepository) DeleteSynced(ctx context.Context, entity models.EntityType, id string) (bool, error) {
	q := executor(ctx, r.db)
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM records WHERE entity = ? AND id = ? AND status = ?`),
		string(entity), id, models.StatusSynced.Code())
	if err != nil {
		return false, fmt.Errorf("delete synced %s record %s: %w", entity, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete synced %s record %s: %w", entity, id, err)
	}
	return n > 0, nil
}

// MarkStatus transitions one record's status.
func (r *RecordRepository) MarkStatus(ctx context.Context, entity models.EntityType, id string, status models.RecordStatus) error {
	if status.Code() == "" {
		return fmt.Errorf("mark %s record %s: invalid status", entity, id)
	}
	q := executor(ctx, r.db)
	res, err := q.ExecContext(ctx, q.Rebind(`UPDATE records SET status = ? WHERE entity = ? AND id = ?`),
		status.Code(), string(entity), id)
	if err != nil {
		return fmt.Errorf("mark %s record %s: %w", entity, id, err)
	}
	return expectAffected(res, fmt.Sprintf("mark %s record %s", entity, id))
}

// GetByStatus lists the entity's records in any of the given statuses.
func (r *RecordRepository) GetByStatus(ctx context.Context, entity models.EntityType, statuses ...models.RecordStatus) ([]models.Record, error) {
	if len(statuses) == 0 {
		return []models.Record{}, nil
	}
	codes := make([]string, len(statuses))
	for i, s := range statuses {
		codes[i] = s.Code()
	}
	query, args, err := sqlx.In(`SELECT `+recordColumns+` FROM records WHERE entity = ? AND status IN (?) ORDER BY last_modified, id`,
		string(entity), codes)
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}

	q := executor(ctx, r.db)
	var rows []recordRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list %s records by status: %w", entity, err)
	}
	return toRecords(rows)
}

// Delete physically removes a record. Deleting a missing record is not an error.
func (r *RecordRepository) Delete(ctx context.Context, entity models.EntityType, id string) error {
	q := executor(ctx, r.db)
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM records WHERE entity = ? AND id = ?`), string(entity), id); err != nil {
		return fmt.Errorf("delete %s record %s: %w", entity, id, err)
	}
	return nil
}

// Count returns the number of stored records of any status.
func (r *RecordRepository) Count(ctx context.Context, entity models.EntityType) (int, error) {
	q := executor(ctx, r.db)
	var count int
	if err := sqlx.GetContext(ctx, q, &count, q.Rebind(`SELECT COUNT(*) FROM records WHERE entity = ?`), string(entity)); err != nil {
		return 0, fmt.Errorf("count %s records: %w", entity, err)
	}
	return count, nil
}

// ReplaceID re-keys a record from oldID to newID and sets the payload id.
// A row already stored under newID is replaced.
func (r *RecordRepository) ReplaceID(ctx context.Context, entity models.EntityType, oldID, newID string) error {
	rec, err := r.Get(ctx, entity, oldID)
	if err != nil {
		return err
	}
	payload, err := models.WithID(rec.Payload, newID)
	if err != nil {
		return fmt.Errorf("rekey %s record %s: %w", entity, oldID, err)
	}

	q := executor(ctx, r.db)
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM records WHERE entity = ? AND id = ?`), string(entity), newID); err != nil {
		return fmt.Errorf("rekey %s record %s: %w", entity, oldID, err)
	}
	res, err := q.ExecContext(ctx, q.Rebind(`UPDATE records SET id = ?, payload = ? WHERE entity = ? AND id = ?`),
		newID, string(payload), string(entity), oldID)
	if err != nil {
		return fmt.Errorf("rekey %s record %s: %w", entity, oldID, err)
	}
	return expectAffected(res, fmt.Sprintf("rekey %s record %s", entity, oldID))
}

// RewriteReferences replaces every payload string equal to oldID with newID
// across all entity types, so foreign keys follow a re-keyed record.
func (r *RecordRepository) RewriteReferences(ctx context.Context, oldID, newID string) (int, error) {
	q := executor(ctx, r.db)
	var rows []recordRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		q.Rebind(`SELECT `+recordColumns+` FROM records WHERE payload LIKE ?`), likeQuoted(oldID)); err != nil {
		return 0, fmt.Errorf("find references to %s: %w", oldID, err)
	}

	updated := 0
	for _, row := range rows {
		rewritten, changed, err := models.ReplaceStringValues(json.RawMessage(row.Payload), oldID, newID)
		if err != nil {
			return updated, fmt.Errorf("rewrite %s record %s: %w", row.Entity, row.ID, err)
		}
		if !changed {
			continue
		}
		if _, err := q.ExecContext(ctx, q.Rebind(`UPDATE records SET payload = ? WHERE entity = ? AND id = ?`),
			string(rewritten), row.Entity, row.ID); err != nil {
			return updated, fmt.Errorf("rewrite %s record %s: %w", row.Entity, row.ID, err)
		}
		updated++
	}
	return updated, nil
}

// likeQuoted prefilters payloads containing value as a JSON string. LIKE
// wildcards in value only widen the match; the rewrite itself is exact.
func likeQuoted(value string) string {
	return `%"` + value + `"%`
}

func expectAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}
