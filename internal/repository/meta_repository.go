package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// MetaRepository keeps small agent settings that outlive a process, such as
// the user the local store was last imported for.
type MetaRepository struct {
	db *sqlx.DB
}

// NewMetaRepository constructs the repository.
func NewMetaRepository(db *sqlx.DB) *MetaRepository {
	return &MetaRepository{db: db}
}

// Get returns the stored value, or "" when key was never set.
func (r *MetaRepository) Get(ctx context.Context, key string) (string, error) {
	q := executor(ctx, r.db)
	var value string
	if err := sqlx.GetContext(ctx, q, &value, q.Rebind(`SELECT value FROM sync_meta WHERE key = ?`), key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (r *MetaRepository) Set(ctx context.Context, key, value string) error {
	q := executor(ctx, r.db)
	query := q.Rebind(`INSERT INTO sync_meta (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	if _, err := q.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
