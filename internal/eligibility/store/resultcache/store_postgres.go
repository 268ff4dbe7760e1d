package resultcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/sentinel"
	txcontext "eligibility/pkg/platform/tx"
)

// PostgresStore persists entries in result_cache_entries.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entry models.CacheEntry) error {
	query := `
		INSERT INTO result_cache_entries (id, fingerprint, outcome, source, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		entry.ID,
		entry.Fingerprint,
		string(entry.Outcome),
		string(entry.Source),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	query := `
		SELECT id, fingerprint, outcome, source, created_at
		FROM result_cache_entries
		WHERE fingerprint = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var e models.CacheEntry
	var outcome, source string
	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(&e.ID, &e.Fingerprint, &outcome, &source, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cache entry not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find cache entry: %w", err)
	}
	e.Outcome = models.Status(outcome)
	e.Source = models.Source(source)
	return &e, nil
}
