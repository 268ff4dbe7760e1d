package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/sentinel"
	txcontext "eligibility/pkg/platform/tx"
)

const uniqueViolation = "23505"

const checkColumns = `id, check_type, status, last_name, date_of_birth, nino, nass,
	group_id, sequence, result_hash_id, source, created_at, updated_at`

// PostgresStore persists checks in the checks table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed check registry.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, check *models.Check) error {
	query := `
		INSERT INTO checks (` + checkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		check.ID,
		string(check.Type),
		string(check.Status),
		check.Payload.LastName,
		check.Payload.DateOfBirth,
		nullString(check.Payload.NationalInsuranceNumber),
		nullString(check.Payload.NationalAsylumSeekerServiceNumber),
		check.Group,
		check.Sequence,
		check.ResultHashID,
		nullString(string(check.Source)),
		check.CreatedAt,
		check.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert check %s: %w", check.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert check: %w", err)
	}
	return nil
}

// CreateBatch inserts every check in one statement inside one transaction.
func (s *PostgresStore) CreateBatch(ctx context.Context, checks []*models.Check) error {
	if len(checks) == 0 {
		return nil
	}
	n := len(checks)
	ids := make([]string, n)
	types := make([]string, n)
	lastNames := make([]string, n)
	dobs := make([]string, n)
	ninos := make([]sql.NullString, n)
	nasses := make([]sql.NullString, n)
	groups := make([]sql.NullString, n)
	sequences := make([]sql.NullInt64, n)
	for i, c := range checks {
		ids[i] = c.ID
		types[i] = string(c.Type)
		lastNames[i] = c.Payload.LastName
		dobs[i] = c.Payload.DateOfBirth
		ninos[i] = nullString(c.Payload.NationalInsuranceNumber)
		nasses[i] = nullString(c.Payload.NationalAsylumSeekerServiceNumber)
		if c.Group != nil {
			groups[i] = sql.NullString{String: *c.Group, Valid: true}
			sequences[i] = sql.NullInt64{Int64: int64(*c.Sequence), Valid: true}
		}
	}

	query := `
		INSERT INTO checks (id, check_type, status, last_name, date_of_birth, nino, nass,
			group_id, sequence, created_at, updated_at)
		SELECT u.id::uuid, u.check_type, $8::text, u.last_name, u.date_of_birth, u.nino, u.nass,
			u.group_id, u.sequence, $9::timestamptz, $9::timestamptz
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[], $10::int[])
			AS u(id, check_type, last_name, date_of_birth, nino, nass, group_id, sequence)
	`
	createdAt := checks[0].CreatedAt
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
			pq.Array(ids),
			pq.Array(types),
			pq.Array(lastNames),
			pq.Array(dobs),
			pq.Array(ninos),
			pq.Array(nasses),
			pq.Array(groups),
			string(models.StatusQueuedForProcessing),
			createdAt,
			pq.Array(sequences),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert check batch: %w", sentinel.ErrConflict)
			}
			return fmt.Errorf("insert check batch: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Check, error) {
	if !validID(id) {
		return nil, fmt.Errorf("check not found: %w", sentinel.ErrNotFound)
	}
	query := `SELECT ` + checkColumns + ` FROM checks WHERE id = $1`
	check, err := scanCheck(txcontext.Exec(ctx, s.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find check: %w", err)
	}
	return check, nil
}

// FinalizeIfQueued is the conditional terminal write. Of two concurrent
// finalizers exactly one sees applied=true.
func (s *PostgresStore) FinalizeIfQueued(ctx context.Context, id string, outcome models.Outcome, now time.Time) (bool, error) {
	if !outcome.Status.IsTerminal() {
		return false, fmt.Errorf("finalize with non-terminal status %s: %w", outcome.Status, sentinel.ErrInvalidState)
	}
	if !validID(id) {
		return false, fmt.Errorf("check not found: %w", sentinel.ErrNotFound)
	}
	query := `
		UPDATE checks
		SET status = $2, source = $3, result_hash_id = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		id,
		string(outcome.Status),
		nullString(string(outcome.Source)),
		outcome.ResultHashID,
		now,
		string(models.StatusQueuedForProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("finalize check: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize check rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	// Zero rows: either already terminal or unknown.
	var exists bool
	err = txcontext.Exec(ctx, s.db).QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM checks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("finalize check lookup: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("check not found: %w", sentinel.ErrNotFound)
	}
	return false, nil
}

func (s *PostgresStore) ListByGroup(ctx context.Context, groupID string) ([]*models.Check, error) {
	query := `SELECT ` + checkColumns + ` FROM checks WHERE group_id = $1 ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group checks: %w", err)
	}
	defer rows.Close()

	var checks []*models.Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group check: %w", err)
		}
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group checks: %w", err)
	}
	if len(checks) == 0 {
		return nil, fmt.Errorf("group not found: %w", sentinel.ErrNotFound)
	}
	return checks, nil
}

func (s *PostgresStore) CountProgress(ctx context.Context, groupID string) (models.BulkProgress, error) {
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status <> $2)
		FROM checks
		WHERE group_id = $1
	`
	var p models.BulkProgress
	err := s.db.QueryRowContext(ctx, query, groupID, string(models.StatusQueuedForProcessing)).Scan(&p.Total, &p.Complete)
	if err != nil {
		return p, fmt.Errorf("count group progress: %w", err)
	}
	if p.Total == 0 {
		return p, fmt.Errorf("group not found: %w", sentinel.ErrNotFound)
	}
	return p, nil
}

func (s *PostgresStore) ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM checks
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, query, string(models.StatusQueuedForProcessing), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale checks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale check: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale checks: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Touch(ctx context.Context, ids []string, now time.Time) error {
	ids = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return !validID(id) })
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE checks SET updated_at = $2 WHERE id = ANY($1::uuid[]) AND status = $3`
	_, err := s.db.ExecContext(ctx, query, pq.Array(ids), now, string(models.StatusQueuedForProcessing))
	if err != nil {
		return fmt.Errorf("touch checks: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checks WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge checks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge checks rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheck(row rowScanner) (*models.Check, error) {
	var c models.Check
	var checkType, status string
	var nino, nass, group, source, resultHashID sql.NullString
	var sequence sql.NullInt64
	err := row.Scan(&c.ID, &checkType, &status, &c.Payload.LastName, &c.Payload.DateOfBirth,
		&nino, &nass, &group, &sequence, &resultHashID, &source, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Type = models.CheckType(checkType)
	c.Status = models.Status(status)
	c.Payload.NationalInsuranceNumber = nino.String
	c.Payload.NationalAsylumSeekerServiceNumber = nass.String
	c.Source = models.Source(source.String)
	if group.Valid {
		g := group.String
		seq := int(sequence.Int64)
		c.Group = &g
		c.Sequence = &seq
	}
	if resultHashID.Valid {
		h := resultHashID.String
		c.ResultHashID = &h
	}
	return &c, nil
}

// validID reports whether id can name a row. The id column is a uuid, so any
// other string would fail the cast in postgres rather than match nothing.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation recognises the unique-constraint error from either the
// pgx driver or lib/pq.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
