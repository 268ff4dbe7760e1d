package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/sentinel"
	txcontext "eligibility/pkg/platform/tx"
)

// table and key column per dataset; never derived from input.
var tables = map[Kind]struct{ table, key string }{
	HMRC:       {"hmrc_records", "nino"},
	HomeOffice: {"home_office_records", "nass"},
}

// PostgresStore reads one reference dataset table.
type PostgresStore struct {
	db    *sql.DB
	kind  Kind
	table string
	key   string
}

func NewPostgres(db *sql.DB, kind Kind) *PostgresStore {
	t, ok := tables[kind]
	if !ok {
		panic(fmt.Sprintf("dataset: unknown kind %q", kind))
	}
	return &PostgresStore{db: db, kind: kind, table: t.table, key: t.key}
}

func (s *PostgresStore) Kind() Kind {
	return s.kind
}

func (s *PostgresStore) Find(ctx context.Context, document string) (*models.DatasetRecord, error) {
	query := fmt.Sprintf(`SELECT %s, last_name, date_of_birth, qualifying FROM %s WHERE %s = $1`, s.key, s.table, s.key)
	var r models.DatasetRecord
	err := s.db.QueryRowContext(ctx, query, documentKey(document)).Scan(&r.Document, &r.LastName, &r.DateOfBirth, &r.Qualifying)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s record not found: %w", s.kind, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find %s record: %w", s.kind, err)
	}
	return &r, nil
}

// Upsert loads records in one statement.
func (s *PostgresStore) Upsert(ctx context.Context, records ...models.DatasetRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]string, len(records))
	names := make([]string, len(records))
	dobs := make([]string, len(records))
	qualifying := make([]bool, len(records))
	for i, r := range records {
		docs[i] = documentKey(r.Document)
		names[i] = r.LastName
		dobs[i] = r.DateOfBirth
		qualifying[i] = r.Qualifying
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, last_name, date_of_birth, qualifying)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::boolean[])
		ON CONFLICT (%[2]s) DO UPDATE SET
			last_name = EXCLUDED.last_name,
			date_of_birth = EXCLUDED.date_of_birth,
			qualifying = EXCLUDED.qualifying
	`, s.table, s.key)
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		pq.Array(docs), pq.Array(names), pq.Array(dobs), pq.Array(qualifying))
	if err != nil {
		return fmt.Errorf("upsert %s records: %w", s.kind, err)
	}
	return nil
}
