package dataset

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/sentinel"
)

func TestInMemoryFindNormalizesDocument(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory(HMRC)
	require.NoError(t, store.Upsert(ctx, models.DatasetRecord{
		Document: "ab 12 34 56 c", LastName: "Smith", DateOfBirth: "1990-01-01", Qualifying: true,
	}))

	r, err := store.Find(ctx, "AB123456C")
	require.NoError(t, err)
	assert.Equal(t, "AB123456C", r.Document)
	assert.True(t, r.Qualifying)

	_, err = store.Find(ctx, "ZZ999999Z")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Equal(t, HMRC, store.Kind())
}

func TestInMemoryUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory(HomeOffice)
	require.NoError(t, store.Upsert(ctx, models.DatasetRecord{Document: "240712345", LastName: "A", DateOfBirth: "2000-01-01", Qualifying: true}))
	require.NoError(t, store.Upsert(ctx, models.DatasetRecord{Document: "240712345", LastName: "A", DateOfBirth: "2000-01-01", Qualifying: false}))

	r, err := store.Find(ctx, "240712345")
	require.NoError(t, err)
	assert.False(t, r.Qualifying)
}

func TestPostgresFindUsesDatasetTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT nass, last_name, date_of_birth, qualifying FROM home_office_records WHERE nass = \$1`).
		WithArgs("240712345").
		WillReturnRows(sqlmock.NewRows([]string{"nass", "last_name", "date_of_birth", "qualifying"}).
			AddRow("240712345", "Haddad", "1984-07-19", true))
	mock.ExpectQuery(`FROM hmrc_records WHERE nino = \$1`).
		WithArgs("AB123456C").
		WillReturnError(sql.ErrNoRows)

	r, err := NewPostgres(db, HomeOffice).Find(context.Background(), " 2407 12345 ")
	require.NoError(t, err)
	assert.Equal(t, "Haddad", r.LastName)

	_, err = NewPostgres(db, HMRC).Find(context.Background(), "ab123456c")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO hmrc_records .* FROM unnest`).WillReturnResult(sqlmock.NewResult(0, 2))

	err = NewPostgres(db, HMRC).Upsert(context.Background(),
		models.DatasetRecord{Document: "AB123456C", LastName: "Smith", DateOfBirth: "1990-01-01", Qualifying: true},
		models.DatasetRecord{Document: "CD654321A", LastName: "Jones", DateOfBirth: "1991-02-02"},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresRejectsUnknownKind(t *testing.T) {
	assert.Panics(t, func() { NewPostgres(nil, Kind("dvla")) })
}
