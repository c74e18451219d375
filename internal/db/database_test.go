package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanledger/internal/errors"
)

var fixedNow = time.Date(2026, 3, 4, 10, 17, 30, 0, time.UTC)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = mockDB.Close()
	})
	return &DB{DB: sqlx.NewDb(mockDB, "postgres")}, mock
}

func fixedClock() time.Time { return fixedNow }

func TestSanitizeDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{"no rows", sql.ErrNoRows, errors.CodeNotFound},
		{"unique violation", &pq.Error{Code: "23505"}, errors.CodeConflict},
		{"check violation", &pq.Error{Code: "23514"}, errors.CodeValidation},
		{"deadlock", &pq.Error{Code: "40P01"}, errors.CodeDatabaseTimeout},
		{"query canceled", &pq.Error{Code: "57014"}, errors.CodeCanceled},
		{"connection failure", &pq.Error{Code: "08006"}, errors.CodeDatabaseConnection},
		{"unknown pq", &pq.Error{Code: "XX000"}, errors.CodeDatabaseQuery},
		{"wrapped pq", fmt.Errorf("exec: %w", &pq.Error{Code: "23505"}), errors.CodeConflict},
		{"deadline", context.DeadlineExceeded, errors.CodeDatabaseTimeout},
		{"plain", stderrors.New("driver: bad connection"), errors.CodeDatabaseQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sanitizeDBError("op", tt.err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}

	assert.NoError(t, sanitizeDBError("op", nil))
}

func TestSanitizeDBErrorHidesDetails(t *testing.T) {
	raw := &pq.Error{Code: "XX000", Message: "password=hunter2 leaked"}
	err := sanitizeDBError("pickup", raw)

	assert.NotContains(t, err.Error(), "hunter2")
	assert.ErrorIs(t, err, raw)
}

func TestDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database = "scanledger"
	cfg.Username = "worker"
	cfg.Password = "secret"

	assert.Equal(t,
		"host=localhost port=5432 dbname=scanledger user=worker password=secret sslmode=disable",
		cfg.DSN())
}

func TestWithTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := db.WithTx(context.Background(), "noop", func(tx *sqlx.Tx) error {
			_, err := tx.Exec("SELECT 1")
			return err
		})
		assert.NoError(t, err)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := stderrors.New("boom")
		err := db.WithTx(context.Background(), "noop", func(tx *sqlx.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("begin failure is sanitized", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin().WillReturnError(&pq.Error{Code: "08006"})

		err := db.WithTx(context.Background(), "noop", func(tx *sqlx.Tx) error { return nil })
		assert.True(t, errors.IsCode(err, errors.CodeDatabaseConnection))
	})
}

func TestFillProgress(t *testing.T) {
	counted := []ProgressRow{
		{Scanner: "tlsq", Activity: ActivityScan, State: StateRequested, Count: 2},
		{Scanner: "legacy", Activity: ActivityVerify, State: StateError, Count: 1},
	}

	rows := FillProgress(counted, []string{"tlsq", "dns"})

	// three scanners, every activity and state
	require.Len(t, rows, 3*len(Activities)*len(RequestStates))
	assert.Equal(t, "dns", rows[0].Scanner)

	lookup := func(scanner string, a Activity, s RequestState) int {
		for _, r := range rows {
			if r.Scanner == scanner && r.Activity == a && r.State == s {
				return r.Count
			}
		}
		t.Fatalf("missing row %s/%s/%s", scanner, a, s)
		return -1
	}
	assert.Equal(t, 2, lookup("tlsq", ActivityScan, StateRequested))
	assert.Equal(t, 0, lookup("tlsq", ActivityScan, StatePickedUp))
	assert.Equal(t, 0, lookup("dns", ActivityDiscover, StateTimeout))
	assert.Equal(t, 1, lookup("legacy", ActivityVerify, StateError))
}

func TestJSONB(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, `{"a":1}`, j.String())

	v, err := j.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), v)

	require.NoError(t, j.Scan(nil))
	v, err = j.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.Error(t, j.Scan(42))
}

func TestMigratorUp(t *testing.T) {
	db, mock := newMockDB(t)
	m := &Migrator{db: db.DB, files: fstest.MapFS{
		"001_first.sql":  {Data: []byte("CREATE TABLE first (id INT)")},
		"002_second.sql": {Data: []byte("CREATE TABLE second (id INT)")},
		"README.md":      {Data: []byte("ignored")},
	}}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, applied_at, checksum FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_first", fixedNow, calculateChecksum("CREATE TABLE first (id INT)")))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE second (id INT)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
		WithArgs("002_second", calculateChecksum("CREATE TABLE second (id INT)")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"002_second"}, ran)
}

func TestMigratorUpFailureIsMigrationError(t *testing.T) {
	db, mock := newMockDB(t)
	m := &Migrator{db: db.DB, files: fstest.MapFS{
		"001_first.sql": {Data: []byte("CREATE TABLE first (id INT)")},
	}}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE first (id INT)")).WillReturnError(stderrors.New("syntax"))
	mock.ExpectRollback()

	_, err := m.Up(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestMigratorStatus(t *testing.T) {
	db, mock := newMockDB(t)
	m := &Migrator{db: db.DB, files: fstest.MapFS{
		"001_first.sql":  {Data: []byte("CREATE TABLE first (id INT)")},
		"002_second.sql": {Data: []byte("CREATE TABLE second (id INT)")},
	}}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_first", fixedNow, "stale-checksum"))

	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "001_first", statuses[0].Name)
	assert.True(t, statuses[0].Applied)
	assert.True(t, statuses[0].Drifted)
	assert.False(t, statuses[1].Applied)
}

func TestMigratorReset(t *testing.T) {
	t.Run("drops tables and re-applies", func(t *testing.T) {
		db, mock := newMockDB(t)
		m := &Migrator{db: db.DB, files: fstest.MapFS{
			"001_first.sql": {Data: []byte("CREATE TABLE first (id INT)")},
		}}

		mock.ExpectBegin()
		for _, table := range []string{"scan_results", "proxies", "scan_requests", "schema_migrations"} {
			mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS " + table + " CASCADE")).
				WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.ExpectCommit()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, name, applied_at, checksum").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE first (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		ran, err := m.Reset(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"001_first"}, ran)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("drop failure carries the query", func(t *testing.T) {
		db, mock := newMockDB(t)
		m := &Migrator{db: db.DB, files: fstest.MapFS{}}

		mock.ExpectBegin()
		mock.ExpectExec("DROP TABLE IF EXISTS scan_results").WillReturnError(stderrors.New("permission denied"))
		mock.ExpectRollback()

		_, err := m.Reset(context.Background())
		var dbErr *errors.DatabaseError
		require.ErrorAs(t, err, &dbErr)
		assert.Equal(t, errors.CodeDatabaseMigration, dbErr.Code)
		assert.Equal(t, "DROP TABLE IF EXISTS scan_results CASCADE", dbErr.Query)
	})
}

func TestEmbeddedSchemaIsPresent(t *testing.T) {
	m := NewMigrator(nil)
	files, err := m.getMigrationFiles()
	require.NoError(t, err)
	assert.Contains(t, files, "001_initial_schema.sql")
}
