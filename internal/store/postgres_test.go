package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/inferbench/internal/results"
)

const runID = "7f0d1c52-3a7e-4c38-9a57-1d1a5ef0c3b1"

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestPostgres_CreateTables(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS benchmark_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS benchmark_results").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.CreateTables(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertRun(t *testing.T) {
	p, mock := newMock(t)

	rec := results.Record{
		Name:       "tgi",
		VUs:        40,
		Duration:   "60s",
		RequestsOK: 90,
		ErrorRate:  10,
		Metrics:    map[string]float64{results.ColTimeToFirstToken: 300},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO benchmark_runs")).
		WithArgs(runID, "Qwen/Qwen2-7B").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO benchmark_results"))
	prep.ExpectExec().
		WithArgs(runID, "constant_vus", "tgi",
			sql.NullInt64{Int64: 40, Valid: true}, sql.NullInt64{}, sql.NullInt64{},
			"60s", 0.0, 90.0, 0.0, 0.0, 0.0, 10.0,
			sql.NullFloat64{}, sql.NullFloat64{}, sql.NullFloat64{Float64: 300, Valid: true},
			sql.NullFloat64{}, sql.NullFloat64{}).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := p.InsertRun(context.Background(), runID, "Qwen/Qwen2-7B", results.ConstantVUs, []results.Record{rec})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertRunRollsBack(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO benchmark_runs")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO benchmark_results")).
		ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	rec := results.Record{Name: "tgi", Rate: 10, Metrics: map[string]float64{}}
	err := p.InsertRun(context.Background(), runID, "m", results.ConstantArrivalRate, []results.Record{rec})
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListRuns(t *testing.T) {
	p, mock := newMock(t)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT r.id, r.model").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "model", "created_at", "count"}).
			AddRow(runID, "Qwen/Qwen2-7B", now, 42))

	runs, err := p.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunSummary{ID: runID, Model: "Qwen/Qwen2-7B", CreatedAt: now, Results: 42}, runs[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}
