// Package store keeps benchmark records in PostgreSQL for trend queries
// across runs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/FairForge/inferbench/internal/results"
)

// Postgres represents a PostgreSQL connection
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool for dsn. The connection is not
// verified until the first query or Ping.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the necessary database tables
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS benchmark_runs (
			id UUID PRIMARY KEY,
			model VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS benchmark_results (
			id SERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES benchmark_runs(id),
			test_type VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			vus INTEGER,
			pre_allocated_vus INTEGER,
			rate INTEGER,
			duration VARCHAR(32),
			test_duration DOUBLE PRECISION,
			requests_ok DOUBLE PRECISION,
			requests_fail DOUBLE PRECISION,
			dropped_iterations DOUBLE PRECISION,
			dropped_requests DOUBLE PRECISION,
			error_rate DOUBLE PRECISION,
			inter_token_latency DOUBLE PRECISION,
			end_to_end_latency DOUBLE PRECISION,
			time_to_first_token DOUBLE PRECISION,
			tokens_throughput DOUBLE PRECISION,
			tokens_received DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS benchmark_results_run_idx ON benchmark_results (run_id, test_type)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}
	return nil
}

const insertRun = `INSERT INTO benchmark_runs (id, model) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`

const insertResult = `INSERT INTO benchmark_results (
	run_id, test_type, name, vus, pre_allocated_vus, rate, duration, test_duration,
	requests_ok, requests_fail, dropped_iterations, dropped_requests, error_rate,
	inter_token_latency, end_to_end_latency, time_to_first_token, tokens_throughput, tokens_received
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

// InsertRun stores every record of one test type under runID in a single
// transaction.
func (p *Postgres) InsertRun(ctx context.Context, runID, model string, testType results.TestType, records []results.Record) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, insertRun, runID, model); err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertResult)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		_, err = stmt.ExecContext(ctx,
			runID, string(testType), r.Name,
			nullInt(testType == results.ConstantVUs, r.VUs),
			nullInt(testType == results.ConstantArrivalRate, r.PreAllocatedVUs),
			nullInt(testType == results.ConstantArrivalRate, r.Rate),
			r.Duration, r.TestDuration,
			r.RequestsOK, r.RequestsFail, r.DroppedIterations, r.DroppedRequests, r.ErrorRate,
			metric(r, results.ColInterTokenLatency),
			metric(r, results.ColEndToEndLatency),
			metric(r, results.ColTimeToFirstToken),
			metric(r, results.ColTokensThroughput),
			metric(r, results.ColTokensReceived),
		)
		if err != nil {
			return fmt.Errorf("store: insert %s: %w", r.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func nullInt(valid bool, v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: valid}
}

func metric(r results.Record, column string) sql.NullFloat64 {
	v := r.Value(column)
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

// RunSummary is one stored run.
type RunSummary struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Results   int       `json:"results"`
}

// ListRuns returns the most recent runs first.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT r.id, r.model, r.created_at, COUNT(b.id)
		FROM benchmark_runs r
		LEFT JOIN benchmark_results b ON b.run_id = r.id
		GROUP BY r.id, r.model, r.created_at
		ORDER BY r.created_at DESC
		LIMIT $1`
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Model, &r.CreatedAt, &r.Results); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
