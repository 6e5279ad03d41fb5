package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS training_history (
	started_at     TIMESTAMPTZ PRIMARY KEY,
	session_id     TEXT NOT NULL,
	date           TEXT NOT NULL,
	duration_sec   INTEGER NOT NULL,
	total_reps     INTEGER NOT NULL,
	sets_detail    INTEGER[] NOT NULL,
	rounded_back   INTEGER NOT NULL,
	other_warnings INTEGER NOT NULL,
	form_score     INTEGER NOT NULL,
	avg_rep_score  INTEGER NOT NULL
)`

const selectColumns = `started_at, session_id, date, duration_sec, total_reps, sets_detail,
	rounded_back, other_warnings, form_score, avg_rep_score`

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

type PostgresConfig struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

// NewPostgresStore connects to the database and creates the history table if
// it does not exist.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool, logger: logger}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Connected to training history database",
		zap.Int32("max_conns", poolConfig.MaxConns))
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create training_history table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO training_history (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (started_at) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			date = EXCLUDED.date,
			duration_sec = EXCLUDED.duration_sec,
			total_reps = EXCLUDED.total_reps,
			sets_detail = EXCLUDED.sets_detail,
			rounded_back = EXCLUDED.rounded_back,
			other_warnings = EXCLUDED.other_warnings,
			form_score = EXCLUDED.form_score,
			avg_rep_score = EXCLUDED.avg_rep_score
	`, r.StartedAt, r.SessionID, r.Date, r.DurationSec, r.TotalReps, r.SetsDetail,
		r.Warnings.RoundedBack, r.Warnings.Other, r.FormScore, r.AvgRepScore)
	if err != nil {
		return fmt.Errorf("failed to save history record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM training_history
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Get(ctx context.Context, startedAt time.Time) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM training_history
		WHERE started_at = $1
	`, startedAt)

	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.StartedAt, &r.SessionID, &r.Date, &r.DurationSec, &r.TotalReps, &r.SetsDetail,
		&r.Warnings.RoundedBack, &r.Warnings.Other, &r.FormScore, &r.AvgRepScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to scan history record: %w", err)
	}
	return r, nil
}
