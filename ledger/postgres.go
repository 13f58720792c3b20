package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend stores the ledger in PostgreSQL, for deployments that keep
// daemon state outside the host.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresBackend connects to dsn and creates the ledger tables if needed.
func NewPostgresBackend(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &PostgresBackend{
		pool:   pool,
		logger: logger,
	}
	if err := backend.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return backend, nil
}

func (b *PostgresBackend) initSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS snetd_jobs (
		address TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT '',
		consumer TEXT NOT NULL DEFAULT '',
		job_signature TEXT NOT NULL DEFAULT '',
		completed BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE TABLE IF NOT EXISTS snetd_meta (
		key TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);`)
	return err
}

// Close closes the pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

// Get returns the record for key.
func (b *PostgresBackend) Get(ctx context.Context, key string) (*JobRecord, error) {
	var (
		rec   JobRecord
		state string
	)
	err := b.pool.QueryRow(ctx,
		`SELECT state, consumer, job_signature, completed FROM snetd_jobs WHERE address = $1`, key).
		Scan(&state, &rec.Consumer, &rec.JobSignature, &rec.Completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.State = JobState(state)
	return &rec, nil
}

// Put stores rec under key.
func (b *PostgresBackend) Put(ctx context.Context, key string, rec *JobRecord) error {
	if key == CheckpointKey {
		return ErrReservedKey
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO snetd_jobs (address, state, consumer, job_signature, completed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			state = EXCLUDED.state,
			consumer = EXCLUDED.consumer,
			job_signature = EXCLUDED.job_signature,
			completed = EXCLUDED.completed`,
		key, string(rec.State), rec.Consumer, rec.JobSignature, rec.Completed)
	return err
}

// Delete removes key.
func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM snetd_jobs WHERE address = $1`, key)
	return err
}

// Range iterates job records in address order.
func (b *PostgresBackend) Range(ctx context.Context, fn func(key string, rec *JobRecord) error) error {
	rows, err := b.pool.Query(ctx,
		`SELECT address, state, consumer, job_signature, completed FROM snetd_jobs ORDER BY address`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type entry struct {
		key string
		rec *JobRecord
	}
	var entries []entry
	for rows.Next() {
		var (
			key   string
			state string
			rec   JobRecord
		)
		if err := rows.Scan(&key, &state, &rec.Consumer, &rec.JobSignature, &rec.Completed); err != nil {
			return err
		}
		rec.State = JobState(state)
		entries = append(entries, entry{key: key, rec: &rec})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		if err := fn(e.key, e.rec); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint returns the stored height.
func (b *PostgresBackend) Checkpoint(ctx context.Context) (uint64, bool, error) {
	var height int64
	err := b.pool.QueryRow(ctx, `SELECT value FROM snetd_meta WHERE key = $1`, CheckpointKey).Scan(&height)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(height), true, nil
}

// SetCheckpoint stores height.
func (b *PostgresBackend) SetCheckpoint(ctx context.Context, height uint64) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO snetd_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		CheckpointKey, int64(height))
	return err
}

var _ Backend = (*PostgresBackend)(nil)
