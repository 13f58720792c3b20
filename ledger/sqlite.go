package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores the ledger in a single SQLite file.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (or creates) the SQLite database at dbPath.
func NewSQLiteBackend(dbPath string, logger *slog.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes ordered and avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &SQLiteBackend{
		db:     db,
		logger: logger,
	}
	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return backend, nil
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		address TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT '',
		consumer TEXT NOT NULL DEFAULT '',
		job_signature TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Get returns the record for key.
func (b *SQLiteBackend) Get(ctx context.Context, key string) (*JobRecord, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT state, consumer, job_signature, completed FROM jobs WHERE address = ?`, key)

	var (
		rec   JobRecord
		state string
	)
	if err := row.Scan(&state, &rec.Consumer, &rec.JobSignature, &rec.Completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.State = JobState(state)
	return &rec, nil
}

// Put stores rec under key.
func (b *SQLiteBackend) Put(ctx context.Context, key string, rec *JobRecord) error {
	if key == CheckpointKey {
		return ErrReservedKey
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO jobs (address, state, consumer, job_signature, completed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			state = excluded.state,
			consumer = excluded.consumer,
			job_signature = excluded.job_signature,
			completed = excluded.completed`,
		key, string(rec.State), rec.Consumer, rec.JobSignature, rec.Completed)
	return err
}

// Delete removes key.
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE address = ?`, key)
	return err
}

// Range iterates job records in address order.
func (b *SQLiteBackend) Range(ctx context.Context, fn func(key string, rec *JobRecord) error) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT address, state, consumer, job_signature, completed FROM jobs ORDER BY address`)
	if err != nil {
		return err
	}

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
			rows.Close()
			return err
		}
		rec.State = JobState(state)
		entries = append(entries, entry{key: key, rec: &rec})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	// Release the only connection before handing control to fn.
	rows.Close()

	for _, e := range entries {
		if err := fn(e.key, e.rec); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint returns the stored height.
func (b *SQLiteBackend) Checkpoint(ctx context.Context) (uint64, bool, error) {
	var height int64
	err := b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, CheckpointKey).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(height), true, nil
}

// SetCheckpoint stores height.
func (b *SQLiteBackend) SetCheckpoint(ctx context.Context, height uint64) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		CheckpointKey, int64(height))
	return err
}

var _ Backend = (*SQLiteBackend)(nil)
