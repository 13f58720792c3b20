package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// jobKeyPrefix is shared by every checksummed job address.
var jobKeyPrefix = []byte("0x")

// badgerLogger routes BadgerDB's printf-style logging into slog. Badger's info
// output is mostly compaction chatter, so it goes to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerBackend stores the ledger in a BadgerDB directory with synchronous
// writes, so a successful Put is on disk before it returns.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerBackend opens (or creates) the BadgerDB directory at dbPath.
func NewBadgerBackend(dbPath string, logger *slog.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dbPath).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerBackend{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries an update on transaction conflicts.
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 20
	const retryDelay = 2 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			b.logger.Debug("badger transaction conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Get returns the record for key.
func (b *BadgerBackend) Get(_ context.Context, key string) (*JobRecord, error) {
	var rec *JobRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &JobRecord{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put stores rec under key.
func (b *BadgerBackend) Put(ctx context.Context, key string, rec *JobRecord) error {
	if key == CheckpointKey {
		return ErrReservedKey
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Delete removes key.
func (b *BadgerBackend) Delete(ctx context.Context, key string) error {
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Range iterates job records in key order.
func (b *BadgerBackend) Range(ctx context.Context, fn func(key string, rec *JobRecord) error) error {
	type entry struct {
		key string
		rec *JobRecord
	}

	// Collect first so fn may write back to the ledger without deadlocking on
	// the read transaction.
	var entries []entry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = jobKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rec := &JobRecord{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			entries = append(entries, entry{key: string(item.KeyCopy(nil)), rec: rec})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.key, e.rec); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint returns the stored height.
func (b *BadgerBackend) Checkpoint(_ context.Context) (uint64, bool, error) {
	var (
		height uint64
		found  bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(CheckpointKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt checkpoint value of %d bytes", len(val))
			}
			height = binary.BigEndian.Uint64(val)
			found = true
			return nil
		})
	})
	return height, found, err
}

// SetCheckpoint stores height.
func (b *BadgerBackend) SetCheckpoint(ctx context.Context, height uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(CheckpointKey), buf)
	})
}

var _ Backend = (*BadgerBackend)(nil)
