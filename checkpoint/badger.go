package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/logging"
)

const keyPrefix = "checkpoint/"

// BadgerOptions configure a BadgerStore.
type BadgerOptions struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string
	// InMemory keeps the database in memory (tests).
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	Logger     logging.Logger
}

// BadgerStore is a durable Store on top of badger.
type BadgerStore struct {
	db     *badger.DB
	logger logging.Logger
}

// NewBadgerStore opens (or creates) a badger database for checkpoints.
func NewBadgerStore(optFns ...func(o *BadgerOptions)) (*BadgerStore, error) {
	opts := BadgerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("checkpoint: path is required for a persistent store")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).WithLogger(&badgerLogger{logger: opts.Logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	return &BadgerStore{db: db, logger: opts.Logger}, nil
}

func key(executionID string) []byte { return []byte(keyPrefix + executionID) }

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, snap core.StateSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", snap.ExecutionID, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(snap.ExecutionID), data)
	}); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", snap.ExecutionID, err)
	}
	s.logger.Debug("Checkpoint saved", "execution_id", snap.ExecutionID, "iteration", snap.Iteration, "bytes", len(data))
	return nil
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, executionID string) (core.StateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return core.StateSnapshot{}, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(executionID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.StateSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if err != nil {
		return core.StateSnapshot{}, fmt.Errorf("load checkpoint %s: %w", executionID, err)
	}
	return decode(executionID, data)
}

// Delete implements Store. Deleting a missing checkpoint is not an error.
func (s *BadgerStore) Delete(ctx context.Context, executionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(executionID))
	}); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", executionID, err)
	}
	return nil
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error { return s.db.Close() }

// badgerLogger adapts logging.Logger to badger's logger interface.
type badgerLogger struct {
	logger logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
