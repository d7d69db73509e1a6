package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"simpledb/pkg/config"
	"simpledb/pkg/dberrors"
	"simpledb/pkg/metrics"
	"simpledb/pkg/wal"
)

type phase int32

const (
	phaseIdle phase = iota
	phaseCommitting
	phaseClosed
)

// Engine is an embedded key-value store. Every mutation is made durable in
// the write-ahead log of the current version before it becomes visible; Commit
// folds the log into a new checkpoint and advances the version.
//
// An Engine is safe for concurrent use.
type Engine struct {
	fs           afero.Fs
	root         string
	logger       *slog.Logger
	metrics      *metrics.Metrics
	cleanupStale bool

	// mu is the reader/writer section: Get shares it, Put and Delete hold it
	// exclusively. Commit only takes it briefly to fence off admitted writers
	// and to swap the log. It also guards wal and fault.
	mu      sync.RWMutex
	records *recordSet
	wal     *wal.Log
	// set when a failed commit could not be rolled back; writes are refused
	// until the store is reopened
	fault error

	version atomic.Uint64
	phase   atomic.Int32

	// cleanup left over from a commit whose pivot did not finish; only
	// touched while the commit phase is held
	unfinished *pivot
}

type Option func(*Engine)

// WithFs sets the filesystem the store lives on. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCleanupStale controls whether Open removes checkpoint and log files
// that belong to versions other than the recovered one.
func WithCleanupStale(enabled bool) Option {
	return func(e *Engine) { e.cleanupStale = enabled }
}

// Open opens the store rooted at path, creating an empty store at version 0
// when none exists there yet.
func Open(path string, opts ...Option) (*Engine, error) {
	e := &Engine{
		fs:           afero.NewOsFs(),
		root:         filepath.Clean(path),
		logger:       slog.Default(),
		cleanupStale: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("store", e.root)

	exists, err := e.exists()
	if err != nil {
		return nil, err
	}

	if exists {
		err = e.recover()
	} else {
		err = e.initialize()
	}
	if err != nil {
		return nil, err
	}

	e.metrics.SetState(e.Version(), e.records.Len())
	return e, nil
}

// OpenConfig opens the store described by cfg.
func OpenConfig(cfg config.DB, opts ...Option) (*Engine, error) {
	opts = append([]Option{WithCleanupStale(cfg.CleanupStale)}, opts...)
	return Open(cfg.Path, opts...)
}

// Get returns a copy of the value stored under key. It never touches disk.
func (e *Engine) Get(key []byte) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v, ok := e.records.Load(key)
	if !ok {
		return nil, false
	}
	return append([]byte{}, v...), true
}

// Lookup is Get for callers that require the key to exist.
func (e *Engine) Lookup(key []byte) ([]byte, error) {
	v, ok := e.Get(key)
	if !ok {
		return nil, &dberrors.KeyNotFoundError{Key: append([]byte{}, key...)}
	}
	return v, nil
}

// Put durably logs the pair and then stores it. While a commit is running it
// fails immediately with a *dberrors.LockError and the caller should retry.
func (e *Engine) Put(key, value []byte) error {
	op := wal.Put(append([]byte{}, key...), append([]byte{}, value...))
	if err := e.write(op); err != nil {
		return err
	}
	e.metrics.ObservePut(op.EncodedLen())
	return nil
}

// Delete durably logs the removal and then drops key. Deleting an absent
// key succeeds.
func (e *Engine) Delete(key []byte) error {
	op := wal.Delete(append([]byte{}, key...))
	if err := e.write(op); err != nil {
		return err
	}
	e.metrics.ObserveDelete(op.EncodedLen())
	return nil
}

func (e *Engine) GetString(key string) (string, bool, error) {
	v, ok := e.Get([]byte(key))
	return string(v), ok, nil
}

func (e *Engine) PutString(key, value string) error {
	return e.Put([]byte(key), []byte(value))
}

func (e *Engine) DeleteString(key string) error {
	return e.Delete([]byte(key))
}

// Version returns the current version. It does no I/O.
func (e *Engine) Version() uint64 {
	return e.version.Load()
}

// Len returns the number of keys in the store.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.records.Len()
}

// Path returns the store root directory.
func (e *Engine) Path() string {
	return e.root
}

// Close releases the active log. Reads keep working on the in-memory state;
// writes and commits fail with dberrors.ErrClosed.
func (e *Engine) Close() error {
	for {
		switch phase(e.phase.Load()) {
		case phaseClosed:
			return nil
		case phaseCommitting:
			return errCommitRunning()
		}
		if e.phase.CompareAndSwap(int32(phaseIdle), int32(phaseClosed)) {
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.wal.Close(); err != nil {
		return err
	}
	e.logger.Info("store closed", "version", e.Version())
	return nil
}

// write is the log-before-apply path shared by Put and Delete. The phase is
// checked before taking the lock so writers fail fast, and again under the
// lock since a commit may have started in between. Commit never holds the
// lock while it writes the checkpoint, so a writer that lost that race is
// rejected without waiting for the commit to finish.
func (e *Engine) write(op wal.Operation) error {
	if err := e.admitWrite(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.admitWrite(); err != nil {
		return err
	}
	if e.fault != nil {
		return e.fault
	}

	if err := e.wal.AppendSync(op); err != nil {
		return fmt.Errorf("failed to log %s: %w", op.Kind, err)
	}
	if err := e.records.Apply(op); err != nil {
		return err
	}
	return nil
}

func (e *Engine) admitWrite() error {
	switch phase(e.phase.Load()) {
	case phaseCommitting:
		return errCommitRunning()
	case phaseClosed:
		return dberrors.ErrClosed
	}
	return nil
}

func errCommitRunning() error {
	return &dberrors.LockError{Kind: dberrors.LockWrite, Reason: "commit in progress"}
}
