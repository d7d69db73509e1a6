package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"simpledb/pkg/dberrors"
	"simpledb/pkg/wal"
)

// exists reports whether a store has been initialized at the root. A store
// exists once either version marker has been written.
func (e *Engine) exists() (bool, error) {
	info, err := e.fs.Stat(e.root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: %w", dberrors.ErrInitialization, err)
	case !info.IsDir():
		return false, fmt.Errorf("%w: %s is not a directory", dberrors.ErrInitialization, e.root)
	}

	for _, p := range []string{markerPath(e.root), pendingMarkerPath(e.root)} {
		ok, err := afero.Exists(e.fs, p)
		if err != nil {
			return false, fmt.Errorf("%w: %w", dberrors.ErrNotFound, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// initialize creates an empty store at version 0. The canonical marker is
// written last, so a crash before it leaves a directory Open initializes
// again from scratch.
func (e *Engine) initialize() error {
	fail := func(err error) error {
		return fmt.Errorf("%w: %w", dberrors.ErrInitialization, err)
	}

	if err := e.fs.MkdirAll(e.root, 0o755); err != nil {
		return fail(err)
	}
	// files of an earlier initialization that crashed before its marker
	if err := e.removeArtifacts(func(uint64) bool { return true }); err != nil {
		return fail(err)
	}

	const version = 0
	records := newRecordSet()
	if err := writeCheckpoint(e.fs, checkpointPath(e.root, version), records); err != nil {
		return fail(fmt.Errorf("failed to create checkpoint: %w", err))
	}

	log, err := wal.Open(e.fs, logPath(e.root, version))
	if err != nil {
		return fail(err)
	}
	log.SetLogger(e.logger)

	if err := writeMarker(e.fs, markerPath(e.root), version); err != nil {
		_ = log.Close()
		return fail(fmt.Errorf("failed to write version marker: %w", err))
	}
	if err := syncDir(e.fs, e.root); err != nil {
		_ = log.Close()
		return fail(err)
	}

	e.records = records
	e.wal = log
	e.version.Store(version)

	e.logger.Info("store initialized", "version", version)
	return nil
}

// recover rebuilds the record set from the authoritative checkpoint and the
// companion log.
func (e *Engine) recover() error {
	version, err := e.resolveVersion()
	if err != nil {
		return err
	}

	records, err := loadCheckpoint(e.fs, checkpointPath(e.root, version))
	if err != nil {
		return err
	}
	checkpointed := records.Len()

	lp := logPath(e.root, version)
	ok, err := afero.Exists(e.fs, lp)
	if err != nil {
		return fmt.Errorf("failed to stat WAL: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", dberrors.ErrNotFound, lp)
	}

	log, err := wal.Open(e.fs, lp)
	if err != nil {
		return err
	}
	log.SetLogger(e.logger)

	replayed := 0
	err = log.Replay(func(op wal.Operation) error {
		replayed++
		return records.Apply(op)
	})
	if err != nil {
		_ = log.Close()
		return fmt.Errorf("failed to replay %s: %w", lp, err)
	}
	if _, err := log.Repair(); err != nil {
		_ = log.Close()
		return err
	}

	e.records = records
	e.wal = log
	e.version.Store(version)
	e.metrics.ObserveReplay(replayed)

	if e.cleanupStale {
		if err := e.removeArtifacts(func(v uint64) bool { return v != version }); err != nil {
			e.logger.Warn("failed to remove stale files", "error", err)
		}
	}

	e.logger.Info("store recovered",
		"version", version,
		"checkpointed", checkpointed,
		"replayed", replayed,
		"keys", records.Len(),
	)
	return nil
}

// resolveVersion picks the authoritative version and settles a commit that
// was interrupted.
//
// A pending marker wins when the log of its version exists: the log is only
// created after the checkpoint is durable, so the pivot is completed here.
// Without that log the commit died while checkpointing and is discarded.
func (e *Engine) resolveVersion() (uint64, error) {
	pendingPath := pendingMarkerPath(e.root)
	pending, ok, err := readMarker(e.fs, pendingPath)
	switch {
	case ok && (err != nil || pending == 0):
		e.logger.Warn("discarding unreadable pending version marker", "error", err)
		if err := e.abandonPending(nil); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, fmt.Errorf("%w: %w", dberrors.ErrNotFound, err)
	case ok:
		done, err := afero.Exists(e.fs, logPath(e.root, pending))
		if err != nil {
			return 0, fmt.Errorf("%w: %w", dberrors.ErrNotFound, err)
		}
		if done {
			if err := e.finishPivot(pivot{old: pending - 1, next: pending}); err != nil {
				return 0, fmt.Errorf("failed to complete interrupted commit: %w", err)
			}
			e.logger.Info("completed interrupted commit", "version", pending)
			return pending, nil
		}

		e.logger.Warn("discarding interrupted commit", "version", pending)
		if err := e.abandonPending(&pending); err != nil {
			return 0, err
		}
	}

	version, ok, err := readMarker(e.fs, markerPath(e.root))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", dberrors.ErrNotFound, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: version marker missing", dberrors.ErrNotFound)
	}
	return version, nil
}

// abandonPending removes the pending marker and, when its version is known,
// the partial checkpoint it names.
func (e *Engine) abandonPending(version *uint64) error {
	if version != nil {
		if err := removeIfExists(e.fs, checkpointPath(e.root, *version)); err != nil {
			return fmt.Errorf("failed to remove partial checkpoint: %w", err)
		}
	}
	if err := removeIfExists(e.fs, pendingMarkerPath(e.root)); err != nil {
		return fmt.Errorf("failed to remove pending version marker: %w", err)
	}
	return syncDir(e.fs, e.root)
}

// removeArtifacts deletes checkpoint and log files whose version matches.
func (e *Engine) removeArtifacts(match func(version uint64) bool) error {
	entries, err := afero.ReadDir(e.fs, e.root)
	if err != nil {
		return err
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		v, ok := parseArtifact(entry.Name())
		if !ok || !match(v) {
			continue
		}
		if err := removeIfExists(e.fs, filepath.Join(e.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		e.logger.Warn("removed stale file", "file", entry.Name(), "version", v)
	}
	return errors.Join(errs...)
}
