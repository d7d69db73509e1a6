package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"simpledb/pkg/dberrors"
	"simpledb/pkg/wal"
)

// pivot names the generations on both sides of a commit.
type pivot struct {
	old  uint64
	next uint64
}

// Commit snapshots the record set into a new checkpoint, starts an empty log
// for the next version and retires the files of the current one. It returns
// the new version.
//
// Writes are refused with a *dberrors.LockError while a commit runs; reads
// are not affected. When Commit fails before the new version is durable, the
// previous version stays active and untouched. When it fails afterwards the
// new version is already in effect and the error matches
// dberrors.ErrCommitIncomplete; calling Commit again finishes the cleanup
// without taking another checkpoint.
func (e *Engine) Commit() (uint64, error) {
	if !e.phase.CompareAndSwap(int32(phaseIdle), int32(phaseCommitting)) {
		if phase(e.phase.Load()) == phaseClosed {
			return e.Version(), dberrors.ErrClosed
		}
		return e.Version(), errCommitRunning()
	}
	defer e.phase.Store(int32(phaseIdle))

	start := time.Now()
	version, err := e.commit()
	e.metrics.ObserveCommit(err, time.Since(start))
	e.metrics.SetState(e.Version(), e.Len())
	return version, err
}

func (e *Engine) commit() (uint64, error) {
	if e.unfinished != nil {
		p := *e.unfinished
		if err := e.finishPivot(p); err != nil {
			return p.next, fmt.Errorf("%w: version %d: %w", dberrors.ErrCommitIncomplete, p.next, err)
		}
		e.unfinished = nil
		e.logger.Info("finished commit cleanup", "version", p.next, "retired", p.old)
		return p.next, nil
	}

	// Writers admitted before the phase changed finish here. Later ones see
	// the commit phase under the lock and back off, so the record set stays
	// fixed without holding the lock across the checkpoint write.
	e.mu.Lock()
	fault := e.fault
	e.mu.Unlock()
	if fault != nil {
		return e.Version(), fault
	}

	p := pivot{old: e.version.Load()}
	p.next = p.old + 1

	log, err := e.prepare(p)
	if err != nil {
		return p.old, e.rollback(p, err)
	}

	// The new version is durable from here on; switch to it before retiring
	// the old generation so no write can land in a log about to be removed.
	e.mu.Lock()
	prev := e.wal
	e.wal = log
	e.version.Store(p.next)
	e.mu.Unlock()
	if err := prev.Close(); err != nil {
		e.logger.Warn("failed to close retired WAL", "version", p.old, "error", err)
	}

	if err := e.finishPivot(p); err != nil {
		e.unfinished = &p
		e.logger.Error("commit cleanup failed", "version", p.next, "error", err)
		return p.next, fmt.Errorf("%w: version %d: %w", dberrors.ErrCommitIncomplete, p.next, err)
	}

	e.logger.Info("committed", "version", p.next, "keys", e.records.Len())
	return p.next, nil
}

// prepare writes the pending marker, the checkpoint and the empty log of
// the next version. Writers are held off by the commit phase.
func (e *Engine) prepare(p pivot) (*wal.Log, error) {
	// a leftover log would make the pending marker authoritative before the
	// checkpoint below is complete
	if err := removeIfExists(e.fs, logPath(e.root, p.next)); err != nil {
		return nil, fmt.Errorf("failed to remove leftover WAL: %w", err)
	}

	if err := writeMarker(e.fs, pendingMarkerPath(e.root), p.next); err != nil {
		return nil, fmt.Errorf("failed to write pending version marker: %w", err)
	}

	if err := writeCheckpoint(e.fs, checkpointPath(e.root, p.next), e.records); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	log, err := wal.Open(e.fs, logPath(e.root, p.next))
	if err != nil {
		return nil, err
	}
	if err := syncDir(e.fs, e.root); err != nil {
		_ = log.Close()
		return nil, err
	}
	log.SetLogger(e.logger)
	return log, nil
}

// rollback undoes a failed prepare. Either removing the pending marker or
// removing the new log is enough to keep the current version authoritative
// on disk. If neither works the store can no longer tell which generation
// is current, so writes are refused until it is reopened.
func (e *Engine) rollback(p pivot, cause error) error {
	markerErr := removeIfExists(e.fs, pendingMarkerPath(e.root))
	logErr := removeIfExists(e.fs, logPath(e.root, p.next))
	if markerErr != nil && logErr != nil {
		fault := fmt.Errorf("%w: reopen required after failed commit of version %d: %w",
			dberrors.ErrCommitIncomplete, p.next, errors.Join(markerErr, logErr))
		e.mu.Lock()
		e.fault = fault
		e.mu.Unlock()
		e.logger.Error("commit rollback failed", "version", p.next, "error", fault)
		return errors.Join(cause, fault)
	}

	if err := errors.Join(markerErr, logErr, removeIfExists(e.fs, checkpointPath(e.root, p.next))); err != nil {
		// harmless leftovers, Open discards them
		e.logger.Warn("incomplete commit rollback", "version", p.next, "error", err)
	}

	e.logger.Warn("commit failed, staying on current version", "version", p.old, "error", cause)
	return cause
}

// finishPivot retires the old generation and makes the pending marker
// canonical. It is idempotent: once the rename happened only the directory
// sync is repeated.
func (e *Engine) finishPivot(p pivot) error {
	if err := removeIfExists(e.fs, logPath(e.root, p.old)); err != nil {
		return fmt.Errorf("failed to remove WAL of version %d: %w", p.old, err)
	}
	if err := removeIfExists(e.fs, checkpointPath(e.root, p.old)); err != nil {
		return fmt.Errorf("failed to remove checkpoint of version %d: %w", p.old, err)
	}

	pending, err := afero.Exists(e.fs, pendingMarkerPath(e.root))
	if err != nil {
		return err
	}
	if pending {
		if err := removeIfExists(e.fs, markerPath(e.root)); err != nil {
			return fmt.Errorf("failed to remove version marker: %w", err)
		}
		if err := e.fs.Rename(pendingMarkerPath(e.root), markerPath(e.root)); err != nil {
			return fmt.Errorf("failed to promote pending version marker: %w", err)
		}
	}
	return syncDir(e.fs, e.root)
}
