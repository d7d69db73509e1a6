package store

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"simpledb/pkg/dberrors"
	"simpledb/pkg/metrics"
)

func TestCommit_FailureBeforePivotKeepsVersion(t *testing.T) {
	tests := []struct {
		name string
		op   string
		file string
	}{
		{"pending marker", "open", "new_version"},
		{"checkpoint", "open", "checkpoint.1"},
		{"new log", "open", "logfile.1"},
		{"directory sync", "open", "db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFaultyFs()
			m := metrics.New(prometheus.NewRegistry())
			store := openMem(t, fs, WithMetrics(m))
			require.NoError(t, store.PutString("a", "1"))

			fs.failOn(tt.op, tt.file)
			version, err := store.Commit()
			require.ErrorIs(t, err, errInjected)
			require.NotErrorIs(t, err, dberrors.ErrCommitIncomplete)
			require.Equal(t, uint64(0), version)
			require.Equal(t, uint64(0), store.Version())
			require.Equal(t, 1.0, testutil.ToFloat64(m.CommitTotal.WithLabelValues(metrics.Fail)))

			requireFiles(t, fs, memRoot,
				[]string{"version", "checkpoint.0", "logfile.0"},
				[]string{"new_version", "checkpoint.1", "logfile.1"},
			)

			// the current generation keeps taking writes
			require.NoError(t, store.PutString("b", "2"))

			fs.heal()
			reopened := openMem(t, fs)
			require.Equal(t, uint64(0), reopened.Version())
			require.Equal(t, map[string]string{"a": "1", "b": "2"}, contents(reopened))
			require.NoError(t, reopened.Close())

			version, err = store.Commit()
			require.NoError(t, err)
			require.Equal(t, uint64(1), version)
			require.NoError(t, store.Close())
		})
	}
}

func TestCommit_CleanupFailureIsFinishedByNextCommit(t *testing.T) {
	tests := []struct {
		name string
		op   string
		file string
	}{
		{"old log", "remove", "logfile.0"},
		{"old checkpoint", "remove", "checkpoint.0"},
		{"old marker", "remove", "version"},
		{"marker promotion", "rename", "new_version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFaultyFs()
			store := openMem(t, fs)
			require.NoError(t, store.PutString("a", "1"))

			fs.failOn(tt.op, tt.file)
			version, err := store.Commit()
			require.ErrorIs(t, err, dberrors.ErrCommitIncomplete)
			require.ErrorIs(t, err, errInjected)
			require.Equal(t, uint64(1), version)
			require.Equal(t, uint64(1), store.Version())

			// the new generation is live even though cleanup is pending
			require.NoError(t, store.PutString("b", "2"))

			version, err = store.Commit()
			require.ErrorIs(t, err, dberrors.ErrCommitIncomplete)
			require.Equal(t, uint64(1), version)

			fs.heal()
			version, err = store.Commit()
			require.NoError(t, err)
			require.Equal(t, uint64(1), version)
			require.Equal(t, "1", readFile(t, fs, "version"))
			requireFiles(t, fs, memRoot,
				[]string{"checkpoint.1", "logfile.1"},
				[]string{"new_version", "checkpoint.0", "logfile.0"},
			)

			// the retry only cleaned up; the next commit checkpoints again
			version, err = store.Commit()
			require.NoError(t, err)
			require.Equal(t, uint64(2), version)
			require.NoError(t, store.Close())

			reopened := openMem(t, fs)
			defer reopened.Close()
			require.Equal(t, uint64(2), reopened.Version())
			require.Equal(t, map[string]string{"a": "1", "b": "2"}, contents(reopened))
		})
	}
}

func TestCommit_CrashDuringCleanupRecovers(t *testing.T) {
	fs := newFaultyFs()
	store := openMem(t, fs)
	require.NoError(t, store.PutString("a", "1"))

	fs.failOn("rename", "new_version")
	_, err := store.Commit()
	require.ErrorIs(t, err, dberrors.ErrCommitIncomplete)
	require.NoError(t, store.PutString("b", "2"))

	// crash: the engine is dropped and the store opened again
	fs.heal()
	reopened := openMem(t, fs)
	defer reopened.Close()

	require.Equal(t, uint64(1), reopened.Version())
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, contents(reopened))
	require.Equal(t, "1", readFile(t, fs, "version"))
	requireFiles(t, fs, memRoot, nil, []string{"new_version"})
}

func TestCommit_UnrecoverableRollbackRefusesWrites(t *testing.T) {
	fs := newFaultyFs()
	store := openMem(t, fs)
	require.NoError(t, store.PutString("a", "1"))

	// the directory sync after creating the new log fails, and so does
	// every attempt to undo the commit
	fs.failOn("open", "db")
	fs.failOn("remove", "new_version")
	fs.failOn("remove", "logfile.1")

	_, err := store.Commit()
	require.ErrorIs(t, err, errInjected)
	require.ErrorIs(t, err, dberrors.ErrCommitIncomplete)
	require.Equal(t, uint64(0), store.Version())

	require.ErrorIs(t, store.PutString("b", "2"), dberrors.ErrCommitIncomplete)
	_, err = store.Commit()
	require.ErrorIs(t, err, dberrors.ErrCommitIncomplete)

	value, found, err := store.GetString("a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", value)

	// the checkpoint and the log of version 1 are complete, so reopening
	// finishes the commit
	fs.heal()
	reopened := openMem(t, fs)
	defer reopened.Close()
	require.Equal(t, uint64(1), reopened.Version())
	require.Equal(t, map[string]string{"a": "1"}, contents(reopened))
	requireFiles(t, fs, memRoot, []string{"checkpoint.1", "logfile.1"}, []string{"new_version", "logfile.0"})
}

func TestCommit_RemovesLeftoverLogBeforeMarker(t *testing.T) {
	fs := newFaultyFs()
	store := openMem(t, fs)
	require.NoError(t, store.PutString("a", "1"))

	// a log of the next version from some earlier accident
	writeRaw(t, fs, "logfile.1", []byte("junk"))

	version, err := store.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)
	require.Empty(t, readFile(t, fs, "logfile.1"))
	require.NoError(t, store.Close())

	reopened := openMem(t, fs)
	defer reopened.Close()
	require.Equal(t, map[string]string{"a": "1"}, contents(reopened))
}

func TestCommit_WritersDoNotWaitForCheckpoint(t *testing.T) {
	fs := newGatedFs("checkpoint.1")
	store := openMem(t, fs)
	defer store.Close()
	require.NoError(t, store.PutString("a", "1"))

	type result struct {
		version uint64
		err     error
	}
	done := make(chan result, 1)
	go func() {
		v, err := store.Commit()
		done <- result{v, err}
	}()
	<-fs.reached

	// the commit is paused inside the checkpoint write and holds no lock,
	// so a writer that got past the phase check is not blocked behind it
	require.True(t, store.mu.TryLock())
	store.mu.Unlock()

	err := store.PutString("b", "2")
	require.ErrorIs(t, err, dberrors.ErrLock)
	require.True(t, dberrors.IsContention(err))
	require.ErrorIs(t, store.DeleteString("a"), dberrors.ErrLock)

	value, found, err := store.GetString("a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", value)

	close(fs.release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, uint64(1), res.version)

	require.NoError(t, store.PutString("b", "2"))
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, contents(store))
}
