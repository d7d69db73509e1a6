package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const memRoot = "/db"

var errInjected = errors.New("injected failure")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMem(t *testing.T, fs afero.Fs, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithFs(fs), WithLogger(quietLogger())}, opts...)
	e, err := Open(memRoot, opts...)
	require.NoError(t, err)
	return e
}

// contents returns the whole record set as strings.
func contents(e *Engine) map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]string)
	e.records.Range(func(k, v []byte) bool {
		out[string(k)] = string(v)
		return true
	})
	return out
}

func requireFiles(t *testing.T, fs afero.Fs, root string, present []string, absent []string) {
	t.Helper()
	for _, name := range present {
		ok, err := afero.Exists(fs, filepath.Join(root, name))
		require.NoError(t, err)
		require.Truef(t, ok, "expected %s to exist", name)
	}
	for _, name := range absent {
		ok, err := afero.Exists(fs, filepath.Join(root, name))
		require.NoError(t, err)
		require.Falsef(t, ok, "expected %s to be gone", name)
	}
}

func readFile(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, filepath.Join(memRoot, name))
	require.NoError(t, err)
	return string(data)
}

// faultyFs fails selected operations on selected file names. Removals only
// fail for files that exist.
type faultyFs struct {
	afero.Fs

	mu    sync.Mutex
	fails map[string]bool
}

func newFaultyFs() *faultyFs {
	return &faultyFs{Fs: afero.NewMemMapFs(), fails: make(map[string]bool)}
}

func (f *faultyFs) failOn(op, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op+":"+name] = true
}

func (f *faultyFs) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = make(map[string]bool)
}

func (f *faultyFs) check(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[op+":"+filepath.Base(name)] {
		return &os.PathError{Op: op, Path: name, Err: errInjected}
	}
	return nil
}

func (f *faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if err := f.check("open", name); err != nil {
		return nil, err
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *faultyFs) Open(name string) (afero.File, error) {
	if err := f.check("open", name); err != nil {
		return nil, err
	}
	return f.Fs.Open(name)
}

func (f *faultyFs) Remove(name string) error {
	if _, err := f.Fs.Stat(name); err == nil {
		if err := f.check("remove", name); err != nil {
			return err
		}
	}
	return f.Fs.Remove(name)
}

func (f *faultyFs) Rename(oldname, newname string) error {
	if err := f.check("rename", oldname); err != nil {
		return err
	}
	return f.Fs.Rename(oldname, newname)
}

// gatedFs pauses the first OpenFile of one file name until released.
type gatedFs struct {
	afero.Fs

	name    string
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func newGatedFs(name string) *gatedFs {
	return &gatedFs{
		Fs:      afero.NewMemMapFs(),
		name:    name,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if filepath.Base(name) == g.name {
		g.once.Do(func() {
			close(g.reached)
			<-g.release
		})
	}
	return g.Fs.OpenFile(name, flag, perm)
}
