package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/afero"

	"simpledb/pkg/codec"
	"simpledb/pkg/dberrors"
)

// File is the byte stream backing a log. afero.File and *os.File satisfy it.
type File interface {
	io.ReadWriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// Log is an append-only sequence of operations stored in a single file.
type Log struct {
	mu     sync.Mutex
	file   File
	path   string
	size   int64
	logger *slog.Logger

	// end of the last complete record seen by Replay; -1 before any replay
	good int64

	// set when a failed append could not be undone; appends are refused
	// until Repair drops the damaged tail
	broken error
}

// Open opens the log at path, creating it if needed.
func Open(fs afero.Fs, path string) (*Log, error) {
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	l := New(file)
	l.path = path
	l.size = info.Size()
	return l, nil
}

// New wraps an already opened stream. The stream is assumed to be empty or
// positioned anywhere; appends always go to its end.
func New(f File) *Log {
	return &Log{
		file:   f,
		logger: slog.Default(),
		good:   -1,
	}
}

// SetLogger replaces the logger used for replay warnings.
func (l *Log) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Append writes op at the end of the log. It returns once the write call
// succeeded; use AppendSync when the record has to survive a crash.
func (l *Log) Append(op Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.append(op)
	return err
}

// AppendSync writes op and forces it to stable storage before returning.
// When the sync fails the record is dropped again, so a reported failure
// does not reappear on replay.
func (l *Log) AppendSync(op Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	end, err := l.append(op)
	if err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.dropTail(end)
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// append writes op at the end of the file and returns the offset it starts at.
func (l *Log) append(op Operation) (int64, error) {
	if l.file == nil {
		return 0, dberrors.ErrClosed
	}
	if l.broken != nil {
		return 0, l.broken
	}

	buf, err := op.AppendTo(make([]byte, 0, op.EncodedLen()))
	if err != nil {
		return 0, err
	}

	end, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to seek WAL end: %w", err)
	}

	if _, err := l.file.Write(buf); err != nil {
		// drop the partial record so the next append starts on a record boundary
		l.dropTail(end)
		return 0, fmt.Errorf("failed to write WAL entry: %w", err)
	}

	l.size = end + int64(len(buf))
	return end, nil
}

// dropTail truncates the file back to end. If that fails, a later record
// would be read as part of the damaged one, so the log stops taking appends.
func (l *Log) dropTail(end int64) {
	if err := l.file.Truncate(end); err != nil {
		l.broken = fmt.Errorf("%w: unfinished record at offset %d could not be dropped: %w",
			dberrors.ErrCorruptedLog, end, err)
		l.logger.Error("failed to drop partial WAL record", "path", l.path, "offset", end, "error", err)
		return
	}
	l.size = end
}

// Replay rewinds the log and calls fn for every operation in append order.
//
// A missing or partial trailing record is the normal end of the log: a crash
// may interrupt an append that was never acknowledged. An unknown tag byte is
// fatal and returned as *dberrors.InvalidOperationError.
func (l *Log) Replay(fn func(Operation) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return dberrors.ErrClosed
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind WAL: %w", err)
	}

	r := &countingReader{r: bufio.NewReader(l.file)}
	for {
		start := r.n
		op, err := readOperation(r, start)
		switch {
		case err == nil:
		case errors.Is(err, dberrors.ErrEndReached):
			l.good = start
			return nil
		case errors.Is(err, codec.ErrTruncated):
			l.good = start
			l.logger.Warn("WAL ends with a partial record",
				"path", l.path, "offset", start)
			return nil
		default:
			return err
		}

		if err := fn(op); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

// ReadAll replays the whole log into a slice.
func (l *Log) ReadAll() ([]Operation, error) {
	var ops []Operation
	err := l.Replay(func(op Operation) error {
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Repair truncates bytes past the last complete record found by Replay.
// It reports whether anything was dropped.
func (l *Log) Repair() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return false, dberrors.ErrClosed
	}
	if l.good < 0 {
		return false, errors.New("WAL repair requires a replay first")
	}

	end, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return false, fmt.Errorf("failed to seek WAL end: %w", err)
	}
	if end <= l.good {
		l.broken = nil
		return false, nil
	}

	if err := l.file.Truncate(l.good); err != nil {
		return false, fmt.Errorf("failed to truncate WAL tail: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return false, fmt.Errorf("failed to sync WAL: %w", err)
	}

	l.logger.Warn("dropped partial WAL record", "path", l.path, "offset", l.good, "bytes", end-l.good)
	l.size = l.good
	l.broken = nil
	return true, nil
}

// Size returns the size of the log in bytes as of the last append or open.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *Log) Path() string {
	return l.path
}

// Close closes the underlying file. It is safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	return nil
}

func readOperation(r io.Reader, offset int64) (Operation, error) {
	tag, err := codec.ReadChar(r)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return Operation{}, dberrors.ErrEndReached
	case errors.Is(err, codec.ErrBadCharFrame):
		return Operation{}, fmt.Errorf("%w at offset %d: %w", dberrors.ErrCorruptedLog, offset, err)
	default:
		return Operation{}, err
	}

	switch Kind(tag) {
	case KindPut:
		key, err := readField(r)
		if err != nil {
			return Operation{}, err
		}
		value, err := readField(r)
		if err != nil {
			return Operation{}, err
		}
		return Put(key, value), nil
	case KindDelete:
		key, err := readField(r)
		if err != nil {
			return Operation{}, err
		}
		return Delete(key), nil
	default:
		return Operation{}, &dberrors.InvalidOperationError{Tag: tag, Offset: offset}
	}
}

// readField reads a frame that must exist: running out of input inside a
// record is a truncation, not a clean end.
func readField(r io.Reader) ([]byte, error) {
	b, err := codec.ReadBytes(r)
	if errors.Is(err, io.EOF) {
		return nil, codec.ErrTruncated
	}
	return b, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
