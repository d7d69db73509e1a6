package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrInitialization   = errors.New("simpledb: database creation failed")
	ErrLock             = errors.New("simpledb: unable to acquire lock")
	ErrNotFound         = errors.New("simpledb: database files not found on disk")
	ErrKeyNotFound      = errors.New("simpledb: key not found")
	ErrLoadCheckpoint   = errors.New("simpledb: failed to load records from checkpoint")
	ErrEndReached       = errors.New("simpledb: end of log reached")
	ErrInvalidOperation = errors.New("simpledb: invalid log operation")
	ErrCorruptedLog     = errors.New("simpledb: corrupted log entry")
	ErrClosed           = errors.New("simpledb: closed")
	ErrCommitIncomplete = errors.New("simpledb: commit cleanup incomplete")
)

// LockKind tells which side of the reader/writer section was refused.
type LockKind uint8

const (
	LockRead LockKind = iota
	LockWrite
)

func (k LockKind) String() string {
	switch k {
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	default:
		return fmt.Sprintf("LockKind(%d)", uint8(k))
	}
}

// LockError is returned when an operation is rejected because of contention,
// e.g. a write admitted while a commit is running.
type LockError struct {
	Kind   LockKind
	Reason string
}

func (e *LockError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", ErrLock, e.Kind)
	}
	return fmt.Sprintf("%s: %s, reason: %s", ErrLock, e.Kind, e.Reason)
}

func (e *LockError) Is(target error) bool {
	return target == ErrLock
}

// KeyNotFoundError is returned by lookups that require the key to be present.
type KeyNotFoundError struct {
	Key []byte
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q", ErrKeyNotFound, e.Key)
}

func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// InvalidOperationError reports a WAL record carrying an unknown tag byte.
type InvalidOperationError struct {
	Tag    byte
	Offset int64
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("%s: %q at offset %d", ErrInvalidOperation, e.Tag, e.Offset)
}

func (e *InvalidOperationError) Is(target error) bool {
	return target == ErrInvalidOperation
}

// IsContention reports whether err is a lock rejection the caller may retry.
func IsContention(err error) bool {
	return errors.Is(err, ErrLock)
}
