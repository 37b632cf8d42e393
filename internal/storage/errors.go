package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed indicates a failure to reach ClickHouse.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrBatchInsertFailed indicates a batch that could not be inserted
	// after all retries.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrMigrationFailed indicates a schema migration failure.
	ErrMigrationFailed = errors.New("storage: migration failed")
)

// StorageError wraps a storage failure with the operation and table.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageErrorWithRetries creates a StorageError recording the retries spent.
func NewStorageErrorWithRetries(op, table string, err error, retries int) *StorageError {
	return &StorageError{Op: op, Table: table, Err: err, Retries: retries}
}

// WrapConnectionError wraps err as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrBatchInsertFailed)
}
