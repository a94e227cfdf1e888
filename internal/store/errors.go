package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation targets a key with no entry.
// For status updates this is the signal that the message was already
// confirmed or deleted by a racing path; callers treat it as benign.
var ErrNotFound = errors.New("store: not found")

// StorageError wraps an I/O failure from the underlying storage medium.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
