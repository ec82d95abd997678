package storage

import (
	"errors"
	"fmt"
)

// PersistenceError is a database failure other than the expected dedup
// conflict. The affected transaction has been rolled back, so the page is
// not ingested and a later run retries it.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("persistence error: %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is a *PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Wrap returns err as a *PersistenceError for op on key; nil stays nil.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
