package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// IOError wraps a failed read or write against the database. A mutation that
// returns an IOError was not persisted.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioErr(op string, err error) error {
	return &IOError{Op: op, Err: err}
}

// Timestamps are stored as UTC unix milliseconds so they sort and compare
// as integers.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
