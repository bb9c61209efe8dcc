package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrStateConflict = errors.New("state changed concurrently")
	ErrDuplicate     = errors.New("record already exists")
)

type SyncErrorKind string

const (
	SyncErrorTransient SyncErrorKind = "transient"
	SyncErrorFatal     SyncErrorKind = "fatal"
)

// SyncError lets a strategy classify a failure explicitly.
type SyncError struct {
	Kind   SyncErrorKind
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s sync error: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s sync error: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func Fatal(reason string, err error) error {
	return &SyncError{Kind: SyncErrorFatal, Reason: reason, Err: err}
}

func Transient(reason string, err error) error {
	return &SyncError{Kind: SyncErrorTransient, Reason: reason, Err: err}
}

func IsFatal(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == SyncErrorFatal
}
