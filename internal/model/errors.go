package model

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
	"time"
)

// ErrNotFound is returned by lookups of records that do not exist
var ErrNotFound = errors.New("not found")

// ErrorType classifies sync failures
type ErrorType string

const (
	ErrFileAccess ErrorType = "file_access"
	ErrNetwork    ErrorType = "network"
	ErrDiskSpace  ErrorType = "disk_space"
	ErrPermission ErrorType = "permission"
	ErrConflict   ErrorType = "conflict"
	ErrTimeout    ErrorType = "timeout"
	ErrInternal   ErrorType = "internal"
	ErrUnknown    ErrorType = "unknown"
)

// SyncError is a typed failure recorded against a (tenant, folder)
type SyncError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Path       string    `json:"path,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
	Resolved   bool      `json:"resolved"`

	cause error
}

// NewSyncError builds a SyncError wrapping cause
func NewSyncError(typ ErrorType, path string, cause error) *SyncError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &SyncError{
		Type:      typ,
		Message:   msg,
		Path:      path,
		Timestamp: time.Now(),
		cause:     cause,
	}
}

// Error implements error
func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any
func (e *SyncError) Unwrap() error {
	return e.cause
}

// Classify maps an arbitrary error onto the sync error taxonomy
func Classify(err error) ErrorType {
	if err == nil {
		return ErrUnknown
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se.Type
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrInternal
	case errors.Is(err, syscall.ENOSPC):
		return ErrDiskSpace
	case errors.Is(err, fs.ErrPermission):
		return ErrPermission
	case errors.Is(err, fs.ErrNotExist):
		return ErrFileAccess
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ErrFileAccess
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}
		return ErrNetwork
	}

	return ErrUnknown
}
