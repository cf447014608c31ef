package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

var (
	// ErrConfiguration is the sentinel behind ConfigurationError.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrSessionBusy is the sentinel behind SessionBusyError.
	ErrSessionBusy = errors.New("session busy")

	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("session closed")
)

// ConfigurationError is fatal and never retried.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", ErrConfiguration, e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Message)
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// SessionBusyError is returned when an execute overlaps another one on the
// same session or on the same store, or when the store lease is lost while
// executing. Names holds the intents the rejected call covered.
type SessionBusyError struct {
	Reason   string
	Names    []string
	Snapshot map[string]*domain.DeploymentRecord
	Err      error
}

func (e *SessionBusyError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrSessionBusy, e.Reason)
	if len(e.Names) > 0 {
		msg += " [" + strings.Join(e.Names, ", ") + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionBusyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSessionBusy}
	}
	return []error{ErrSessionBusy, e.Err}
}

// Record returns the snapshot record of name, or nil.
func (e *SessionBusyError) Record(name string) *domain.DeploymentRecord {
	return e.Snapshot[name]
}

// ExecuteError wraps a fatal execute failure with the offending names and
// the store contents at the time of failure.
type ExecuteError struct {
	Names    []string
	Snapshot map[string]*domain.DeploymentRecord
	Err      error
}

func (e *ExecuteError) Error() string {
	if len(e.Names) == 0 {
		return fmt.Sprintf("execute: %v", e.Err)
	}
	return fmt.Sprintf("execute [%s]: %v", strings.Join(e.Names, ", "), e.Err)
}

func (e *ExecuteError) Unwrap() error {
	return e.Err
}

// Record returns the snapshot record of name, or nil.
func (e *ExecuteError) Record(name string) *domain.DeploymentRecord {
	return e.Snapshot[name]
}
