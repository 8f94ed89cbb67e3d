package fetch

import (
	"context"
	"errors"
	"fmt"
)

// Machine-readable reason codes carried on ledger events and usable in
// scripted assertions. Every Failed transition maps to exactly one code.
const (
	ReasonNetwork        = "network_error"
	ReasonServerRejected = "server_rejected"
	ReasonIntegrity      = "integrity_mismatch"
	ReasonExtraction     = "extraction_failed"
	ReasonDisk           = "disk_error"
	ReasonConfig         = "config_error"
	ReasonCancelled      = "cancelled"
	ReasonPreHook        = "pre_hook_failed"
	ReasonClone          = "clone_failed"
)

// NetworkError represents transient network failures: transport errors,
// timeouts, and 5xx responses. These are the only retryable errors.
type NetworkError struct {
	Operation  string // The operation that failed (e.g. "probe", "transfer")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d)", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError represents a non-retryable rejection from the remote server,
// the 4xx class.
type ServerError struct {
	URL        string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected %s with HTTP %d", e.URL, e.StatusCode)
}

// DiskError represents fatal local I/O failures while creating, writing, or
// renaming the destination.
type DiskError struct {
	Path string
	Err  error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk error on %s: %v", e.Path, e.Err)
}

func (e *DiskError) Unwrap() error {
	return e.Err
}

// ConfigError represents a malformed record or URL discovered at planning
// time.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// CancelledError marks a transfer stopped by the cancellation signal. The
// temporary file has already been discarded when this is returned.
type CancelledError struct {
	Operation string
	Err       error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Operation)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the transfer engine may retry after err.
// Only transient network failures qualify.
func IsRetryable(err error) bool {
	var netErr *NetworkError

	return errors.As(err, &netErr)
}

// ReasonCode maps an error from the transfer engine to its machine-readable
// reason code.
func ReasonCode(err error) string {
	var (
		netErr    *NetworkError
		srvErr    *ServerError
		diskErr   *DiskError
		cfgErr    *ConfigError
		cancelErr *CancelledError
	)

	switch {
	case errors.As(err, &cancelErr), errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.As(err, &srvErr):
		return ReasonServerRejected
	case errors.As(err, &diskErr):
		return ReasonDisk
	case errors.As(err, &cfgErr):
		return ReasonConfig
	case errors.As(err, &netErr):
		return ReasonNetwork
	default:
		return ReasonNetwork
	}
}
