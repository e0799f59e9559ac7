// Package errors provides structured error types for specboard.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTimeout        = errors.New("operation timed out")
	ErrUnavailable    = errors.New("service unavailable")
	ErrGitUnavailable = errors.New("git unavailable")
	ErrDenied         = errors.New("access denied")
)

// ParseError reports a document that could not be read or understood.
// It is always recovered locally: the document is treated as absent.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// WatchSetupError reports a directory that could not be watched yet.
type WatchSetupError struct {
	Path string
	Err  error
}

func (e *WatchSetupError) Error() string {
	return fmt.Sprintf("watch %s: %v", e.Path, e.Err)
}

func (e *WatchSetupError) Unwrap() error { return e.Err }

// PortInUseError is returned when the requested listen port is taken.
type PortInUseError struct {
	Port int
	Err  error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d is already in use", e.Port)
}

func (e *PortInUseError) Unwrap() error { return e.Err }

// Tunnel provider error codes.
const (
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderUnknown     = "PROVIDER_UNKNOWN"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeSpawnFailed         = "SPAWN_FAILED"
	CodeURLTimeout          = "URL_TIMEOUT"
	CodeEarlyExit           = "PROCESS_EXITED"
	CodeNoProvider          = "NO_PROVIDER_AVAILABLE"
)

// TunnelProviderError carries a machine code, a user-facing explanation and
// remediation steps for the operator.
type TunnelProviderError struct {
	Code        string
	Provider    string
	Message     string
	Remediation []string
	Attempted   []string
	Output      string
	Err         error
}

func (e *TunnelProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		fmt.Fprintf(&b, "tunnel provider %s: ", e.Provider)
	} else {
		b.WriteString("tunnel: ")
	}
	b.WriteString(e.Message)
	if len(e.Attempted) > 0 {
		fmt.Fprintf(&b, " (attempted: %s)", strings.Join(e.Attempted, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TunnelProviderError) Unwrap() error { return e.Err }

// NewTunnelError creates a TunnelProviderError.
func NewTunnelError(code, provider, message string, remediation ...string) *TunnelProviderError {
	return &TunnelProviderError{
		Code:        code,
		Provider:    provider,
		Message:     message,
		Remediation: remediation,
	}
}

// ProcessSpawnError reports a tunnel executable that failed to start.
// It is fatal to that tunnel attempt only.
type ProcessSpawnError struct {
	Binary string
	Err    error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

// IsFallbackable returns true if an auto-selecting tunnel manager may move on
// to the next provider after this error.
func IsFallbackable(err error) bool {
	if err == nil {
		return false
	}
	var spawnErr *ProcessSpawnError
	if errors.As(err, &spawnErr) {
		return true
	}
	var tErr *TunnelProviderError
	if errors.As(err, &tErr) {
		switch tErr.Code {
		case CodeProviderUnavailable, CodeSpawnFailed, CodeURLTimeout, CodeEarlyExit:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// RemediationOf returns the remediation steps carried by err, if any.
func RemediationOf(err error) []string {
	var tErr *TunnelProviderError
	if errors.As(err, &tErr) {
		return tErr.Remediation
	}
	return nil
}
