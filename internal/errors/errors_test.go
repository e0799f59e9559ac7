package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTunnelProviderError_Error(t *testing.T) {
	err := NewTunnelError(CodeProviderUnavailable, "ngrok", "executable not found", "install ngrok")
	assert.Contains(t, err.Error(), "ngrok")
	assert.Contains(t, err.Error(), "executable not found")
	assert.Equal(t, []string{"install ngrok"}, RemediationOf(err))
}

func TestTunnelProviderError_Attempted(t *testing.T) {
	err := &TunnelProviderError{
		Code:      CodeNoProvider,
		Message:   "no tunnel provider could be started",
		Attempted: []string{"cloudflare", "ngrok"},
	}
	assert.Contains(t, err.Error(), "cloudflare, ngrok")
}

func TestTunnelProviderError_Wrapped(t *testing.T) {
	inner := errors.New("exec: not found")
	err := &TunnelProviderError{Code: CodeSpawnFailed, Provider: "lt", Message: "spawn", Err: inner}
	assert.ErrorIs(t, err, inner)
}

func TestIsFallbackable(t *testing.T) {
	assert.True(t, IsFallbackable(NewTunnelError(CodeProviderUnavailable, "x", "m")))
	assert.True(t, IsFallbackable(NewTunnelError(CodeURLTimeout, "x", "m")))
	assert.True(t, IsFallbackable(&ProcessSpawnError{Binary: "ssh", Err: errors.New("boom")}))
	assert.True(t, IsFallbackable(ErrTimeout))

	assert.False(t, IsFallbackable(nil))
	assert.False(t, IsFallbackable(NewTunnelError(CodeInvalidConfig, "x", "m")))
	assert.False(t, IsFallbackable(ErrInvalidInput))
}

func TestTypedErrorsUnwrap(t *testing.T) {
	inner := errors.New("permission denied")
	assert.ErrorIs(t, &ParseError{Path: "a.md", Err: inner}, inner)
	assert.ErrorIs(t, &WatchSetupError{Path: "/x", Err: inner}, inner)
	assert.ErrorIs(t, &PortInUseError{Port: 3000, Err: inner}, inner)
	assert.Contains(t, (&PortInUseError{Port: 3000}).Error(), "3000")
}
