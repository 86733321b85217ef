package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesIdentity(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "wrapped: %d", 42)

	assert.Contains(t, wrapped.Error(), "wrapped: 42")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestNotFound(t *testing.T) {
	err := NewNotFoundError("execution %s", "abc")
	assert.True(t, IsNotFoundError(err))
	assert.True(t, IsNotFoundError(Wrap(err, "get status")))
	assert.False(t, IsNotFoundError(New("other")))
	assert.False(t, IsNotFoundError(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"auth", NewAuthenticationError("missing API key"), http.StatusUnauthorized},
		{"rate", NewRateLimitError(3 * time.Second), http.StatusTooManyRequests},
		{"validation", NewValidationError("network", "network is required"), http.StatusBadRequest},
		{"admission", NewAdmissionError("daily cap exceeded"), http.StatusForbidden},
		{"not found", NewNotFoundError("execution %s", "x"), http.StatusNotFound},
		{"not implemented", Wrap(ErrNotImplemented, "swap"), http.StatusNotImplemented},
		{"wrapped auth", Wrap(NewAuthenticationError("bad"), "admit"), http.StatusUnauthorized},
		{"upstream", &UpstreamRPCError{Chain: "base", Cause: New("RPC call failed on both endpoints: eof")}, http.StatusBadGateway},
		{"plain", New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestValidationFieldSurvivesWrapping(t *testing.T) {
	err := Wrap(NewValidationError("calls[2].network", "network is required"), "batch read")
	assert.Equal(t, "calls[2].network", FieldOf(err))
	assert.Equal(t, "", FieldOf(New("plain")))
}

func TestRateLimitRetryAfterRoundsUp(t *testing.T) {
	assert.Equal(t, 1, RetryAfterOf(NewRateLimitError(0)))
	assert.Equal(t, 1, RetryAfterOf(NewRateLimitError(200*time.Millisecond)))
	assert.Equal(t, 3, RetryAfterOf(NewRateLimitError(2100*time.Millisecond)))
	assert.Equal(t, 0, RetryAfterOf(New("other")))
}

func TestBusinessFailureMarking(t *testing.T) {
	cause := fmt.Errorf("insufficient funds")
	marked := MarkBusinessFailure(cause)

	assert.True(t, IsBusinessFailure(marked))
	assert.Equal(t, "insufficient funds", marked.Error())
	assert.False(t, IsBusinessFailure(cause))
	assert.True(t, IsBusinessFailure(MarkBusinessFailure(nil)))
}

func TestUpstreamRPCErrorMessageIsVerbatim(t *testing.T) {
	cause := New("ethereum RPC failed on both endpoints: primary: timeout, fallback: 502")
	err := &UpstreamRPCError{Chain: "ethereum", Cause: cause}

	assert.Equal(t, cause.Error(), err.Error())
	var target *UpstreamRPCError
	require.True(t, As(Wrap(err, "transfer"), &target))
	assert.Equal(t, "ethereum", target.Chain)
}

func TestSystemError(t *testing.T) {
	assert.Nil(t, NewSystemError(nil))
	err := NewSystemError(New("datastore unreachable"))
	var target *SystemError
	require.True(t, As(err, &target))
	assert.Equal(t, "datastore unreachable", err.Error())
}
