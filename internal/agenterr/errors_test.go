package agenterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"transport sentinel", New(KindTransport, "start", errors.New("boom")), Transport, true},
		{"protocol vs transport", New(KindProtocol, "read", errors.New("bad json")), Transport, false},
		{"wrapped state", fmt.Errorf("prompt: %w", ErrTurnActive), State, true},
		{"cancelled sentinel", ErrCancelled, Cancelled, true},
		{"version error bare", &VersionError{Component: "agent", Have: "0.80", Min: "0.82"}, Version, true},
		{"plain error", errors.New("x"), State, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestWrapKeepsKind(t *testing.T) {
	inner := New(KindProtocol, "decode", errors.New("bad"))
	err := Wrap(KindTransport, "read", inner)

	assert.Equal(t, KindProtocol, KindOf(err))
	assert.ErrorIs(t, err, inner, "wrapped error should match inner")
	assert.NoError(t, Wrap(KindState, "noop", nil), "Wrap(nil) should return nil")
}

func TestIsSessionFatal(t *testing.T) {
	assert.True(t, IsSessionFatal(fmt.Errorf("turn: %w", ErrProcessExited)), "process exit should be session fatal")
	assert.False(t, IsSessionFatal(Errorf(KindProtocol, "read", "malformed")), "protocol error should not be session fatal")
	assert.False(t, IsSessionFatal(ErrCancelled), "cancellation should not be session fatal")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "version_low", KindVersion.String())
	assert.Equal(t, "protocol", KindProtocol.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
