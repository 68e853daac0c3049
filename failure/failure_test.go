package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = New(Authorization, "not creator")

func TestKindOfFollowsChain(t *testing.T) {
	wrapped := fmt.Errorf("close rating 3: %w", errSentinel)
	assert.Equal(t, Authorization, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, errSentinel))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestWrapKeepsKindAndOp(t *testing.T) {
	err := Wrap("registry.CloseRating", errSentinel)
	assert.Equal(t, "registry.CloseRating: not creator", err.Error())
	assert.Equal(t, Authorization, KindOf(err))
	assert.ErrorIs(t, err, errSentinel)
	assert.Nil(t, Wrap("op", nil))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"infrastructure", New(Infrastructure, "sdk unavailable"), true},
		{"wrapped infrastructure", fmt.Errorf("load: %w", New(Infrastructure, "down")), true},
		{"validation", New(Validation, "bad"), false},
		{"cryptographic", New(Cryptographic, "bad proof"), false},
		{"unclassified", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestErrorCodeRoundTrip(t *testing.T) {
	for _, kind := range []Kind{Validation, Authorization, Cryptographic, Infrastructure, NotFound} {
		err := New(kind, "x")
		remote := FromCode(err.ErrorCode(), err.Error())
		assert.Equal(t, kind, remote.Kind)
	}
	assert.Equal(t, Unknown, FromCode(-32601, "method not found").Kind)
}

func TestParseKind(t *testing.T) {
	for _, kind := range []Kind{Validation, Authorization, Cryptographic, Infrastructure, NotFound} {
		assert.Equal(t, kind, ParseKind(kind.String()))
	}
	assert.Equal(t, Unknown, ParseKind("teapot"))
}
