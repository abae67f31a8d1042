package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(PaymentInvalid, "deposit transaction already used")
	assert.Equal(t, PaymentInvalid, KindOf(err))

	wrapped := fmt.Errorf("handling request: %w", err)
	assert.Equal(t, PaymentInvalid, KindOf(wrapped))

	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestMessageOf_SanitizesNonFaults(t *testing.T) {
	assert.Equal(t, "no such job", MessageOf(New(NotFound, "no such job")))
	assert.Equal(t, "An unexpected error occurred",
		MessageOf(errors.New("pq: connection refused to 10.0.0.5")))
}

func TestWrap_PreservesUnderlying(t *testing.T) {
	cause := errors.New("rpc timeout")
	err := Wrap(PaymentBackend, "chain unavailable", cause)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, Is(err, PaymentBackend))
	assert.False(t, Is(err, PaymentInvalid))
}
