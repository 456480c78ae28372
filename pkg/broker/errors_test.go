package broker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassifyStatus(429))
	assert.Equal(t, ClassTransient, ClassifyStatus(500))
	assert.Equal(t, ClassTransient, ClassifyStatus(503))
	assert.Equal(t, ClassFatal, ClassifyStatus(401))
	assert.Equal(t, ClassFatal, ClassifyStatus(403))
	assert.Equal(t, ClassRejected, ClassifyStatus(404))
	assert.Equal(t, ClassRejected, ClassifyStatus(422))
}

func TestClassPredicatesUnwrap(t *testing.T) {
	wrapped := fmt.Errorf("submitting order: %w", &Error{Class: ClassTransient, StatusCode: 429})
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsRejected(wrapped))
	assert.False(t, IsFatal(wrapped))
}

func TestAvailableQuantity(t *testing.T) {
	err := fmt.Errorf("leg: %w", &Error{Class: ClassRejected, Available: 12})
	avail, ok := AvailableQuantity(err)
	assert.True(t, ok)
	assert.InDelta(t, 12.0, avail, 1e-9)

	_, ok = AvailableQuantity(&Error{Class: ClassRejected})
	assert.False(t, ok)
	_, ok = AvailableQuantity(&Error{Class: ClassTransient, Available: 12})
	assert.False(t, ok)
	_, ok = AvailableQuantity(fmt.Errorf("plain"))
	assert.False(t, ok)
}
