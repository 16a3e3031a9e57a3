package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskqueue/core/internal/store/storetest"
)

func TestNew(t *testing.T) {
	// Nil broker/registry: mirrors the constructor-only style the rest of
	// this codebase uses for redis-backed components.
	d := New(nil, nil, storetest.New())

	assert.NotNil(t, d)
	assert.Nil(t, d.broker)
	assert.Nil(t, d.registry)
	assert.NotNil(t, d.store)
}

func TestMaxAcquireAttempts(t *testing.T) {
	assert.Equal(t, 5, maxAcquireAttempts)
}

func TestErrNoWork(t *testing.T) {
	assert.EqualError(t, ErrNoWork, "dispatcher: no work available")
}
