package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffForDoublesPerAttempt(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, backoffFor(base, 1))
	assert.Equal(t, 2*time.Second, backoffFor(base, 2))
	assert.Equal(t, 4*time.Second, backoffFor(base, 3))
	assert.Equal(t, 8*time.Second, backoffFor(base, 4))
}

func TestBackoffForDefaultsBaseWhenUnset(t *testing.T) {
	assert.Equal(t, time.Second, backoffFor(0, 1))
}

func TestBackoffForClampsAttemptFloor(t *testing.T) {
	assert.Equal(t, time.Second, backoffFor(time.Second, 0))
}
