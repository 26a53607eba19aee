package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestTaskTimeout tests timeout conversion
func TestTaskTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), Task{}.Timeout())
	assert.Equal(t, time.Duration(0), Task{TimeoutMs: -5}.Timeout())
	assert.Equal(t, 1500*time.Millisecond, Task{TimeoutMs: 1500}.Timeout())
}

// TestTaskValidate tests task validation rules
func TestTaskValidate(t *testing.T) {
	assert.NoError(t, Task{Handler: "sleep"}.Validate())
	assert.ErrorIs(t, Task{}.Validate(), ErrInvalidTask)
	assert.ErrorIs(t, Task{Handler: "sleep", Retry: -1}.Validate(), ErrInvalidTask)
	assert.ErrorIs(t, Task{Handler: "sleep", TimeoutMs: -1}.Validate(), ErrInvalidTask)
}

func TestFinishDuration(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, Finish{TakeUpTime: 250}.Duration())
}
