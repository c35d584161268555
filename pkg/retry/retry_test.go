package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/toolrunner/pkg/executor"
	"github.com/cuemby/toolrunner/pkg/types"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2.0, p.Base)
	assert.Equal(t, 60*time.Second, p.MaxBackoff)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: 2.0, MaxBackoff: 10 * time.Second}

	assert.Equal(t, 1*time.Second, p.backoff(0))
	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 4*time.Second, p.backoff(2))
	assert.Equal(t, 8*time.Second, p.backoff(3))
	// Exceeds the cap: Base^4 == 16s, capped at MaxBackoff.
	assert.Equal(t, 10*time.Second, p.backoff(4))
}

type retryableErr struct{ retryable bool }

func (e *retryableErr) Error() string   { return "infra error" }
func (e *retryableErr) Retryable() bool { return e.retryable }

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&retryableErr{retryable: true}))
	assert.False(t, isRetryable(&retryableErr{retryable: false}))
	assert.False(t, isRetryable(errors.New("plain error")))
}

func TestClassifyTimeout(t *testing.T) {
	assert.Nil(t, ClassifyTimeout(nil))
	assert.Nil(t, ClassifyTimeout(&executor.Result{TimedOut: false}))

	execErr := ClassifyTimeout(&executor.Result{TimedOut: true})
	if assert.NotNil(t, execErr) {
		assert.Equal(t, types.ErrTimeout, execErr.Type)
		assert.True(t, execErr.Retryable)
	}
}
