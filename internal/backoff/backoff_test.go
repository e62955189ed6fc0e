package backoff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy keeps test wall-clock time negligible.
func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond}
}

type classedError struct {
	msg       string
	transient bool
}

func (e *classedError) Error() string   { return e.msg }
func (e *classedError) Transient() bool { return e.transient }

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	const n = 4
	calls := 0
	out := Do(context.Background(), fastPolicy(n), nil, "test.op", func(context.Context) error {
		calls++
		if calls < n {
			return &classedError{msg: "connection reset", transient: true}
		}
		return nil
	})
	require.NoError(t, out.Err)
	assert.Equal(t, n, out.Attempts)
	assert.Equal(t, n, calls)
}

func TestDoPermanentFailsImmediately(t *testing.T) {
	calls := 0
	out := Do(context.Background(), fastPolicy(5), nil, "test.op", func(context.Context) error {
		calls++
		return &classedError{msg: "401 unauthorized", transient: false}
	})
	require.Error(t, out.Err)
	assert.Equal(t, 1, out.Attempts, "permanent failures are attempted exactly once")
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	calls := 0
	sentinel := &classedError{msg: "503", transient: true}
	out := Do(context.Background(), fastPolicy(3), nil, "test.op", func(context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, out.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.ErrorIs(t, out.Err, sentinel)
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out := Do(ctx, p, nil, "test.op", func(context.Context) error {
		return &classedError{msg: "timeout", transient: true}
	})
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, out.Attempts)
}

func TestPolicyDelayMonotonicAndCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must be non-decreasing")
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(9))
}

func TestDefaultClassifier(t *testing.T) {
	assert.Equal(t, ClassTransient, DefaultClassifier(&classedError{transient: true}))
	assert.Equal(t, ClassPermanent, DefaultClassifier(&classedError{transient: false}))
	assert.Equal(t, ClassTransient, DefaultClassifier(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, ClassPermanent, DefaultClassifier(errors.New("unknown failure")))
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassifyHTTPStatus(http.StatusInternalServerError))
	assert.Equal(t, ClassTransient, ClassifyHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, ClassTransient, ClassifyHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, ClassTransient, ClassifyHTTPStatus(http.StatusRequestTimeout))
	assert.Equal(t, ClassPermanent, ClassifyHTTPStatus(http.StatusUnauthorized))
	assert.Equal(t, ClassPermanent, ClassifyHTTPStatus(http.StatusBadRequest))
	assert.Equal(t, ClassPermanent, ClassifyHTTPStatus(http.StatusNotFound))
}
