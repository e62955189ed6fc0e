// Package backoff wraps external calls with bounded, jittered exponential
// retry. The policy (attempts, delay curve) and the failure classifier are
// parameters, so call sites carry no retry logic of their own and the
// policy is testable in isolation.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sabaki-ai/sabaki/internal/telemetry"
)

// Class is the retry classification of a failure.
type Class int

const (
	// ClassTransient failures (timeouts, connection resets, 5xx-equivalent)
	// are likely to succeed on retry.
	ClassTransient Class = iota
	// ClassPermanent failures (auth, schema, 4xx-equivalent) propagate
	// immediately without consuming retry budget.
	ClassPermanent
)

// Classifier maps an error to its retry class.
type Classifier func(error) Class

// Policy controls the retry schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is the schedule used for tracker and index calls unless
// configuration overrides it.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 250 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Delay returns the deterministic delay component before the given attempt
// (1-based): base * 2^(attempt-1), capped at MaxDelay. Jitter is added on
// top by Do and is not part of this value.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Outcome reports how a wrapped call concluded, for observability.
type Outcome struct {
	Attempts int
	Err      error
}

// transienter is implemented by error types that know their own retry
// class (e.g. tracker.APIError wrapping an HTTP status).
type transienter interface {
	Transient() bool
}

// DefaultClassifier classifies an error as transient if it declares itself
// transient, is a net.Error, or is a deadline expiry on the inner call.
// Unknown errors are permanent: retrying a failure we cannot classify
// risks duplicate external writes.
func DefaultClassifier(err error) Class {
	var t transienter
	if errors.As(err, &t) {
		if t.Transient() {
			return ClassTransient
		}
		return ClassPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassPermanent
}

// ClassifyHTTPStatus maps an HTTP status code to a retry class:
// 408, 429 and 5xx are transient; everything else is permanent.
func ClassifyHTTPStatus(status int) Class {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

var (
	meterOnce       sync.Once
	attemptsCounter metric.Int64Counter
)

func recordOutcome(ctx context.Context, op string, attempts int, outcome string) {
	meterOnce.Do(func() {
		meter := telemetry.Meter("sabaki/backoff")
		attemptsCounter, _ = meter.Int64Counter("sabaki.retry.attempts",
			metric.WithDescription("Number of attempts consumed by retried external calls"),
		)
	})
	if attemptsCounter == nil {
		return
	}
	attemptsCounter.Add(ctx, int64(attempts),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		),
	)
}

// Do executes fn under the policy, retrying transient failures with
// exponential backoff plus random jitter in [0, delay). Permanent failures
// return after exactly one attempt. Context cancellation aborts the wait
// between attempts; in-flight calls are fn's responsibility.
//
// op names the wrapped call for metrics (e.g. "tracker.create_link").
func Do(ctx context.Context, p Policy, classify Classifier, op string, fn func(context.Context) error) Outcome {
	if classify == nil {
		classify = DefaultClassifier
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			recordOutcome(ctx, op, attempt, "ok")
			return Outcome{Attempts: attempt}
		}
		if classify(err) == ClassPermanent {
			recordOutcome(ctx, op, attempt, "permanent")
			return Outcome{Attempts: attempt, Err: err}
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		// Full jitter avoids thundering-herd retries across jobs that
		// failed against the same dependency at the same moment.
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			recordOutcome(ctx, op, attempt, "cancelled")
			return Outcome{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay + jitter):
		}
	}
	recordOutcome(ctx, op, p.MaxAttempts, "exhausted")
	return Outcome{Attempts: p.MaxAttempts, Err: err}
}
