package health

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func newAggregator(probes ...Probe) *Aggregator {
	return NewAggregator(slog.New(slog.DiscardHandler), probes...)
}

func TestCheckAllHealthy(t *testing.T) {
	a := newAggregator(
		Probe{Name: "database", Hard: true, Check: ok},
		Probe{Name: "index", Hard: true, Check: ok},
		Probe{Name: "workers", Hard: false, Check: ok},
	)
	report := a.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Probes, 3)
	for _, p := range report.Probes {
		assert.True(t, p.OK)
		assert.Empty(t, p.Error)
	}
}

func TestCheckSomeHardDownIsDegraded(t *testing.T) {
	a := newAggregator(
		Probe{Name: "database", Hard: true, Check: ok},
		Probe{Name: "index", Hard: true, Check: down},
	)
	report := a.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestCheckAllHardDownIsUnhealthy(t *testing.T) {
	a := newAggregator(
		Probe{Name: "database", Hard: true, Check: down},
		Probe{Name: "index", Hard: true, Check: down},
		Probe{Name: "workers", Hard: false, Check: ok},
	)
	report := a.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestCheckSoftFailureOnlyDegrades(t *testing.T) {
	a := newAggregator(
		Probe{Name: "database", Hard: true, Check: ok},
		Probe{Name: "workers", Hard: false, Check: down},
	)
	report := a.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestCheckNoProbes(t *testing.T) {
	report := newAggregator().Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestCheckProbeTimeout(t *testing.T) {
	a := newAggregator(Probe{Name: "stuck", Hard: true, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	report := a.Check(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Contains(t, report.Probes[0].Error, "context")
}

func TestCheckResultsKeepProbeOrder(t *testing.T) {
	a := newAggregator(
		Probe{Name: "first", Hard: true, Check: ok},
		Probe{Name: "second", Hard: true, Check: down},
		Probe{Name: "third", Hard: false, Check: ok},
	)
	report := a.Check(context.Background())
	require.Len(t, report.Probes, 3)
	assert.Equal(t, "first", report.Probes[0].Name)
	assert.Equal(t, "second", report.Probes[1].Name)
	assert.Equal(t, "third", report.Probes[2].Name)
}
