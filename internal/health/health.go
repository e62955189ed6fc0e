// Package health aggregates dependency probes into a single service status.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the aggregated service health.
type Status string

const (
	// StatusHealthy: every hard dependency answered.
	StatusHealthy Status = "healthy"
	// StatusDegraded: some hard dependencies are down, or only soft
	// signals are failing. The service still makes progress.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy: every hard dependency is down.
	StatusUnhealthy Status = "unhealthy"
)

// Probe is one dependency check. Hard probes (database, index, tracker)
// drive the healthy/unhealthy decision; soft probes (worker saturation)
// can only degrade.
type Probe struct {
	Name  string
	Hard  bool
	Check func(ctx context.Context) error
}

// probeTimeout bounds each individual check so one hung dependency cannot
// stall the whole report.
const probeTimeout = 5 * time.Second

// Result is one probe's outcome.
type Result struct {
	Name  string `json:"name"`
	Hard  bool   `json:"-"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Report is the aggregated outcome.
type Report struct {
	Status Status   `json:"status"`
	Probes []Result `json:"probes"`
}

// Aggregator runs probes concurrently and folds them into a Report.
type Aggregator struct {
	probes []Probe
	logger *slog.Logger
}

// NewAggregator creates an aggregator over a fixed probe set.
func NewAggregator(logger *slog.Logger, probes ...Probe) *Aggregator {
	return &Aggregator{probes: probes, logger: logger}
}

// Check runs every probe and aggregates:
// all hard probes failing is unhealthy, some failing (hard or soft) is
// degraded, everything passing is healthy.
func (a *Aggregator) Check(ctx context.Context) Report {
	results := make([]Result, len(a.probes))

	var wg sync.WaitGroup
	for i, p := range a.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			r := Result{Name: p.Name, Hard: p.Hard, OK: true}
			if err := p.Check(probeCtx); err != nil {
				r.OK = false
				r.Error = err.Error()
				a.logger.Warn("health: probe failed", "probe", p.Name, "error", err)
			}
			results[i] = r
		}(i, p)
	}
	wg.Wait()

	return Report{Status: aggregate(results), Probes: results}
}

func aggregate(results []Result) Status {
	hardTotal, hardFailed, softFailed := 0, 0, 0
	for _, r := range results {
		if r.Hard {
			hardTotal++
			if !r.OK {
				hardFailed++
			}
		} else if !r.OK {
			softFailed++
		}
	}

	switch {
	case hardTotal > 0 && hardFailed == hardTotal:
		return StatusUnhealthy
	case hardFailed > 0 || softFailed > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
