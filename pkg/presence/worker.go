// Package presence keeps agent identities online.
//
// Homeservers time presence out when a user stays silent. The worker runs
// on its own ticker, independent of message traffic, and re-asserts
// "online" for every registered agent each cycle.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/agentbridge/pkg/bridge"
	"github.com/nous-labs/agentbridge/pkg/events"
)

// DefaultInterval is how often presence is refreshed.
const DefaultInterval = 30 * time.Second

// Refresher sets every known agent online.
type Refresher interface {
	RefreshPresence(ctx context.Context) bridge.PresenceResult
}

// Report holds the results of a single refresh cycle.
type Report struct {
	Cycle     int       `json:"cycle"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Agents    int       `json:"agents"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
}

// Worker is the presence refresh loop.
type Worker struct {
	target   Refresher
	events   events.Publisher
	interval time.Duration

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates a worker. pub may be nil.
func NewWorker(target Refresher, pub events.Publisher, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Worker{
		target:   target,
		events:   pub,
		interval: interval,
	}
}

// Run refreshes presence every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("presence worker started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("presence worker stopping")
			return
		case <-ticker.C:
			w.logReport(w.RefreshOnce(ctx))
		}
	}
}

// RefreshOnce runs a single cycle and records its report.
func (w *Worker) RefreshOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	res := w.target.RefreshPresence(ctx)
	report := &Report{
		Cycle:     cycle,
		StartedAt: start,
		Duration:  time.Since(start).Round(time.Millisecond).String(),
		Agents:    res.Agents,
		Failed:    res.Failed,
		Errors:    res.Errors,
	}

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent report, or nil before the first cycle.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) logReport(r *Report) {
	if r.Failed > 0 {
		slog.Warn("presence refresh had failures",
			"cycle", r.Cycle,
			"agents", r.Agents,
			"failed", r.Failed,
			"errors", r.Errors,
		)
		w.events.Publish(events.Event{
			Type:    events.TypePresence,
			Message: fmt.Sprintf("%d of %d agents failed: %s", r.Failed, r.Agents, strings.Join(r.Errors, "; ")),
		})
		return
	}
	slog.Debug("presence refreshed", "cycle", r.Cycle, "agents", r.Agents, "duration", r.Duration)
}
