package agents

import (
	"context"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"
)

// SyncTarget is what the syncer drives.
type SyncTarget interface {
	Sync(ctx context.Context) (int, error)
	CleanupOrphans(ctx context.Context) ([]id.UserID, error)
}

// Syncer performs the startup sync after a delay, then resyncs on an
// interval. Orphan cleanup runs once, after the first sync that succeeds.
type Syncer struct {
	target   SyncTarget
	delay    time.Duration
	interval time.Duration

	cleaned bool
}

// NewSyncer creates a syncer. interval <= 0 disables periodic resync.
func NewSyncer(target SyncTarget, delay, interval time.Duration) *Syncer {
	return &Syncer{target: target, delay: delay, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	slog.Info("agent syncer started", "delay", s.delay, "interval", s.interval)

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.delay):
	}
	s.SyncOnce(ctx)

	if s.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("agent syncer stopping")
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce syncs and, the first time a sync succeeds, cleans up orphans.
func (s *Syncer) SyncOnce(ctx context.Context) {
	n, err := s.target.Sync(ctx)
	if err != nil {
		if !s.cleaned {
			slog.Warn("agent sync failed, orphan cleanup postponed", "error", err)
		} else {
			slog.Warn("agent sync failed", "error", err)
		}
		return
	}
	slog.Debug("agent sync done", "agents", n)

	if s.cleaned {
		return
	}
	s.cleaned = true
	removed, err := s.target.CleanupOrphans(ctx)
	if err != nil {
		slog.Warn("orphan cleanup failed", "error", err)
		return
	}
	if len(removed) > 0 {
		slog.Info("orphaned identities removed", "count", len(removed), "users", removed)
	}
}
