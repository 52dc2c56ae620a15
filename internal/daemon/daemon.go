// Package daemon wires the agent bridge into a long-running process: the
// appservice HTTP endpoint, the admin API and the background workers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/agentbridge/internal/agents"
	"github.com/nous-labs/agentbridge/internal/channel/matrix"
	"github.com/nous-labs/agentbridge/pkg/bridge"
	"github.com/nous-labs/agentbridge/pkg/events"
	"github.com/nous-labs/agentbridge/pkg/history"
	"github.com/nous-labs/agentbridge/pkg/presence"
)

const (
	// shutdownTimeout bounds HTTP drain and in-flight handlers on exit.
	shutdownTimeout = 10 * time.Second
	// recentEvents is how many events a new stream client receives.
	recentEvents = 50
)

// Daemon is the agentbridge process.
type Daemon struct {
	config *Config
	bridge *bridge.Bridge
	store  history.Store
	events *events.Bus

	presence *presence.Worker
	syncer   *agents.Syncer

	startedAt time.Time
	healthy   atomic.Bool
}

// New creates a daemon talking to the configured homeserver, board platform
// and history backend.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	hs, err := matrix.New(matrix.Config{
		Homeserver:   cfg.Homeserver.URL,
		ServerName:   cfg.Homeserver.ServerName,
		ASToken:      cfg.Homeserver.ASToken,
		BotLocalpart: cfg.Homeserver.BotLocalpart,
		Debug:        cfg.Homeserver.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}

	store, err := history.Open(ctx, history.Config{
		Backend:     cfg.History.Backend,
		Dir:         cfg.History.Dir,
		SQLitePath:  cfg.History.SQLitePath,
		PostgresURL: cfg.History.PostgresURL,
	})
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	slog.Info("history store ready", "backend", store.Name())

	// The HTTP client gets a little longer than the bridge's own deadline so
	// that timeouts surface as ErrAgentTimeout.
	platform := agents.NewClient(cfg.Agents.APIURL, cfg.Agents.ServiceToken, cfg.AgentTimeout()+30*time.Second)

	return newDaemon(cfg, bridge.Deps{
		Homeserver: hs,
		Directory:  platform,
		Invoker:    platform,
		History:    store,
	}), nil
}

func newDaemon(cfg *Config, deps bridge.Deps) *Daemon {
	bus := events.NewBus(200)
	deps.Events = bus

	b := bridge.New(bridge.Config{
		Naming: bridge.Naming{
			Prefix:       cfg.Homeserver.UserPrefix,
			Server:       cfg.Homeserver.ServerName,
			BotLocalpart: cfg.Homeserver.BotLocalpart,
		},
		SharedRoom: bridge.SharedRoom{
			Alias: cfg.SharedRoom.Alias,
			Name:  cfg.SharedRoom.Name,
			Topic: cfg.SharedRoom.Topic,
		},
		AgentTimeout: cfg.AgentTimeout(),
		HistoryMax:   cfg.History.MaxEntries,
	}, deps)

	return &Daemon{
		config:    cfg,
		bridge:    b,
		store:     deps.History,
		events:    bus,
		presence:  presence.NewWorker(b, bus, cfg.PresenceInterval()),
		syncer:    agents.NewSyncer(b, cfg.SyncDelay(), cfg.SyncInterval()),
		startedAt: time.Now(),
	}
}

// Run serves until ctx is cancelled or a component fails, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("agentbridge daemon running",
		"name", d.config.Name,
		"homeserver", d.config.Homeserver.URL,
		"server_name", d.config.Homeserver.ServerName,
		"agents_api", d.config.Agents.APIURL,
		"tokens", d.config.TokenSource(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.serveHTTP(gctx) })
	g.Go(func() error {
		d.syncer.Run(gctx)
		return nil
	})

	if !d.config.Presence.Disabled {
		g.Go(func() error {
			d.presence.Run(gctx)
			return nil
		})
	} else {
		slog.Info("presence worker disabled by config")
	}

	if d.config.Agents.Watch && d.config.Agents.BoardsDir != "" {
		g.Go(func() error {
			w, err := agents.NewWatcher(d.config.Agents.BoardsDir, d.bridge, 0)
			if err == nil {
				err = w.Run(gctx)
			}
			if err != nil {
				// Periodic and manual syncs still work without the watcher.
				slog.Warn("board watcher unavailable", "dir", d.config.Agents.BoardsDir, "error", err)
			}
			return nil
		})
	}

	err := g.Wait()

	// Graceful shutdown
	d.healthy.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := d.bridge.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("bridge shutdown incomplete", "error", serr)
	}
	if d.store != nil {
		if cerr := d.store.Close(); cerr != nil {
			slog.Warn("history store close failed", "error", cerr)
		}
	}

	slog.Info("agentbridge daemon shutting down")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// serveHTTP runs the appservice and admin API until ctx is cancelled.
func (d *Daemon) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.config.HTTPAddr, err)
	}
	d.healthy.Store(true)
	slog.Info("API listening", "addr", ln.Addr().String(), "path_prefix", d.config.Homeserver.PathPrefix)
	return serve(ctx, ln, d.Handler())
}

// serve runs h on ln until ctx is cancelled. It returns once in-flight
// requests have drained or the shutdown timeout has passed.
func serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with the daemon so event streams terminate.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
			srv.Close()
		}
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server: %w", err)
	}
	<-stopped
	return nil
}

// Bridge exposes the bridge core.
func (d *Daemon) Bridge() *bridge.Bridge { return d.bridge }
