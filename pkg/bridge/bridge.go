// Package bridge projects board agents into Matrix as virtual users.
//
// The homeserver pushes transactions to the bridge; each event is classified
// by the router and handed to a spawned handler task, so a slow agent never
// delays the events behind it. Handlers talk to the homeserver through
// channel.Homeserver and to agents through an Invoker.
//
// All mutable bookkeeping (registry, identity and membership records, DM
// cache, shared room) lives in one State owned by the Bridge. Nothing is
// persisted except conversation history; the rest is rebuilt on restart.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nous-labs/agentbridge/pkg/channel"
	"github.com/nous-labs/agentbridge/pkg/events"
	"github.com/nous-labs/agentbridge/pkg/history"
)

var (
	// ErrAgentTimeout is returned when an agent does not answer within the
	// configured timeout. A late answer is discarded.
	ErrAgentTimeout = errors.New("agent invocation timed out")
	// ErrUnknownAgent is returned for operations on agents the bridge has
	// never seen.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Default values applied by New.
const (
	DefaultAgentTimeout  = 2 * time.Minute
	DefaultTypingTimeout = 30 * time.Second
	DefaultFailureNotice = "Sorry, something went wrong while handling your message. Please try again later."
)

// SharedRoom describes the public room every agent joins.
type SharedRoom struct {
	Alias string // localpart, e.g. "vento"
	Name  string
	Topic string
}

// Config tunes the bridge.
type Config struct {
	Naming        Naming
	SharedRoom    SharedRoom
	AgentTimeout  time.Duration
	TypingTimeout time.Duration
	HistoryMax    int
	FailureNotice string
}

// Directory lists the agents that currently exist.
type Directory interface {
	ListAgents(ctx context.Context) ([]Agent, error)
}

// InvokeRequest is one call to an agent. Exactly one of Text (mentions) and
// History (direct messages) is set.
type InvokeRequest struct {
	AgentID string
	Sender  string
	Text    string
	History []history.Entry
}

// Invoker calls an agent and returns its reply text.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (string, error)
}

// Deps are the bridge's collaborators. Events may be nil.
type Deps struct {
	Homeserver channel.Homeserver
	Directory  Directory
	Invoker    Invoker
	History    history.Store
	Events     events.Publisher
}

type taskFailure struct {
	task  string
	err   error
	stack []byte
}

// Bridge is the application service core.
type Bridge struct {
	cfg     Config
	hs      channel.Homeserver
	dir     Directory
	invoker Invoker
	history history.Store
	events  events.Publisher
	state   *State

	base     context.Context
	cancel   context.CancelFunc
	tasks    sync.WaitGroup
	inflight atomic.Int64
	failures chan taskFailure
	done     chan struct{}
	stopOnce sync.Once

	syncGroup   singleflight.Group
	createGroup singleflight.Group
	roomOnce    sync.Once
	txns        *recentSet
}

// New creates a bridge and starts its supervisor. Call Shutdown to stop it.
func New(cfg Config, deps Deps) *Bridge {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = history.DefaultMaxEntries
	}
	if cfg.FailureNotice == "" {
		cfg.FailureNotice = DefaultFailureNotice
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}

	base, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		hs:       deps.Homeserver,
		dir:      deps.Directory,
		invoker:  deps.Invoker,
		history:  deps.History,
		events:   deps.Events,
		state:    newState(),
		base:     base,
		cancel:   cancel,
		failures: make(chan taskFailure, 64),
		done:     make(chan struct{}),
		txns:     newRecentSet(512),
	}
	go b.supervise()
	return b
}

// Naming returns the identity naming scheme.
func (b *Bridge) Naming() Naming { return b.cfg.Naming }

// spawn runs fn as a supervised task on the bridge's base context. The
// caller never waits for it; failures and panics go to the supervisor.
func (b *Bridge) spawn(task string, fn func(ctx context.Context) error) {
	b.tasks.Add(1)
	b.inflight.Add(1)
	go func() {
		defer b.tasks.Done()
		defer b.inflight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				b.report(taskFailure{task: task, err: fmt.Errorf("panic: %v", r), stack: debug.Stack()})
			}
		}()
		if err := fn(b.base); err != nil {
			b.report(taskFailure{task: task, err: err})
		}
	}()
}

func (b *Bridge) report(f taskFailure) {
	select {
	case b.failures <- f:
	default:
		slog.Error("bridge task failed (supervisor backlog full)", "task", f.task, "error", f.err)
	}
}

// supervise logs task failures. It never feeds anything back into dispatch.
func (b *Bridge) supervise() {
	for {
		select {
		case f := <-b.failures:
			if f.stack != nil {
				slog.Error("bridge task panicked", "task", f.task, "error", f.err, "stack", string(f.stack))
			} else {
				slog.Error("bridge task failed", "task", f.task, "error", f.err)
			}
			b.events.Publish(events.Event{Type: events.TypeError, Message: f.task + ": " + f.err.Error()})
		case <-b.done:
			return
		}
	}
}

// Wait blocks until every spawned task has finished, including tasks
// spawned by other tasks.
func (b *Bridge) Wait() {
	b.tasks.Wait()
}

// Shutdown waits for in-flight tasks until ctx expires, then cancels
// whatever is left and stops the supervisor.
func (b *Bridge) Shutdown(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		b.tasks.Wait()
		close(idle)
	}()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = fmt.Errorf("bridge shutdown: %d tasks still running: %w", b.inflight.Load(), ctx.Err())
	}
	b.stopOnce.Do(func() {
		b.cancel()
		close(b.done)
	})
	return err
}

// Status summarizes the bridge for the admin API.
func (b *Bridge) Status() Status {
	st := b.state.status()
	st.InFlight = b.inflight.Load()
	return st
}

func (b *Bridge) publish(e events.Event) {
	b.events.Publish(e)
}
