package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/channel"
	"github.com/nous-labs/agentbridge/pkg/events"
)

// EnsureAgentOnline creates the agent's identity on first use and sets it
// online. Creation is attempted once per process; a failed attempt is
// assumed to mean the identity already exists. Presence failures are logged
// and otherwise ignored.
func (b *Bridge) EnsureAgentOnline(ctx context.Context, a Agent) {
	if a.UserID == "" {
		a.UserID = b.cfg.Naming.UserID(a.ID)
	}
	user := a.UserID

	if !b.state.isCreated(user) {
		b.createGroup.Do(string(user), func() (any, error) {
			if b.state.isCreated(user) {
				return nil, nil
			}
			b.createIdentity(ctx, a)
			b.state.markCreated(user)
			return nil, nil
		})
	}

	if err := b.hs.SetPresence(ctx, user, event.PresenceOnline); err != nil {
		slog.Warn("set presence failed", "agent", a.ID, "user", user, "presence", event.PresenceOnline, "error", err)
	}
}

func (b *Bridge) createIdentity(ctx context.Context, a Agent) {
	localpart := b.cfg.Naming.Localpart(a.ID)
	err := b.hs.Register(ctx, localpart)
	switch {
	case err == nil:
		slog.Info("agent identity registered", "agent", a.ID, "user", a.UserID)
		b.publish(events.Event{Type: events.TypeLifecycle, Agent: a.ID, Message: "identity registered"})
	case errors.Is(err, channel.ErrAlreadyExists):
		slog.Debug("agent identity already exists", "agent", a.ID, "user", a.UserID)
	default:
		slog.Warn("register failed, assuming identity exists", "agent", a.ID, "localpart", localpart, "error", err)
	}

	if err := b.hs.SetDisplayName(ctx, a.UserID, a.DisplayName); err != nil {
		slog.Warn("set display name failed", "agent", a.ID, "error", err)
	}
}

// PresenceResult summarizes one presence refresh.
type PresenceResult struct {
	Agents int
	Failed int
	Errors []string
}

// RefreshPresence sets every registered agent online. It does not
// coordinate with in-flight handlers; setting presence is idempotent.
func (b *Bridge) RefreshPresence(ctx context.Context) PresenceResult {
	var res PresenceResult
	for _, a := range b.state.sortedAgents() {
		res.Agents++
		if err := b.hs.SetPresence(ctx, a.UserID, event.PresenceOnline); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", a.ID, err))
		}
	}
	return res
}

// QueryUser answers the homeserver's user query: it reports whether user is
// a known agent and, if so, makes sure the identity exists.
func (b *Bridge) QueryUser(ctx context.Context, user id.UserID) bool {
	r, ok := b.state.agentByUser(user)
	if !ok {
		return false
	}
	b.EnsureAgentOnline(ctx, r.Agent)
	return true
}
