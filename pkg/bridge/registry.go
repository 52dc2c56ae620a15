package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/sync/singleflight"

	"github.com/nous-labs/agentbridge/pkg/events"
)

// Sync replaces the registry with the directory's current agents, then
// brings every agent online and into the shared room. Concurrent calls share
// one in-flight sync, which runs on the bridge's own context so a caller
// that goes away does not abort it for the others. Agents missing from the
// new snapshot drop out of the registry; their identities stay until
// RemoveAgent or CleanupOrphans.
func (b *Bridge) Sync(ctx context.Context) (int, error) {
	ch := b.syncGroup.DoChan("sync", func() (any, error) {
		return b.syncOnce(b.base)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return 0, fmt.Errorf("agent sync: %w", ctx.Err())
	}
	if res.Shared {
		slog.Debug("agent sync coalesced")
	}
	if res.Err != nil {
		return 0, res.Err
	}
	return res.Val.(int), nil
}

func (b *Bridge) syncOnce(ctx context.Context) (int, error) {
	slog.Info("agent sync starting")
	agents, err := b.dir.ListAgents(ctx)
	if err != nil {
		b.state.recordSync(err)
		b.publish(events.Event{Type: events.TypeSync, Message: "failed: " + err.Error()})
		return 0, fmt.Errorf("list agents: %w", err)
	}

	b.SetAgents(agents)
	list := b.state.sortedAgents()

	b.EnsureSharedRoom(ctx)
	for _, a := range list {
		b.EnsureAgentOnline(ctx, a.Agent)
		b.joinSharedRoom(ctx, a.Agent)
	}

	b.state.recordSync(nil)
	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.ID
	}
	slog.Info("agents synced", "count", len(list), "agents", ids)
	b.publish(events.Event{Type: events.TypeSync, Message: fmt.Sprintf("%d agents", len(list))})
	return len(list), nil
}

// SetAgents replaces the registry snapshot without touching the homeserver.
// Agents without an ID are skipped.
func (b *Bridge) SetAgents(agents []Agent) {
	regs := make([]*registered, 0, len(agents))
	for _, a := range agents {
		if a.ID == "" {
			continue
		}
		if a.DisplayName == "" {
			a.DisplayName = a.ID
		}
		a.UserID = b.cfg.Naming.UserID(a.ID)
		regs = append(regs, &registered{Agent: a, mentions: b.mentionPatterns(a)})
	}
	b.state.replaceAgents(regs)
}

// Agents returns the registry sorted by ID.
func (b *Bridge) Agents() []Agent {
	regs := b.state.sortedAgents()
	out := make([]Agent, len(regs))
	for i, r := range regs {
		out[i] = r.Agent
	}
	return out
}

// Agent looks an agent up by ID.
func (b *Bridge) Agent(agentID string) (Agent, bool) {
	r, ok := b.state.agent(agentID)
	if !ok {
		return Agent{}, false
	}
	return r.Agent, true
}

// mentionPatterns compiles the ways a message can address a, most specific
// first: full user ID, bare localpart, agent ID, then display name.
func (b *Bridge) mentionPatterns(a Agent) []*regexp.Regexp {
	n := b.cfg.Naming
	names := []string{
		n.Localpart(a.ID) + ":" + n.Server,
		n.Localpart(a.ID),
		a.ID,
	}
	if a.DisplayName != "" && a.DisplayName != a.ID {
		names = append(names, a.DisplayName)
	}
	patterns := make([]*regexp.Regexp, len(names))
	for i, name := range names {
		patterns[i] = regexp.MustCompile(`(?is)^@?` + regexp.QuoteMeta(name) + `[:\s]+(.+)$`)
	}
	return patterns
}
