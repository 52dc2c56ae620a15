package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/events"
)

// RemoveAgent takes an agent's identity offline, leaves every room it has
// joined and forgets it. Homeserver failures are logged; the local records
// are purged regardless.
func (b *Bridge) RemoveAgent(ctx context.Context, agentID string) error {
	user := b.cfg.Naming.UserID(agentID)
	if r, ok := b.state.agentByUser(user); ok {
		agentID = r.ID
	} else if !b.state.isCreated(user) {
		return fmt.Errorf("remove %s: %w", agentID, ErrUnknownAgent)
	}
	slog.Info("removing agent", "agent", agentID, "user", user)

	if err := b.hs.SetPresence(ctx, user, event.PresenceOffline); err != nil {
		slog.Warn("set presence failed", "agent", agentID, "presence", event.PresenceOffline, "error", err)
	}

	rooms, err := b.hs.JoinedRooms(ctx, user)
	if err != nil {
		slog.Warn("list joined rooms failed", "agent", agentID, "error", err)
	}
	left := 0
	for _, room := range rooms {
		if err := b.hs.LeaveRoom(ctx, user, room); err != nil {
			slog.Warn("leave room failed", "agent", agentID, "room", room, "error", err)
			continue
		}
		left++
	}

	b.state.purge(agentID, user)
	slog.Info("agent removed", "agent", agentID, "rooms_left", left)
	b.publish(events.Event{Type: events.TypeLifecycle, Agent: agentID, Message: fmt.Sprintf("removed, left %d rooms", left)})
	return nil
}

// CleanupOrphans removes virtual identities that sit in the shared room but
// no longer belong to a registered agent, e.g. after a crash mid-removal.
// Run it only after a successful sync: with an empty registry every
// identity looks orphaned.
func (b *Bridge) CleanupOrphans(ctx context.Context) ([]id.UserID, error) {
	room, ok := b.EnsureSharedRoom(ctx)
	if !ok {
		return nil, fmt.Errorf("cleanup orphans: shared room unavailable")
	}
	members, err := b.sharedRoomMembers(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("cleanup orphans: %w", err)
	}

	var removed []id.UserID
	for _, member := range members {
		key, virtual := b.cfg.Naming.AgentKey(member)
		if !virtual {
			continue
		}
		if _, ok := b.state.agentByUser(member); ok {
			continue
		}

		slog.Info("removing orphaned identity", "user", member, "room", room)
		if err := b.hs.SetPresence(ctx, member, event.PresenceOffline); err != nil {
			slog.Warn("set presence failed", "user", member, "presence", event.PresenceOffline, "error", err)
		}
		if err := b.hs.LeaveRoom(ctx, member, room); err != nil {
			slog.Warn("leave shared room failed", "user", member, "error", err)
		}
		b.state.purge(key, member)
		removed = append(removed, member)
	}

	if len(removed) > 0 {
		b.publish(events.Event{Type: events.TypeLifecycle, Room: string(room), Message: fmt.Sprintf("cleaned up %d orphaned identities", len(removed))})
	}
	slog.Info("orphan cleanup done", "members", len(members), "removed", len(removed))
	return removed, nil
}

// sharedRoomMembers lists the shared room as the bot, falling back to any
// registered agent when the bot is not joined.
func (b *Bridge) sharedRoomMembers(ctx context.Context, room id.RoomID) ([]id.UserID, error) {
	members, err := b.hs.JoinedMembers(ctx, b.cfg.Naming.Bot(), room)
	if err == nil {
		return members, nil
	}
	for _, r := range b.state.sortedAgents() {
		if m, agentErr := b.hs.JoinedMembers(ctx, r.UserID, room); agentErr == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("list members of %s: %w", room, err)
}
