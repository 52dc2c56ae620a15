package bridge

import (
	"context"
	"errors"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/channel"
	"github.com/nous-labs/agentbridge/pkg/events"
)

// maxDMMembers is the largest room DM detection accepts as a direct chat.
const maxDMMembers = 3

// EnsureSharedRoom returns the shared room, resolving or creating it on the
// first call. The first attempt's outcome is final for the process lifetime:
// if it fails, later calls report no room instead of retrying.
func (b *Bridge) EnsureSharedRoom(ctx context.Context) (id.RoomID, bool) {
	b.roomOnce.Do(func() {
		b.state.setSharedRoom(b.resolveSharedRoom(ctx))
	})
	room := b.state.getSharedRoom()
	return room, room != ""
}

func (b *Bridge) resolveSharedRoom(ctx context.Context) id.RoomID {
	alias := b.cfg.Naming.Alias(b.cfg.SharedRoom.Alias)
	room, err := b.hs.ResolveAlias(ctx, alias)
	if err == nil {
		slog.Info("shared room resolved", "alias", alias, "room", room)
		return room
	}
	slog.Info("shared room not found, creating", "alias", alias, "error", err)

	if err := b.hs.Register(ctx, b.cfg.Naming.BotLocalpart); err != nil && !errors.Is(err, channel.ErrAlreadyExists) {
		slog.Warn("register bridge bot failed", "localpart", b.cfg.Naming.BotLocalpart, "error", err)
	}

	room, err = b.hs.CreateRoom(ctx, channel.CreateRoomRequest{
		AliasLocalpart:    b.cfg.SharedRoom.Alias,
		Name:              b.cfg.SharedRoom.Name,
		Topic:             b.cfg.SharedRoom.Topic,
		Public:            true,
		HistoryVisibility: event.HistoryVisibilityShared,
	})
	if errors.Is(err, channel.ErrAlreadyExists) {
		// Created concurrently by someone else.
		room, err = b.hs.ResolveAlias(ctx, alias)
	}
	if err != nil {
		slog.Error("shared room unavailable, not retrying", "alias", alias, "error", err)
		return ""
	}
	slog.Info("shared room created", "alias", alias, "room", room)
	b.publish(events.Event{Type: events.TypeLifecycle, Room: string(room), Message: "shared room created"})
	return room
}

// joinSharedRoom joins a to the shared room unless it is already recorded
// as a member.
func (b *Bridge) joinSharedRoom(ctx context.Context, a Agent) {
	if b.state.isJoinedShared(a.UserID) {
		return
	}
	room, ok := b.EnsureSharedRoom(ctx)
	if !ok {
		return
	}
	if err := b.hs.JoinRoom(ctx, a.UserID, room); err != nil {
		slog.Warn("join shared room failed", "agent", a.ID, "room", room, "error", err)
		return
	}
	b.state.markJoinedShared(a.UserID)
	slog.Info("agent joined shared room", "agent", a.ID, "room", room)
}

// DetectDMAgent returns the agent that owns room as a direct chat. Known
// rooms come from the cache. Otherwise every agent, in ID order, lists the
// room's members as itself; the first one that is a member of a room with at
// most three members is taken as the owner and cached. This is a
// heuristic: a small group chat with an agent looks the same as a DM.
func (b *Bridge) DetectDMAgent(ctx context.Context, room id.RoomID, sender id.UserID) (Agent, bool) {
	if agentID, ok := b.state.dmAgent(room); ok {
		r, ok := b.state.agent(agentID)
		if !ok {
			slog.Debug("dm owner no longer registered", "room", room, "agent", agentID)
			return Agent{}, false
		}
		return r.Agent, true
	}

	if shared, ok := b.EnsureSharedRoom(ctx); ok && shared == room {
		return Agent{}, false
	}

	for _, r := range b.state.sortedAgents() {
		members, err := b.hs.JoinedMembers(ctx, r.UserID, room)
		if err != nil {
			continue
		}
		if len(members) > maxDMMembers || !containsUser(members, r.UserID) {
			continue
		}
		b.state.setDM(room, r.ID)
		slog.Info("dm room detected", "room", room, "agent", r.ID, "sender", sender, "members", len(members))
		return r.Agent, true
	}
	return Agent{}, false
}

func containsUser(users []id.UserID, user id.UserID) bool {
	for _, u := range users {
		if u == user {
			return true
		}
	}
	return false
}
