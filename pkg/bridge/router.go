package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/events"
)

func decodeEvent(raw json.RawMessage) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if evt.Type.Type == "" {
		return nil, fmt.Errorf("decode event: missing type")
	}
	return &evt, nil
}

// route classifies one event. Invites are recorded before route returns;
// all network work is spawned.
func (b *Bridge) route(evt *event.Event) error {
	switch evt.Type.Type {
	case event.StateMember.Type:
		return b.routeMember(evt)
	case event.EventMessage.Type:
		return b.routeMessage(evt)
	}
	return nil
}

func (b *Bridge) routeMember(evt *event.Event) error {
	if evt.StateKey == nil {
		return nil
	}
	if err := evt.Content.ParseRaw(event.StateMember); err != nil {
		return fmt.Errorf("decode member content: %w", err)
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return nil
	}

	invitee := id.UserID(*evt.StateKey)
	r, ok := b.state.agentByUser(invitee)
	if !ok {
		if b.cfg.Naming.IsVirtual(invitee) {
			slog.Debug("invite for unknown agent ignored", "user", invitee, "room", evt.RoomID)
		}
		return nil
	}

	a, room := r.Agent, evt.RoomID
	b.state.setDM(room, a.ID)
	slog.Info("agent invited", "agent", a.ID, "room", room, "inviter", evt.Sender)
	b.publish(events.Event{Type: events.TypeLifecycle, Agent: a.ID, Room: string(room), Sender: string(evt.Sender), Message: "invited"})

	b.spawn("join "+a.ID, func(ctx context.Context) error {
		b.EnsureAgentOnline(ctx, a)
		if err := b.hs.JoinRoom(ctx, a.UserID, room); err != nil {
			return fmt.Errorf("accept invite to %s: %w", room, err)
		}
		return nil
	})
	return nil
}

func (b *Bridge) routeMessage(evt *event.Event) error {
	if evt.Sender == "" || b.cfg.Naming.IsVirtual(evt.Sender) || evt.Sender == b.cfg.Naming.Bot() {
		return nil
	}
	if err := evt.Content.ParseRaw(event.EventMessage); err != nil {
		return fmt.Errorf("decode message content: %w", err)
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return nil
	}

	room, sender := evt.RoomID, evt.Sender
	if a, text, ok := b.matchMention(content.Body); ok {
		b.spawn("mention "+a.ID, func(ctx context.Context) error {
			return b.handleMention(ctx, a, room, sender, text)
		})
		return nil
	}

	body := content.Body
	b.spawn("dm "+string(room), func(ctx context.Context) error {
		a, ok := b.DetectDMAgent(ctx, room, sender)
		if !ok {
			slog.Debug("message not addressed to any agent", "room", room, "sender", sender)
			return nil
		}
		return b.handleDM(ctx, a, room, sender, body)
	})
	return nil
}

// matchMention finds the first agent, in ID order, that body addresses and
// returns the message with the mention stripped.
func (b *Bridge) matchMention(body string) (Agent, string, bool) {
	for _, r := range b.state.sortedAgents() {
		for _, pattern := range r.mentions {
			m := pattern.FindStringSubmatch(body)
			if m == nil {
				continue
			}
			if text := strings.TrimSpace(m[1]); text != "" {
				return r.Agent, text, true
			}
		}
	}
	return Agent{}, "", false
}
