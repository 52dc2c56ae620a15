package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/events"
	"github.com/nous-labs/agentbridge/pkg/history"
)

// handleMention answers a message that addresses a in a group room.
func (b *Bridge) handleMention(ctx context.Context, a Agent, room id.RoomID, sender id.UserID, text string) error {
	slog.Info("agent mentioned", "agent", a.ID, "room", room, "sender", sender, "len", len(text))
	b.publish(events.Event{Type: events.TypeMention, Agent: a.ID, Room: string(room), Sender: string(sender), Message: truncate(text, 200)})

	if err := b.answerMention(ctx, a, room, sender, text); err != nil {
		b.notifyFailure(ctx, a, room)
		return fmt.Errorf("mention of %s in %s: %w", a.ID, room, err)
	}
	return nil
}

func (b *Bridge) answerMention(ctx context.Context, a Agent, room id.RoomID, sender id.UserID, text string) error {
	b.EnsureAgentOnline(ctx, a)
	if err := b.hs.JoinRoom(ctx, a.UserID, room); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	b.setTyping(ctx, a, room, true)
	reply, err := b.invoke(ctx, InvokeRequest{AgentID: a.ID, Sender: string(sender), Text: text})
	b.setTyping(ctx, a, room, false)
	if err != nil {
		return err
	}
	return b.reply(ctx, a, room, reply)
}

// handleDM answers a direct message, carrying the room's conversation
// history to the agent.
func (b *Bridge) handleDM(ctx context.Context, a Agent, room id.RoomID, sender id.UserID, text string) error {
	slog.Info("direct message", "agent", a.ID, "room", room, "sender", sender, "len", len(text))
	b.publish(events.Event{Type: events.TypeDM, Agent: a.ID, Room: string(room), Sender: string(sender), Message: truncate(text, 200)})

	if err := b.answerDM(ctx, a, room, sender, text); err != nil {
		b.notifyFailure(ctx, a, room)
		return fmt.Errorf("dm to %s in %s: %w", a.ID, room, err)
	}
	return nil
}

func (b *Bridge) answerDM(ctx context.Context, a Agent, room id.RoomID, sender id.UserID, text string) error {
	b.setTyping(ctx, a, room, true)

	// Persisted before the call so a second message sent while this one is
	// pending already sees it.
	conversation := b.appendHistory(ctx, a, room, history.Entry{Role: history.RoleUser, Content: text})

	reply, err := b.invoke(ctx, InvokeRequest{AgentID: a.ID, Sender: string(sender), History: conversation})
	b.setTyping(ctx, a, room, false)
	if err != nil {
		return err
	}

	// Append re-reads the stored conversation instead of reusing the copy
	// above, which other messages may have extended meanwhile.
	b.appendHistory(ctx, a, room, history.Entry{Role: history.RoleAssistant, Content: reply})
	return b.reply(ctx, a, room, reply)
}

// appendHistory persists e and returns the conversation to send to the
// agent. Storage failures are logged; the flow continues with whatever is
// known.
func (b *Bridge) appendHistory(ctx context.Context, a Agent, room id.RoomID, e history.Entry) []history.Entry {
	entries, err := history.Append(ctx, b.history, a.ID, string(room), e, b.cfg.HistoryMax)
	if err != nil {
		slog.Warn("conversation history write failed", "agent", a.ID, "room", room, "role", e.Role, "error", err)
		if entries == nil {
			entries = []history.Entry{e}
		}
	}
	return entries
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
