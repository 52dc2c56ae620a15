package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/events"
)

// setTyping toggles a's typing indicator. Failures are logged only.
func (b *Bridge) setTyping(ctx context.Context, a Agent, room id.RoomID, typing bool) {
	if err := b.hs.SetTyping(ctx, a.UserID, room, typing, b.cfg.TypingTimeout); err != nil {
		slog.Debug("set typing failed", "agent", a.ID, "room", room, "typing", typing, "error", err)
	}
}

// reply sends text into room as a.
func (b *Bridge) reply(ctx context.Context, a Agent, room id.RoomID, text string) error {
	if err := b.hs.SendText(ctx, a.UserID, room, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	slog.Info("agent replied", "agent", a.ID, "room", room, "len", len(text))
	b.publish(events.Event{Type: events.TypeReply, Agent: a.ID, Room: string(room), Message: truncate(text, 200)})
	return nil
}

// notifyFailure clears typing and posts the generic failure notice. Details
// stay in the server log; a failed notice is logged and dropped.
func (b *Bridge) notifyFailure(ctx context.Context, a Agent, room id.RoomID) {
	b.setTyping(ctx, a, room, false)
	if err := b.hs.SendText(ctx, a.UserID, room, b.cfg.FailureNotice); err != nil {
		slog.Warn("failure notice not delivered", "agent", a.ID, "room", room, "error", err)
	}
}

type invokeResult struct {
	reply string
	err   error
}

// invoke calls the agent and waits at most AgentTimeout. The call itself is
// detached from ctx and is not aborted at the deadline; only its result is
// dropped. The invoker's own client timeout bounds it.
func (b *Bridge) invoke(ctx context.Context, req InvokeRequest) (string, error) {
	callCtx := context.WithoutCancel(ctx)
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("agent invocation panicked: %v", r)}
			}
		}()
		reply, err := b.invoker.Invoke(callCtx, req)
		done <- invokeResult{reply: reply, err: err}
	}()

	timer := time.NewTimer(b.cfg.AgentTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("invoke agent %s: %w", req.AgentID, res.err)
		}
		return res.reply, nil
	case <-timer.C:
		return "", fmt.Errorf("agent %s after %s: %w", req.AgentID, b.cfg.AgentTimeout, ErrAgentTimeout)
	case <-ctx.Done():
		return "", fmt.Errorf("invoke agent %s: %w", req.AgentID, ctx.Err())
	}
}
