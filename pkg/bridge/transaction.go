package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ProcessTransaction dispatches a pushed transaction's events in order. It
// returns once every event has been routed; handlers keep running in the
// background. A bad event is logged and skipped. A transaction ID seen
// recently is a homeserver retry and is skipped entirely.
func (b *Bridge) ProcessTransaction(ctx context.Context, txnID string, raw []json.RawMessage) {
	if txnID != "" && b.txns.seen(txnID) {
		slog.DebugContext(ctx, "duplicate transaction skipped", "txn", txnID)
		return
	}
	slog.DebugContext(ctx, "processing transaction", "txn", txnID, "events", len(raw))
	for i, r := range raw {
		b.dispatch(ctx, txnID, i, r)
	}
}

func (b *Bridge) dispatch(ctx context.Context, txnID string, index int, raw json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event dispatch panicked", "txn", txnID, "index", index, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	evt, err := decodeEvent(raw)
	if err != nil {
		slog.WarnContext(ctx, "skipping undecodable event", "txn", txnID, "index", index, "error", err)
		return
	}
	if err := b.route(evt); err != nil {
		slog.WarnContext(ctx, "skipping event", "txn", txnID, "event", evt.ID, "type", evt.Type.Type, "error", err)
	}
}

// recentSet remembers the last max keys.
type recentSet struct {
	mu    sync.Mutex
	max   int
	order []string
	keys  map[string]struct{}
}

func newRecentSet(max int) *recentSet {
	return &recentSet{max: max, keys: make(map[string]struct{}, max)}
}

// seen records key and reports whether it was already present.
func (r *recentSet) seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return true
	}
	r.keys[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > r.max {
		delete(r.keys, r.order[0])
		r.order = r.order[1:]
	}
	return false
}
