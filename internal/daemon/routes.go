package daemon

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/bridge"
	"github.com/nous-labs/agentbridge/pkg/events"
	"github.com/nous-labs/agentbridge/pkg/presence"
)

// adminPrefix is where the admin API is mounted.
const adminPrefix = "/api/core/v1/matrix"

// Handler returns the daemon's HTTP routes.
//
// Appservice API (homeserver → bridge, hs_token required):
//   - PUT  {prefix}/_matrix/app/v1/transactions/{txnId}
//   - GET  {prefix}/_matrix/app/v1/users/{userId}
//   - GET  {prefix}/_matrix/app/v1/rooms/{roomAlias}
//   - POST {prefix}/_matrix/app/v1/ping
//
// and the same paths without /_matrix/app/v1 for older homeservers.
//
// Admin API (admin.token when configured):
//   - GET    /api/core/v1/matrix/status
//   - POST   /api/core/v1/matrix/sync
//   - GET    /api/core/v1/matrix/agents
//   - DELETE /api/core/v1/matrix/agents/{id}
//   - GET    /api/core/v1/matrix/events (SSE; optional agent, room and type filters)
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)

	prefix := strings.TrimRight(d.config.Homeserver.PathPrefix, "/")
	for _, base := range []string{prefix + "/_matrix/app/v1", prefix} {
		mux.HandleFunc("PUT "+base+"/transactions/{txnId}", d.requireHSToken(d.handleTransaction))
		mux.HandleFunc("GET "+base+"/users/{userId}", d.requireHSToken(d.handleUserQuery))
		mux.HandleFunc("GET "+base+"/rooms/{roomAlias}", d.requireHSToken(d.handleRoomQuery))
	}
	mux.HandleFunc("POST "+prefix+"/_matrix/app/v1/ping", d.requireHSToken(d.handlePing))

	mux.HandleFunc("GET "+adminPrefix+"/status", d.requireAdmin(d.handleStatus))
	mux.HandleFunc("POST "+adminPrefix+"/sync", d.requireAdmin(d.handleSync))
	mux.HandleFunc("GET "+adminPrefix+"/agents", d.requireAdmin(d.handleAgents))
	mux.HandleFunc("DELETE "+adminPrefix+"/agents/{id}", d.requireAdmin(d.handleRemoveAgent))
	mux.HandleFunc("GET "+adminPrefix+"/events", d.requireAdmin(d.handleEvents))
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !d.healthy.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(d.startedAt).Round(time.Second).String(),
	})
}

// --- Appservice API ---

// requireHSToken checks the homeserver's token, sent either as a bearer
// token or as the access_token query parameter.
func (d *Daemon) requireHSToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		switch {
		case token == "":
			writeMatrixError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Missing homeserver token")
		case !tokenEqual(token, d.config.Homeserver.HSToken):
			writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid homeserver token")
		default:
			next(w, r)
		}
	}
}

type transaction struct {
	Events []json.RawMessage `json:"events"`
}

func (d *Daemon) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnId")
	var txn transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", "Transaction body is not valid JSON")
		return
	}
	d.bridge.ProcessTransaction(r.Context(), txnID, txn.Events)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (d *Daemon) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	user := id.UserID(r.PathValue("userId"))
	if d.bridge.QueryUser(r.Context(), user) {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "User is not an agent")
}

// handleRoomQuery declines every alias; the bridge never creates rooms on
// demand.
func (d *Daemon) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "Room alias is not managed by the bridge")
}

func (d *Daemon) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct{}{})
}

// --- Admin API ---

func (d *Daemon) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := d.config.Admin.Token
		if want != "" && !tokenEqual(bearerToken(r), want) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

type statusResponse struct {
	Name        string           `json:"name"`
	Homeserver  string           `json:"homeserver"`
	ServerName  string           `json:"server_name"`
	SharedAlias id.RoomAlias     `json:"shared_room_alias"`
	TokenSource string           `json:"token_source"`
	History     string           `json:"history_backend"`
	Uptime      string           `json:"uptime"`
	Bridge      bridge.Status    `json:"bridge"`
	Presence    *presence.Report `json:"presence,omitempty"`
	Subscribers int              `json:"event_subscribers"`
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Name:        d.config.Name,
		Homeserver:  d.config.Homeserver.URL,
		ServerName:  d.config.Homeserver.ServerName,
		SharedAlias: d.bridge.Naming().Alias(d.config.SharedRoom.Alias),
		TokenSource: d.config.TokenSource(),
		Uptime:      time.Since(d.startedAt).Round(time.Second).String(),
		Bridge:      d.bridge.Status(),
		Presence:    d.presence.LastReport(),
		Subscribers: d.events.SubscriberCount(),
	}
	if d.store != nil {
		resp.History = d.store.Name()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleSync(w http.ResponseWriter, r *http.Request) {
	n, err := d.bridge.Sync(r.Context())
	if err != nil {
		slog.Warn("manual sync failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"agents": n})
}

func (d *Daemon) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := d.bridge.Agents()
	if agents == nil {
		agents = []bridge.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (d *Daemon) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	err := d.bridge.RemoveAgent(r.Context(), agentID)
	switch {
	case errors.Is(err, bridge.ErrUnknownAgent):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown agent %q", agentID)})
	case err != nil:
		slog.Warn("remove agent failed", "agent", agentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"removed": agentID})
	}
}

// handleEvents streams bridge activity as server-sent events. Recent events
// are replayed on connect.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	filter := streamFilter(r)
	sub := d.events.Subscribe(filter)
	defer sub.Close()
	slog.Info("event stream client connected", "subscribers", d.events.SubscriberCount(), "agent", filter.Agent, "room", filter.Room)

	for _, e := range d.events.Recent(recentEvents, filter) {
		fmt.Fprintf(w, "data: %s\n\n", e.JSON())
	}
	flusher.Flush()

	var reported uint64
	for {
		select {
		case <-r.Context().Done():
			slog.Info("event stream client disconnected", "subscribers", d.events.SubscriberCount()-1, "dropped", sub.Dropped())
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped > reported {
				fmt.Fprintf(w, ": %d events dropped\n\n", dropped-reported)
				reported = dropped
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.JSON())
			flusher.Flush()
		}
	}
}

// streamFilter reads the agent, room and type query parameters. type takes a
// comma-separated list.
func streamFilter(r *http.Request) events.Filter {
	q := r.URL.Query()
	f := events.Filter{Agent: q.Get("agent"), Room: q.Get("room")}
	for _, t := range strings.Split(q.Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, t)
		}
	}
	return f
}

// --- helpers ---

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeMatrixError(w http.ResponseWriter, status int, errcode, msg string) {
	writeJSON(w, status, map[string]string{"errcode": errcode, "error": msg})
}
