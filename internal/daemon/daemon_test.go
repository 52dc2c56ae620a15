package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/bridge"
	"github.com/nous-labs/agentbridge/pkg/channel/channeltest"
	"github.com/nous-labs/agentbridge/pkg/events"
	"github.com/nous-labs/agentbridge/pkg/history"
)

const hsToken = "hs-secret"

type staticDirectory struct {
	mu     sync.Mutex
	agents []bridge.Agent
}

func (s *staticDirectory) ListAgents(context.Context) ([]bridge.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bridge.Agent(nil), s.agents...), nil
}

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, req bridge.InvokeRequest) (string, error) {
	return "echo: " + req.Text, nil
}

type fixture struct {
	d   *Daemon
	hs  *channeltest.Homeserver
	srv *httptest.Server
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := defaultConfig()
	cfg.Homeserver.ServerName = "vento.local"
	cfg.Homeserver.ASToken = "as-secret"
	cfg.Homeserver.HSToken = hsToken
	cfg.Homeserver.PathPrefix = ""
	cfg.Admin.Token = ""
	if mutate != nil {
		mutate(cfg)
	}

	hs := channeltest.New("vento.local", cfg.Homeserver.BotLocalpart)
	store, err := history.NewFileStore(t.TempDir())
	require.NoError(t, err)

	d := newDaemon(cfg, bridge.Deps{
		Homeserver: hs,
		Directory:  &staticDirectory{agents: []bridge.Agent{{ID: "weather", DisplayName: "Weather"}}},
		Invoker:    echoInvoker{},
		History:    store,
	})
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.bridge.Shutdown(ctx)
	})
	return &fixture{d: d, hs: hs, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func messageEvent(eventID, body string) string {
	return `{"events":[{"type":"m.room.message","event_id":"` + eventID + `","room_id":"!lobby:vento.local",
		"sender":"@alice:vento.local","content":{"msgtype":"m.text","body":"` + body + `"}}]}`
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "starting", body["status"])

	f.d.healthy.Store(true)
	resp, body = f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAppserviceRoutesRequireHSToken(t *testing.T) {
	f := newFixture(t, nil)
	path := "/_matrix/app/v1/transactions/t1"

	resp, body := f.do(t, http.MethodPut, path, "", `{"events":[]}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "M_UNKNOWN_TOKEN", body["errcode"])

	resp, body = f.do(t, http.MethodPut, path, "wrong", `{"events":[]}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "M_FORBIDDEN", body["errcode"])

	resp, _ = f.do(t, http.MethodPut, path+"?access_token="+hsToken, "", `{"events":[]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodPut, "/_matrix/app/v1/transactions/t2", hsToken, `{"events":[]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestTransactionRoutesMentionToAgent(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.d.bridge.Sync(context.Background())
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPut, "/_matrix/app/v1/transactions/t1", hsToken, messageEvent("$1", "weather: rain today?"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.d.bridge.Wait()

	weather := id.UserID("@_vento_weather:vento.local")
	assert.Contains(t, f.hs.Messages(), channeltest.Message{
		User: weather,
		Room: "!lobby:vento.local",
		Text: "echo: rain today?",
	})
}

func TestLegacyAndPrefixedPaths(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Homeserver.PathPrefix = "/appservice/" })

	for _, path := range []string{
		"/appservice/_matrix/app/v1/transactions/a",
		"/appservice/transactions/b",
	} {
		resp, _ := f.do(t, http.MethodPut, path, hsToken, `{"events":[]}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	resp, _ := f.do(t, http.MethodPut, "/_matrix/app/v1/transactions/c", hsToken, `{"events":[]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransactionRejectsInvalidJSON(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPut, "/_matrix/app/v1/transactions/bad", hsToken, `{"events":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "M_NOT_JSON", body["errcode"])
}

func TestUserAndRoomQueries(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.d.bridge.Sync(context.Background())
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodGet, "/_matrix/app/v1/users/@_vento_weather:vento.local", hsToken, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/_matrix/app/v1/users/@_vento_nobody:vento.local", hsToken, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "M_NOT_FOUND", body["errcode"])

	resp, body = f.do(t, http.MethodGet, "/users/@alice:vento.local", hsToken, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "M_NOT_FOUND", body["errcode"])

	resp, body = f.do(t, http.MethodGet, "/_matrix/app/v1/rooms/%23vento:vento.local", hsToken, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "M_NOT_FOUND", body["errcode"])
}

func TestAdminToken(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Admin.Token = "admin" })

	resp, _ := f.do(t, http.MethodGet, adminPrefix+"/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, adminPrefix+"/status", hsToken, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, adminPrefix+"/status", "admin", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "#vento:vento.local", body["shared_room_alias"])
	assert.Equal(t, "file", body["history_backend"])
}

func TestAdminSyncListAndRemove(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, adminPrefix+"/agents", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])

	resp, body = f.do(t, http.MethodPost, adminPrefix+"/sync", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["agents"])

	resp, body = f.do(t, http.MethodGet, adminPrefix+"/agents", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = f.do(t, http.MethodGet, adminPrefix+"/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := body["bridge"].(map[string]any)
	assert.EqualValues(t, 1, status["agents"])
	assert.NotEmpty(t, status["shared_room"])

	resp, _ = f.do(t, http.MethodDelete, adminPrefix+"/agents/ghost", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodDelete, adminPrefix+"/agents/weather", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "weather", body["removed"])
}

func TestEventStreamReplaysRecentEvents(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.d.bridge.Sync(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+adminPrefix+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)

	var evt map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt))
	assert.NotEmpty(t, evt["type"])
}

func TestEventStreamFiltersByAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.d.events.Publish(events.Event{Type: events.TypeReply, Agent: "news", Message: "not for us"})
	f.d.events.Publish(events.Event{Type: events.TypeReply, Agent: "weather", Message: "replayed"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.srv.URL+adminPrefix+"/events?agent=weather&type=reply,error", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	next := func() map[string]any {
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt))
			return evt
		}
	}

	assert.Equal(t, "replayed", next()["message"])

	require.Eventually(t, func() bool { return f.d.events.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	f.d.events.Publish(events.Event{Type: events.TypeMention, Agent: "weather", Message: "wrong type"})
	f.d.events.Publish(events.Event{Type: events.TypeError, Agent: "news", Message: "wrong agent"})
	f.d.events.Publish(events.Event{Type: events.TypeError, Agent: "weather", Message: "live"})
	assert.Equal(t, "live", next()["message"])
}

func TestStreamFilterQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events?agent=weather&room=!dm:vento.local&type=dm,%20reply,", nil)
	assert.Equal(t, events.Filter{
		Agent: "weather",
		Room:  "!dm:vento.local",
		Types: []string{"dm", "reply"},
	}, streamFilter(r))

	assert.Equal(t, events.Filter{}, streamFilter(httptest.NewRequest(http.MethodGet, "/events", nil)))
}

func TestServeDrainsInFlightRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		finished.Store(true)
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- serve(ctx, ln, h) }()

	resp := make(chan int, 1)
	go func() {
		r, err := http.Get("http://" + ln.Addr().String() + "/_matrix/app/v1/transactions/t1")
		if err != nil {
			resp <- 0
			return
		}
		r.Body.Close()
		resp <- r.StatusCode
	}()
	<-entered

	cancel()
	select {
	case <-served:
		t.Fatal("serve returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-served:
		require.NoError(t, err)
		assert.True(t, finished.Load(), "handler finished before serve returned")
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the request drained")
	}
	assert.Equal(t, http.StatusOK, <-resp)
}
