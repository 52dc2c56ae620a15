package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/channel"
)

const agentUser = id.UserID("@_vento_weather:vento.local")

type recorded struct {
	method string
	path   string
	userID string
	auth   string
	body   map[string]any
}

// homeserver serves fn and records every request.
func homeserver(t *testing.T, fn http.HandlerFunc) (*Client, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			method: r.Method,
			path:   r.URL.Path,
			userID: r.URL.Query().Get("user_id"),
			auth:   r.Header.Get("Authorization"),
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&rec.body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fn(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Homeserver:   srv.URL,
		ServerName:   "vento.local",
		ASToken:      "as-token",
		BotLocalpart: "vento_bridge",
	})
	require.NoError(t, err)
	return c, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), reqs...)
	}
}

func TestNewRequiresHomeserver(t *testing.T) {
	_, err := New(Config{ServerName: "vento.local"})
	assert.Error(t, err)
}

func TestRegisterUsesApplicationServiceFlow(t *testing.T) {
	c, reqs := homeserver(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user_id":"@_vento_weather:vento.local"}`))
	})

	require.NoError(t, c.Register(context.Background(), "_vento_weather"))

	got := reqs()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "/_matrix/client/v3/register", got[0].path)
	assert.Equal(t, "Bearer as-token", got[0].auth)
	assert.Empty(t, got[0].userID, "registration is done as the appservice itself")
	assert.Equal(t, "m.login.application_service", got[0].body["type"])
	assert.Equal(t, "_vento_weather", got[0].body["username"])
	assert.Equal(t, true, got[0].body["inhibit_login"])
}

func TestRegisterExistingUserIsAlreadyExists(t *testing.T) {
	c, _ := homeserver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errcode":"M_USER_IN_USE","error":"User ID already taken."}`))
	})

	err := c.Register(context.Background(), "_vento_weather")
	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrAlreadyExists)
}

func TestRegisterOtherErrorsPassThrough(t *testing.T) {
	c, _ := homeserver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_EXCLUSIVE","error":"not in namespace"}`))
	})

	err := c.Register(context.Background(), "mallory")
	require.Error(t, err)
	assert.NotErrorIs(t, err, channel.ErrAlreadyExists)
}

func TestAlreadyExistsMatchesErrcodeNotMessage(t *testing.T) {
	c, _ := homeserver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"M_USER_IN_USE checks are disabled"}`))
	})

	err := c.Register(context.Background(), "_vento_weather")
	require.Error(t, err)
	assert.NotErrorIs(t, err, channel.ErrAlreadyExists)
	assert.ErrorIs(t, err, mautrix.MForbidden)
}

func TestPerUserCallsImpersonate(t *testing.T) {
	c, reqs := homeserver(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	require.NoError(t, c.SetPresence(context.Background(), agentUser, "online"))

	got := reqs()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPut, got[0].method)
	assert.Equal(t, "/_matrix/client/v3/presence/"+string(agentUser)+"/status", got[0].path)
	assert.Equal(t, string(agentUser), got[0].userID)
	assert.Equal(t, "online", got[0].body["presence"])
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	c, reqs := homeserver(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"event_id":"$evt"}`))
	})

	long := strings.Repeat("a", maxMessageLen) + "tail"
	require.NoError(t, c.SendText(context.Background(), agentUser, "!room:vento.local", long))

	got := reqs()
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, http.MethodPut, r.method)
		assert.Contains(t, r.path, "/send/m.room.message/")
		assert.Equal(t, string(agentUser), r.userID)
		assert.Equal(t, "m.text", r.body["msgtype"])
	}
	assert.True(t, strings.HasPrefix(got[0].body["body"].(string), "[1/2] "))
	assert.Equal(t, "[2/2] tail", got[1].body["body"])
}

func TestJoinedMembers(t *testing.T) {
	c, reqs := homeserver(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"joined":{"@alice:vento.local":{},"@_vento_weather:vento.local":{}}}`))
	})

	members, err := c.JoinedMembers(context.Background(), agentUser, "!dm:vento.local")
	require.NoError(t, err)
	assert.ElementsMatch(t, []id.UserID{"@alice:vento.local", agentUser}, members)
	assert.Equal(t, string(agentUser), reqs()[0].userID)
}

func TestCreateRoomInUse(t *testing.T) {
	c, reqs := homeserver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errcode":"M_ROOM_IN_USE","error":"Room alias already taken"}`))
	})

	_, err := c.CreateRoom(context.Background(), channel.CreateRoomRequest{
		AliasLocalpart:    "vento",
		Name:              "Vento",
		Public:            true,
		HistoryVisibility: "shared",
	})
	assert.ErrorIs(t, err, channel.ErrAlreadyExists)

	got := reqs()
	require.Len(t, got, 1)
	assert.Equal(t, "public_chat", got[0].body["preset"])
	assert.Equal(t, "public", got[0].body["visibility"])
	assert.Equal(t, "vento", got[0].body["room_alias_name"])
	initial := got[0].body["initial_state"].([]any)
	require.Len(t, initial, 1)
	assert.Equal(t, "m.room.history_visibility", initial[0].(map[string]any)["type"])
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{""}, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, splitMessage("abcdefghij", 4))

	// "é" is two bytes; a cut never lands inside it.
	chunks := splitMessage(strings.Repeat("é", 5), 3)
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk), chunk)
	}
	assert.Equal(t, strings.Repeat("é", 5), strings.Join(chunks, ""))
}
