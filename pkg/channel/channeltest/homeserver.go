// Package channeltest provides an in-memory channel.Homeserver for tests.
package channeltest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/channel"
)

// Call records one request made against the fake.
type Call struct {
	Method string
	User   id.UserID
	Room   id.RoomID
	Arg    string
}

// Message is a text message sent through the fake.
type Message struct {
	User id.UserID
	Room id.RoomID
	Text string
}

// Homeserver is a thread-safe fake that keeps just enough room state to
// answer membership queries consistently.
type Homeserver struct {
	ServerName string
	Bot        id.UserID

	mu       sync.Mutex
	calls    []Call
	users    map[id.UserID]bool
	names    map[id.UserID]string
	presence map[id.UserID]event.Presence
	aliases  map[id.RoomAlias]id.RoomID
	members  map[id.RoomID]map[id.UserID]bool
	messages []Message
	failures map[string]error
	nextRoom int
}

// New creates a fake homeserver for serverName with the given bot localpart.
func New(serverName, botLocalpart string) *Homeserver {
	return &Homeserver{
		ServerName: serverName,
		Bot:        id.NewUserID(botLocalpart, serverName),
		users:      make(map[id.UserID]bool),
		names:      make(map[id.UserID]string),
		presence:   make(map[id.UserID]event.Presence),
		aliases:    make(map[id.RoomAlias]id.RoomID),
		members:    make(map[id.RoomID]map[id.UserID]bool),
		failures:   make(map[string]error),
	}
}

var _ channel.Homeserver = (*Homeserver)(nil)

// Fail makes every subsequent call to method return err. A nil err clears it.
func (h *Homeserver) Fail(method string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, method)
		return
	}
	h.failures[method] = err
}

// AddRoom creates a room with the given joined members.
func (h *Homeserver) AddRoom(room id.RoomID, members ...id.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := make(map[id.UserID]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	h.members[room] = set
}

// AddAlias points alias at room.
func (h *Homeserver) AddAlias(alias id.RoomAlias, room id.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aliases[alias] = room
}

// AddUser marks a user as already registered.
func (h *Homeserver) AddUser(user id.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[user] = true
}

// Calls returns a copy of every recorded call.
func (h *Homeserver) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallsTo returns the recorded calls for one method.
func (h *Homeserver) CallsTo(method string) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Messages returns every message sent so far.
func (h *Homeserver) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Members returns the sorted joined members of room.
func (h *Homeserver) Members(room id.RoomID) []id.UserID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedMembers(h.members[room])
}

// Presence returns the last presence set for user.
func (h *Homeserver) Presence(user id.UserID) event.Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presence[user]
}

// DisplayName returns the last display name set for user.
func (h *Homeserver) DisplayName(user id.UserID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.names[user]
}

// record logs the call and returns the configured failure, if any.
// Callers must hold h.mu.
func (h *Homeserver) record(method string, user id.UserID, room id.RoomID, arg string) error {
	h.calls = append(h.calls, Call{Method: method, User: user, Room: room, Arg: arg})
	return h.failures[method]
}

func (h *Homeserver) Register(_ context.Context, localpart string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	user := id.NewUserID(localpart, h.ServerName)
	if err := h.record("Register", user, "", localpart); err != nil {
		return err
	}
	if h.users[user] {
		return fmt.Errorf("register %s: M_USER_IN_USE: %w", localpart, channel.ErrAlreadyExists)
	}
	h.users[user] = true
	return nil
}

func (h *Homeserver) SetDisplayName(_ context.Context, user id.UserID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("SetDisplayName", user, "", name); err != nil {
		return err
	}
	h.names[user] = name
	return nil
}

func (h *Homeserver) SetPresence(_ context.Context, user id.UserID, presence event.Presence) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("SetPresence", user, "", string(presence)); err != nil {
		return err
	}
	h.presence[user] = presence
	return nil
}

func (h *Homeserver) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("ResolveAlias", "", "", string(alias)); err != nil {
		return "", err
	}
	room, ok := h.aliases[alias]
	if !ok {
		return "", fmt.Errorf("resolve %s: M_NOT_FOUND", alias)
	}
	return room, nil
}

func (h *Homeserver) CreateRoom(_ context.Context, req channel.CreateRoomRequest) (id.RoomID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("CreateRoom", h.Bot, "", req.AliasLocalpart); err != nil {
		return "", err
	}
	alias := id.RoomAlias(fmt.Sprintf("#%s:%s", req.AliasLocalpart, h.ServerName))
	if _, ok := h.aliases[alias]; ok {
		return "", fmt.Errorf("create room: M_ROOM_IN_USE: %w", channel.ErrAlreadyExists)
	}
	h.nextRoom++
	room := id.RoomID(fmt.Sprintf("!room%d:%s", h.nextRoom, h.ServerName))
	h.aliases[alias] = room
	h.members[room] = map[id.UserID]bool{h.Bot: true}
	return room, nil
}

func (h *Homeserver) JoinRoom(_ context.Context, user id.UserID, room id.RoomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("JoinRoom", user, room, ""); err != nil {
		return err
	}
	if h.members[room] == nil {
		h.members[room] = make(map[id.UserID]bool)
	}
	h.members[room][user] = true
	return nil
}

func (h *Homeserver) LeaveRoom(_ context.Context, user id.UserID, room id.RoomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("LeaveRoom", user, room, ""); err != nil {
		return err
	}
	delete(h.members[room], user)
	return nil
}

func (h *Homeserver) JoinedMembers(_ context.Context, user id.UserID, room id.RoomID) ([]id.UserID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("JoinedMembers", user, room, ""); err != nil {
		return nil, err
	}
	if !h.members[room][user] {
		return nil, fmt.Errorf("joined members of %s as %s: M_FORBIDDEN", room, user)
	}
	return sortedMembers(h.members[room]), nil
}

func (h *Homeserver) JoinedRooms(_ context.Context, user id.UserID) ([]id.RoomID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("JoinedRooms", user, "", ""); err != nil {
		return nil, err
	}
	var rooms []id.RoomID
	for room, members := range h.members {
		if members[user] {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms, nil
}

func (h *Homeserver) SendText(_ context.Context, user id.UserID, room id.RoomID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("SendText", user, room, text); err != nil {
		return err
	}
	h.messages = append(h.messages, Message{User: user, Room: room, Text: text})
	return nil
}

func (h *Homeserver) SetTyping(_ context.Context, user id.UserID, room id.RoomID, typing bool, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record("SetTyping", user, room, fmt.Sprint(typing))
}

func sortedMembers(set map[id.UserID]bool) []id.UserID {
	out := make([]id.UserID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
