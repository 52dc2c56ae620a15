// Package channel defines what the bridge needs from a Matrix homeserver.
// The bridge talks either as the application service itself or as one of
// its virtual users; every per-user call takes the user to impersonate.
package channel

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ErrAlreadyExists is returned (wrapped) when a user or room being created
// already exists. Callers treat it as success.
var ErrAlreadyExists = errors.New("already exists")

// CreateRoomRequest describes the shared room the bridge may create.
type CreateRoomRequest struct {
	AliasLocalpart string
	Name           string
	Topic          string
	Public         bool
	// HistoryVisibility is applied as initial state, e.g. "shared".
	HistoryVisibility event.HistoryVisibility
}

// Homeserver is the outbound client-server API surface used by the bridge.
type Homeserver interface {
	// Register creates a user in the appservice namespace.
	Register(ctx context.Context, localpart string) error
	SetDisplayName(ctx context.Context, user id.UserID, name string) error
	SetPresence(ctx context.Context, user id.UserID, presence event.Presence) error

	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	// CreateRoom creates a room as the appservice bot.
	CreateRoom(ctx context.Context, req CreateRoomRequest) (id.RoomID, error)

	JoinRoom(ctx context.Context, user id.UserID, room id.RoomID) error
	LeaveRoom(ctx context.Context, user id.UserID, room id.RoomID) error
	// JoinedMembers lists the room's joined members, queried as user. It fails
	// when user is not joined to the room.
	JoinedMembers(ctx context.Context, user id.UserID, room id.RoomID) ([]id.UserID, error)
	JoinedRooms(ctx context.Context, user id.UserID) ([]id.RoomID, error)

	SendText(ctx context.Context, user id.UserID, room id.RoomID, text string) error
	SetTyping(ctx context.Context, user id.UserID, room id.RoomID, typing bool, timeout time.Duration) error
}
