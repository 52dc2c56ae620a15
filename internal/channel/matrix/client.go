// Package matrix implements channel.Homeserver on top of mautrix-go, talking
// to the homeserver with the application service token and impersonating
// virtual users through the user_id query parameter.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/agentbridge/pkg/channel"
)

// maxMessageLen is the largest body sent in a single event; longer replies
// are split.
const maxMessageLen = 4000

// Config holds the appservice connection settings.
type Config struct {
	Homeserver   string // e.g. http://localhost:8008
	ServerName   string // e.g. vento.local
	ASToken      string
	BotLocalpart string
	// Debug routes mautrix request logs to stderr.
	Debug bool
}

// Client is a channel.Homeserver backed by one mautrix client per identity.
type Client struct {
	config Config
	http   *http.Client
	log    zerolog.Logger
	bot    *mautrix.Client

	mu      sync.Mutex
	intents map[id.UserID]*mautrix.Client
}

var _ channel.Homeserver = (*Client)(nil)

// New creates the appservice client. It does not contact the homeserver.
func New(cfg Config) (*Client, error) {
	if cfg.Homeserver == "" || cfg.ServerName == "" {
		return nil, fmt.Errorf("homeserver url and server name are required")
	}
	c := &Client{
		config:  cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     zerolog.Nop(),
		intents: make(map[id.UserID]*mautrix.Client),
	}
	if cfg.Debug {
		c.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("component", "mautrix").Logger()
	}

	bot, err := c.newClient(c.BotUserID(), false)
	if err != nil {
		return nil, err
	}
	c.bot = bot
	return c, nil
}

// BotUserID returns the appservice sender user.
func (c *Client) BotUserID() id.UserID {
	return id.NewUserID(c.config.BotLocalpart, c.config.ServerName)
}

func (c *Client) newClient(user id.UserID, impersonate bool) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(c.config.Homeserver, user, c.config.ASToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	cli.SetAppServiceUserID = impersonate
	cli.Client = c.http
	cli.Log = c.log
	return cli, nil
}

// as returns a client acting as user.
func (c *Client) as(user id.UserID) (*mautrix.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.intents[user]; ok {
		return cli, nil
	}
	cli, err := c.newClient(user, true)
	if err != nil {
		return nil, err
	}
	c.intents[user] = cli
	return cli, nil
}

type registerRequest struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	InhibitLogin bool   `json:"inhibit_login"`
}

// Register creates localpart through the m.login.application_service flow.
func (c *Client) Register(ctx context.Context, localpart string) error {
	_, err := c.bot.MakeRequest(ctx, http.MethodPost, c.bot.BuildClientURL("v3", "register"), &registerRequest{
		Type:         "m.login.application_service",
		Username:     localpart,
		InhibitLogin: true,
	}, nil)
	return classify("register "+localpart, err)
}

func (c *Client) SetDisplayName(ctx context.Context, user id.UserID, name string) error {
	cli, err := c.as(user)
	if err != nil {
		return err
	}
	if err := cli.SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("set displayname %s: %w", user, err)
	}
	return nil
}

type presenceRequest struct {
	Presence event.Presence `json:"presence"`
}

func (c *Client) SetPresence(ctx context.Context, user id.UserID, presence event.Presence) error {
	cli, err := c.as(user)
	if err != nil {
		return err
	}
	url := cli.BuildClientURL("v3", "presence", string(user), "status")
	if _, err := cli.MakeRequest(ctx, http.MethodPut, url, &presenceRequest{Presence: presence}, nil); err != nil {
		return fmt.Errorf("set presence %s=%s: %w", user, presence, err)
	}
	return nil
}

func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := c.bot.ResolveAlias(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	return resp.RoomID, nil
}

func (c *Client) CreateRoom(ctx context.Context, req channel.CreateRoomRequest) (id.RoomID, error) {
	create := &mautrix.ReqCreateRoom{
		RoomAliasName: req.AliasLocalpart,
		Name:          req.Name,
		Topic:         req.Topic,
		Visibility:    "private",
		Preset:        "private_chat",
	}
	if req.Public {
		create.Visibility = "public"
		create.Preset = "public_chat"
	}
	if req.HistoryVisibility != "" {
		stateKey := ""
		create.InitialState = append(create.InitialState, &event.Event{
			Type:     event.StateHistoryVisibility,
			StateKey: &stateKey,
			Content: event.Content{Parsed: &event.HistoryVisibilityEventContent{
				HistoryVisibility: req.HistoryVisibility,
			}},
		})
	}
	resp, err := c.bot.CreateRoom(ctx, create)
	if err != nil {
		return "", classify("create room #"+req.AliasLocalpart, err)
	}
	return resp.RoomID, nil
}

func (c *Client) JoinRoom(ctx context.Context, user id.UserID, room id.RoomID) error {
	cli, err := c.as(user)
	if err != nil {
		return err
	}
	if _, err := cli.JoinRoomByID(ctx, room); err != nil {
		return fmt.Errorf("join %s as %s: %w", room, user, err)
	}
	return nil
}

func (c *Client) LeaveRoom(ctx context.Context, user id.UserID, room id.RoomID) error {
	cli, err := c.as(user)
	if err != nil {
		return err
	}
	if _, err := cli.LeaveRoom(ctx, room); err != nil {
		return fmt.Errorf("leave %s as %s: %w", room, user, err)
	}
	return nil
}

func (c *Client) JoinedMembers(ctx context.Context, user id.UserID, room id.RoomID) ([]id.UserID, error) {
	cli, err := c.as(user)
	if err != nil {
		return nil, err
	}
	resp, err := cli.JoinedMembers(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("joined members of %s as %s: %w", room, user, err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for member := range resp.Joined {
		members = append(members, member)
	}
	return members, nil
}

func (c *Client) JoinedRooms(ctx context.Context, user id.UserID) ([]id.RoomID, error) {
	cli, err := c.as(user)
	if err != nil {
		return nil, err
	}
	resp, err := cli.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("joined rooms of %s: %w", user, err)
	}
	return resp.JoinedRooms, nil
}

// SendText sends text as user, splitting long messages into numbered chunks.
func (c *Client) SendText(ctx context.Context, user id.UserID, room id.RoomID, text string) error {
	cli, err := c.as(user)
	if err != nil {
		return err
	}

	chunks := splitMessage(text, maxMessageLen)
	for i, chunk := range chunks {
		prefix := ""
		if len(chunks) > 1 {
			prefix = fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
		}
		if _, err := cli.SendText(ctx, room, prefix+chunk); err != nil {
			slog.Error("matrix send failed", "room", room, "user", user, "chunk", i+1, "error", err)
			return fmt.Errorf("send to %s as %s: %w", room, user, err)
		}
	}
	slog.Debug("matrix message sent", "room", room, "user", user, "chunks", len(chunks), "len", len(text))
	return nil
}

func (c *Client) SetTyping(ctx context.Context, user id.UserID, room id.RoomID, typing bool, timeout time.Duration) error {
	cli, err := c.as(user)
	if err != nil {
		return err
	}
	if _, err := cli.UserTyping(ctx, room, typing, timeout); err != nil {
		return fmt.Errorf("typing=%t in %s as %s: %w", typing, room, user, err)
	}
	return nil
}

// classify wraps "already exists" responses in channel.ErrAlreadyExists.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MUserInUse) || errors.Is(err, mautrix.MRoomInUse) {
		return fmt.Errorf("%s: %w (%v)", op, channel.ErrAlreadyExists, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// splitMessage cuts s into chunks of at most maxLen bytes without splitting
// a UTF-8 sequence.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 || len(chunks) == 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
