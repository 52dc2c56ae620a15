package bridge

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// Naming derives virtual identities from agent IDs. The mapping is pure: the
// same agent ID always yields the same user ID.
type Naming struct {
	Prefix       string // localpart prefix of the exclusive namespace, e.g. "_vento_"
	Server       string // homeserver name, e.g. "vento.local"
	BotLocalpart string
}

func (n Naming) Localpart(agentID string) string {
	return n.Prefix + strings.ToLower(agentID)
}

func (n Naming) UserID(agentID string) id.UserID {
	return id.NewUserID(n.Localpart(agentID), n.Server)
}

// Bot returns the appservice sender.
func (n Naming) Bot() id.UserID {
	return id.NewUserID(n.BotLocalpart, n.Server)
}

// AgentKey returns the lowercased agent ID encoded in a virtual identity.
func (n Naming) AgentKey(user id.UserID) (string, bool) {
	localpart, server, err := user.Parse()
	if err != nil || server != n.Server {
		return "", false
	}
	if !strings.HasPrefix(localpart, n.Prefix) || len(localpart) == len(n.Prefix) {
		return "", false
	}
	return strings.TrimPrefix(localpart, n.Prefix), true
}

// IsVirtual reports whether user lives in the bridge's namespace.
func (n Naming) IsVirtual(user id.UserID) bool {
	_, ok := n.AgentKey(user)
	return ok
}

// Alias builds a room alias on the bridge's server.
func (n Naming) Alias(localpart string) id.RoomAlias {
	return id.RoomAlias("#" + localpart + ":" + n.Server)
}
