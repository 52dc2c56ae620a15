package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"maunium.net/go/mautrix/appservice"
)

// NewRegistration builds a registration for cfg with freshly generated
// tokens. The user namespace exclusively claims every prefixed localpart.
func NewRegistration(cfg *Config) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = cfg.Name
	reg.URL = cfg.Homeserver.AppserviceURL
	reg.SenderLocalpart = cfg.Homeserver.BotLocalpart
	rateLimited := false
	reg.RateLimited = &rateLimited
	reg.Namespaces.UserIDs.Register(
		regexp.MustCompile(UserNamespace(cfg.Homeserver.UserPrefix, cfg.Homeserver.ServerName)),
		true,
	)
	return reg
}

// UserNamespace is the user ID regex for prefix on server.
func UserNamespace(prefix, server string) string {
	return "@" + regexp.QuoteMeta(prefix) + ".*:" + regexp.QuoteMeta(server)
}

// SaveRegistration writes reg to path, creating the parent directory.
func SaveRegistration(reg *appservice.Registration, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create registration dir: %w", err)
		}
	}
	if err := reg.Save(path); err != nil {
		return fmt.Errorf("write registration %s: %w", path, err)
	}
	return nil
}
