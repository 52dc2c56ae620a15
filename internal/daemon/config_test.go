package daemon

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/appservice"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigDefaultsFallBackToBuiltinTokens(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MATRIX_TOKENS_FILE", filepath.Join(dir, "missing.json"))
	t.Setenv("MATRIX_AS_TOKEN", "")
	t.Setenv("MATRIX_HS_TOKEN", "")
	t.Setenv("AGENTBRIDGE_PRIVATE_CONFIG", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "agentbridge", cfg.Name)
	assert.Equal(t, "_vento_", cfg.Homeserver.UserPrefix)
	assert.Equal(t, "fallback", cfg.TokenSource())
	assert.Equal(t, fallbackASToken, cfg.Homeserver.ASToken)
	assert.Equal(t, fallbackHSToken, cfg.Homeserver.HSToken)
	assert.Equal(t, 2*time.Minute, cfg.AgentTimeout())
	assert.Equal(t, 10*time.Second, cfg.SyncDelay())
	assert.Zero(t, cfg.SyncInterval())
	assert.Equal(t, 30*time.Second, cfg.PresenceInterval())
	assert.Equal(t, 50, cfg.History.MaxEntries)
}

func TestLoadConfigMergesFileAndPrivateOverlay(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		"homeserver": {"server_name": "example.org", "as_token": "as", "hs_token": "hs"},
		"agents": {"timeout": "45s", "watch": false},
		"history": {"backend": "sqlite"}
	}`)
	overlay := writeFile(t, dir, "private.json", `{
		"admin": {"token": "$TEST_ADMIN_TOKEN"},
		"history": {"postgres_url": "$TEST_PG"}
	}`)
	t.Setenv("AGENTBRIDGE_PRIVATE_CONFIG", overlay)
	t.Setenv("TEST_ADMIN_TOKEN", "s3cret")
	t.Setenv("TEST_PG", "postgres://bridge@db/bridge")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "example.org", cfg.Homeserver.ServerName)
	assert.Equal(t, "_vento_", cfg.Homeserver.UserPrefix, "defaults survive the merge")
	assert.Equal(t, 45*time.Second, cfg.AgentTimeout())
	assert.False(t, cfg.Agents.Watch)
	assert.Equal(t, "sqlite", cfg.History.Backend)
	assert.Equal(t, "data/matrix/history.db", cfg.History.SQLitePath)
	assert.Equal(t, "postgres://bridge@db/bridge", cfg.History.PostgresURL)
	assert.Equal(t, "s3cret", cfg.Admin.Token)
	assert.Equal(t, "config", cfg.TokenSource())
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("AGENTBRIDGE_PRIVATE_CONFIG", "")
	path := writeFile(t, t.TempDir(), "config.json", `{"presence": {"interval": "often"}}`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "presence.interval")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestTokensFromRegistrationFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTBRIDGE_PRIVATE_CONFIG", "")
	t.Setenv("MATRIX_AS_TOKEN", "")
	t.Setenv("MATRIX_HS_TOKEN", "")

	reg := NewRegistration(defaultConfig())
	regPath := filepath.Join(dir, "appservice.yaml")
	require.NoError(t, SaveRegistration(reg, regPath))

	path := writeFile(t, dir, "config.json", `{"homeserver": {"registration_file": "`+regPath+`"}}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, reg.AppToken, cfg.Homeserver.ASToken)
	assert.Equal(t, reg.ServerToken, cfg.Homeserver.HSToken)
	assert.Equal(t, regPath, cfg.TokenSource())
}

func TestTokensFromTokensFileFillOnlyMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTBRIDGE_PRIVATE_CONFIG", "")
	t.Setenv("MATRIX_AS_TOKEN", "")
	t.Setenv("MATRIX_HS_TOKEN", "")

	tokens := writeFile(t, dir, "tokens.json", `{"as_token": "file-as", "hs_token": "file-hs"}`)
	path := writeFile(t, dir, "config.json", `{"homeserver": {"as_token": "explicit-as", "tokens_file": "`+tokens+`"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "explicit-as", cfg.Homeserver.ASToken)
	assert.Equal(t, "file-hs", cfg.Homeserver.HSToken)
	assert.Equal(t, tokens, cfg.TokenSource())
}

func TestDeepMergeJSON(t *testing.T) {
	merged, err := deepMergeJSON(
		[]byte(`{"a": {"b": 1, "c": 2}, "d": [1, 2]}`),
		[]byte(`{"a": {"c": 3}, "d": [9]}`),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": {"b": 1, "c": 3}, "d": [9]}`, string(merged))
}

func TestBrokenRegistrationFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTBRIDGE_PRIVATE_CONFIG", "")
	t.Setenv("MATRIX_AS_TOKEN", "")
	t.Setenv("MATRIX_HS_TOKEN", "")

	regPath := writeFile(t, dir, "appservice.yaml", "as_token: [unterminated")
	path := writeFile(t, dir, "config.json", `{"homeserver": {"registration_file": "`+regPath+`"}}`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), regPath)
}

func TestRegistration(t *testing.T) {
	cfg := defaultConfig()
	cfg.Homeserver.ServerName = "vento.local"
	cfg.Homeserver.AppserviceURL = "http://bridge:29330"
	reg := NewRegistration(cfg)

	assert.Equal(t, "agentbridge", reg.ID)
	assert.Equal(t, "http://bridge:29330", reg.URL)
	assert.Len(t, reg.AppToken, 64)
	assert.NotEqual(t, reg.AppToken, reg.ServerToken)
	assert.Equal(t, "vento_bridge", reg.SenderLocalpart)
	require.NotNil(t, reg.RateLimited)
	assert.False(t, *reg.RateLimited)
	require.Len(t, reg.Namespaces.UserIDs, 1)
	assert.True(t, reg.Namespaces.UserIDs[0].Exclusive)
	assert.Empty(t, reg.Namespaces.RoomAliases)

	ns := regexp.MustCompile("^" + reg.Namespaces.UserIDs[0].Regex + "$")
	assert.True(t, ns.MatchString("@_vento_weather:vento.local"))
	assert.False(t, ns.MatchString("@alice:vento.local"))
	assert.False(t, ns.MatchString("@_vento_weather:ventoXlocal"))

	path := filepath.Join(t.TempDir(), "nested", "appservice.yaml")
	require.NoError(t, SaveRegistration(reg, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "as_token: "+reg.AppToken)
	assert.Contains(t, string(raw), "rate_limited: false")

	loaded, err := appservice.LoadRegistration(path)
	require.NoError(t, err)
	assert.Equal(t, reg, loaded)
}
