package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/db"
)

// writeConfig points the accounts database into a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	world := cfg.GetWorldData()
	world.DatabasePath = filepath.Join(dir, "accounts.db")
	cfg.SetWorldData(world)

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), data, 0600))
	return dir
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--config-dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestAccountLifecycle(t *testing.T) {
	dir := writeConfig(t)

	out, err := run(t, dir, "account", "create", "arthas", "--security", "moderator", "--secret", "deadbeef")
	require.NoError(t, err)
	assert.Contains(t, out, "Account:  1 (arthas)")
	assert.Contains(t, out, "Security: moderator")
	assert.NotContains(t, out, "Secret:")

	out, err = run(t, dir, "account", "ticket", "1")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out), 36)

	_, err = run(t, dir, "account", "lock-ip", "1", "10.0.0.1")
	require.NoError(t, err)
	_, err = run(t, dir, "account", "ban", "1", "--duration", "1h")
	require.NoError(t, err)

	out, err = run(t, dir, "account", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "arthas")
	assert.Contains(t, out, "10.0.0.1")
	assert.Contains(t, out, "true")

	_, err = run(t, dir, "account", "lock-ip", "1", "not-an-ip")
	assert.ErrorIs(t, err, db.ErrInvalidAddress)
	_, err = run(t, dir, "account", "security", "0", "player")
	assert.Error(t, err)
}

func TestAccountCreateRandomSecret(t *testing.T) {
	dir := writeConfig(t)
	out, err := run(t, dir, "account", "create", "jaina")
	require.NoError(t, err)
	assert.Contains(t, out, "Secret:")
}

func TestIPBanCommands(t *testing.T) {
	dir := writeConfig(t)

	_, err := run(t, dir, "ip", "ban", "192.0.2.7", "--reason", "flood")
	require.NoError(t, err)
	out, err := run(t, dir, "ip", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "192.0.2.7")
	assert.Contains(t, out, "never")

	_, err = run(t, dir, "ip", "unban", "192.0.2.7")
	require.NoError(t, err)
	out, err = run(t, dir, "ip", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "192.0.2.7")

	_, err = run(t, dir, "ip", "country", "10.0.0.0", "10.0.0.255", "de")
	assert.NoError(t, err)
}

func TestIPBanRow(t *testing.T) {
	banned := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	row := ipBanRow(db.IPBan{IP: "1.2.3.4", Reason: "r", BannedAt: banned, UnbanAt: banned.Add(time.Hour)})
	assert.Equal(t, []string{"1.2.3.4", "r", banned.Format(time.RFC3339), banned.Add(time.Hour).Format(time.RFC3339)}, row)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, AppName+" "+AppVersion)
}
