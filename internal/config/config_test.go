package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())
	assert.Equal(t, uint32(1), cfg.GetWorldData().RealmID)
	assert.True(t, Validate(cfg).IsValid())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `{"world_data": {"realm_id": 7, "realm_name": "Stormwind", "crypto": {"cipher": "chacha20-poly1305"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(raw), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	world := cfg.GetWorldData()
	assert.Equal(t, uint32(7), world.RealmID)
	assert.Equal(t, "Stormwind", world.RealmName)
	assert.Equal(t, "chacha20-poly1305", world.Crypto.Cipher)
	assert.Equal(t, 1, world.Crypto.CompressionLevel)
	assert.Equal(t, DefaultWorldPort, world.WorldPort)
	assert.Equal(t, 50*time.Millisecond, world.UpdateInterval())
	assert.Equal(t, 120*time.Second, world.KeepAliveTimeout())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{not json"), 0600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestUpdateWorldField(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.UpdateWorldField("realm_closed", true))
	require.NoError(t, cfg.UpdateWorldField("max_connections", float64(42)))
	require.NoError(t, cfg.UpdateWorldField("allowed_builds", []interface{}{float64(12340)}))

	world := cfg.GetWorldData()
	assert.True(t, world.RealmClosed)
	assert.Equal(t, 42, world.MaxConnections)
	assert.Equal(t, []uint32{12340}, world.AllowedBuilds)

	err := cfg.UpdateWorldField("no_such_field", 1)
	assert.EqualError(t, err, "unknown field no_such_field")

	// A type mismatch leaves the section untouched.
	assert.Error(t, cfg.UpdateWorldField("max_connections", "lots"))
	assert.Equal(t, 42, cfg.GetWorldData().MaxConnections)
}

func TestUpdateAppField(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateAppField("metrics", map[string]interface{}{"enabled": false, "path": "/m"}))
	assert.False(t, cfg.GetApplicationData().Metrics.Enabled)
	assert.Equal(t, "/m", cfg.GetApplicationData().Metrics.Path)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	require.NoError(t, cfg.UpdateWorldField("realm_name", "Ironforge"))
	require.NoError(t, cfg.Save())

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "Ironforge", reloaded.GetWorldData().RealmName)
}

func fieldsOf(errs []ValidationError) []string {
	fields := make([]string, len(errs))
	for i, e := range errs {
		fields[i] = e.Field
	}
	return fields
}

func TestValidateErrors(t *testing.T) {
	cfg := DefaultConfig()
	world := cfg.GetWorldData()
	world.RealmID = 0
	world.APIPort = world.WorldPort
	world.BindAddress = "not-an-ip"
	world.RequiredSecurity = "emperor"
	world.Crypto.Cipher = "rot13"
	world.Crypto.CompressionLevel = 0
	world.Session.MaxQueuedPackets = 0
	world.Handshake.DosZeroBits = 40
	world.DatabasePath = " "
	cfg.SetWorldData(world)

	app := cfg.GetApplicationData()
	app.Security.AuthDisabled = false
	app.MQTT.Enabled = true
	app.Metrics.Path = "metrics"
	cfg.SetApplicationData(app)

	result := Validate(cfg)
	require.False(t, result.IsValid())

	fields := fieldsOf(result.Errors)
	for _, f := range []string{
		"world_data.realm_id",
		"world_data.ports",
		"world_data.bind_address",
		"world_data.required_security",
		"world_data.crypto.cipher",
		"world_data.crypto.compression_level",
		"world_data.session.max_queued_packets",
		"world_data.handshake.dos_zero_bits",
		"world_data.database_path",
		"application_data.security.api_token",
		"application_data.mqtt.broker_url",
		"application_data.metrics.path",
	} {
		assert.Contains(t, fields, f)
	}
	assert.Contains(t, result.Errors[0].Error(), "config validation error [world_data.realm_id]")
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	world := cfg.GetWorldData()
	world.RealmClosed = true
	world.Session.MaxOverspeedPings = 0
	world.WorldPort = 85
	cfg.SetWorldData(world)

	result := Validate(cfg)
	assert.True(t, result.IsValid())

	warnings := fieldsOf(result.Warnings)
	assert.Contains(t, warnings, "world_data.realm_closed")
	assert.Contains(t, warnings, "world_data.session.max_overspeed_pings")
	assert.Contains(t, warnings, "world_data.world_port")
	assert.Contains(t, warnings, "application_data.security.auth_disabled")
}
