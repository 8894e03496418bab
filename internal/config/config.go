// Package config handles configuration loading, validation, and persistence
// for the worldgate server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultWorldPort  = 8085
	DefaultAPIPort    = 5000
)

// Config is the root configuration structure for worldgate.
type Config struct {
	mu   sync.RWMutex
	path string

	WorldData       WorldData       `json:"world_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// WorldData contains realm and world socket configuration.
type WorldData struct {
	// Realm identity
	RealmID   uint32 `json:"realm_id"`
	RealmName string `json:"realm_name"`

	// Listeners
	BindAddress    string `json:"bind_address"`
	WorldPort      int    `json:"world_port"`
	APIBindAddress string `json:"api_bind_address"`
	APIPort        int    `json:"api_port"`
	MaxConnections int    `json:"max_connections"`

	// Login gate
	RequiredSecurity string   `json:"required_security"`
	AllowedBuilds    []uint32 `json:"allowed_builds"`
	Expansion        uint8    `json:"expansion"`
	RealmClosed      bool     `json:"realm_closed"`

	// Instance redirect; empty address disables SMSG_CONNECT_TO
	InstanceAddress string `json:"instance_address"`
	InstancePort    int    `json:"instance_port"`

	Handshake HandshakeConfig `json:"handshake"`
	Crypto    CryptoConfig    `json:"crypto"`
	Session   SessionConfig   `json:"session"`
	Socket    SocketConfig    `json:"socket"`

	DatabasePath string `json:"database_path"`
}

// HandshakeConfig bounds the handshake and credential lookups.
type HandshakeConfig struct {
	TimeoutSec           int   `json:"timeout_sec"`
	LookupTimeoutSec     int   `json:"lookup_timeout_sec"`
	MaxConcurrentLookups int64 `json:"max_concurrent_lookups"`
	ResumeKeyTTLSec      int   `json:"resume_key_ttl_sec"`
	ResumeKeyCapacity    int   `json:"resume_key_capacity"`
	DosZeroBits          uint8 `json:"dos_zero_bits"`
}

// CryptoConfig selects the packet cipher and compression level.
type CryptoConfig struct {
	Cipher           string `json:"cipher"`
	CompressionLevel int    `json:"compression_level"`
}

// SessionConfig tunes the session update loop.
type SessionConfig struct {
	UpdateIntervalMS  int `json:"update_interval_ms"`
	MaxQueuedPackets  int `json:"max_queued_packets"`
	PacketsPerUpdate  int `json:"packets_per_update"`
	KeepAliveTimeout  int `json:"keep_alive_timeout_sec"`
	MaxOverspeedPings int `json:"max_overspeed_pings"`
}

// SocketConfig holds per-socket options.
type SocketConfig struct {
	NoDelay         bool `json:"tcp_nodelay"`
	WriteQueueSize  int  `json:"write_queue_size"`
	WriteTimeoutSec int  `json:"write_timeout_sec"`
}

// ApplicationData contains operational configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval int     `json:"general_health_interval_sec"`
	StaleCheckInterval    int     `json:"stale_check_interval_sec"`
	HeartbeatInterval     int     `json:"heartbeat_interval_sec"`
	CPUWarnPercent        float64 `json:"cpu_warn_percent"`
	MemoryWarnPercent     float64 `json:"memory_warn_percent"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	APIToken       string   `json:"api_token"`
	AuthDisabled   bool     `json:"auth_disabled"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WorldData: WorldData{
			RealmID:          1,
			RealmName:        "worldgate",
			BindAddress:      "0.0.0.0",
			WorldPort:        DefaultWorldPort,
			APIBindAddress:   "127.0.0.1",
			APIPort:          DefaultAPIPort,
			MaxConnections:   5000,
			RequiredSecurity: "player",
			Handshake: HandshakeConfig{
				TimeoutSec:           30,
				LookupTimeoutSec:     10,
				MaxConcurrentLookups: 64,
				ResumeKeyTTLSec:      60,
				ResumeKeyCapacity:    10000,
			},
			Crypto: CryptoConfig{
				Cipher:           "aes-128-gcm",
				CompressionLevel: 1,
			},
			Session: SessionConfig{
				UpdateIntervalMS:  50,
				MaxQueuedPackets:  4096,
				PacketsPerUpdate:  100,
				KeepAliveTimeout:  120,
				MaxOverspeedPings: 2,
			},
			Socket: SocketConfig{
				NoDelay:         true,
				WriteQueueSize:  256,
				WriteTimeoutSec: 10,
			},
			DatabasePath: filepath.Join("data", "worldgate.db"),
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				GeneralHealthInterval: 60,
				StaleCheckInterval:    30,
				HeartbeatInterval:     60,
				CPUWarnPercent:        90,
				MemoryWarnPercent:     90,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        8883,
				UseTLS:      true,
				TopicPrefix: "worldgate",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: true,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist any default fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetWorldData returns a copy of the world configuration.
func (c *Config) GetWorldData() WorldData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.WorldData
}

// SetWorldData updates the world configuration.
func (c *Config) SetWorldData(data WorldData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WorldData = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateWorldField updates a single top-level field in world data.
func (c *Config) UpdateWorldField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	updated := c.WorldData
	if err := updateField(&updated, key, value); err != nil {
		return err
	}
	c.WorldData = updated
	return nil
}

// UpdateAppField updates a single top-level field in application data.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	updated := c.ApplicationData
	if err := updateField(&updated, key, value); err != nil {
		return err
	}
	c.ApplicationData = updated
	return nil
}

func updateField(target interface{}, key string, value interface{}) error {
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section: %w", err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section: %w", err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s", key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// HandshakeTimeout returns the handshake deadline as a duration.
func (w WorldData) HandshakeTimeout() time.Duration {
	return time.Duration(w.Handshake.TimeoutSec) * time.Second
}

// LookupTimeout returns the credential lookup deadline.
func (w WorldData) LookupTimeout() time.Duration {
	return time.Duration(w.Handshake.LookupTimeoutSec) * time.Second
}

// ResumeKeyTTL returns how long a connect-to key stays valid.
func (w WorldData) ResumeKeyTTL() time.Duration {
	return time.Duration(w.Handshake.ResumeKeyTTLSec) * time.Second
}

// UpdateInterval returns the session update tick.
func (w WorldData) UpdateInterval() time.Duration {
	return time.Duration(w.Session.UpdateIntervalMS) * time.Millisecond
}

// KeepAliveTimeout returns the idle limit for established connections.
func (w WorldData) KeepAliveTimeout() time.Duration {
	return time.Duration(w.Session.KeepAliveTimeout) * time.Second
}

// WriteTimeout returns the per-write socket deadline.
func (w WorldData) WriteTimeout() time.Duration {
	return time.Duration(w.Socket.WriteTimeoutSec) * time.Second
}
