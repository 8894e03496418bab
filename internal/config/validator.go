package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/crypt"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	world := cfg.GetWorldData()
	app := cfg.GetApplicationData()
	validateWorldData(&world, result)
	validateApplicationData(&app, result)

	return result
}

func validateWorldData(data *WorldData, result *ValidationResult) {
	if data.RealmID == 0 {
		result.AddError("world_data.realm_id", "realm id must be non-zero")
	}
	if strings.TrimSpace(data.RealmName) == "" {
		result.AddWarning("world_data.realm_name", "realm name is empty")
	}

	if data.BindAddress != "" && net.ParseIP(data.BindAddress) == nil {
		result.AddError("world_data.bind_address", fmt.Sprintf("invalid IP address: %s", data.BindAddress))
	}

	validatePort(data.WorldPort, "world_data.world_port", result)
	validatePort(data.APIPort, "world_data.api_port", result)
	if data.WorldPort == data.APIPort {
		result.AddError("world_data.ports", "port conflict detected: world and api ports must differ")
	}

	if data.MaxConnections < 1 {
		result.AddError("world_data.max_connections", "must allow at least 1 connection")
	}

	if _, err := auth.ParseSecurityLevel(data.RequiredSecurity); err != nil {
		result.AddError("world_data.required_security", err.Error())
	}
	if data.RealmClosed {
		result.AddWarning("world_data.realm_closed", "realm starts closed; logins will be rejected")
	}

	if data.InstanceAddress != "" {
		validatePort(data.InstancePort, "world_data.instance_port", result)
	}

	// Handshake
	if data.Handshake.TimeoutSec < 1 {
		result.AddError("world_data.handshake.timeout_sec", "handshake timeout must be at least 1 second")
	}
	if data.Handshake.LookupTimeoutSec < 1 {
		result.AddError("world_data.handshake.lookup_timeout_sec", "lookup timeout must be at least 1 second")
	}
	if data.Handshake.LookupTimeoutSec >= data.Handshake.TimeoutSec {
		result.AddWarning("world_data.handshake.lookup_timeout_sec",
			"lookup timeout is not shorter than the handshake timeout")
	}
	if data.Handshake.MaxConcurrentLookups < 1 {
		result.AddError("world_data.handshake.max_concurrent_lookups", "must allow at least 1 lookup")
	}
	if data.Handshake.DosZeroBits > crypt.MaxDosZeroBits {
		result.AddError("world_data.handshake.dos_zero_bits",
			fmt.Sprintf("proof of work is capped at %d zero bits", crypt.MaxDosZeroBits))
	}

	// Crypto
	if _, err := crypt.ParseSuite(data.Crypto.Cipher); err != nil {
		result.AddError("world_data.crypto.cipher", err.Error())
	}
	if data.Crypto.CompressionLevel < 1 || data.Crypto.CompressionLevel > 9 {
		result.AddError("world_data.crypto.compression_level", "compression level must be 1-9")
	}

	// Session
	if data.Session.UpdateIntervalMS < 1 {
		result.AddError("world_data.session.update_interval_ms", "update interval must be positive")
	}
	if data.Session.MaxQueuedPackets < 1 {
		result.AddError("world_data.session.max_queued_packets", "queue limit must be positive")
	}
	if data.Session.KeepAliveTimeout < 30 {
		result.AddWarning("world_data.session.keep_alive_timeout_sec",
			"keep-alive timeout under 30s may drop healthy clients")
	}
	if data.Session.MaxOverspeedPings == 0 {
		result.AddWarning("world_data.session.max_overspeed_pings", "ping overspeed protection is disabled")
	}

	if strings.TrimSpace(data.DatabasePath) == "" {
		result.AddError("world_data.database_path", "database path is required")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	// Security
	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if !data.Security.AuthDisabled && strings.TrimSpace(data.Security.APIToken) == "" {
		result.AddError("application_data.security.api_token", "API token is required when auth is enabled")
	}
	if data.Security.AuthDisabled {
		result.AddWarning("application_data.security.auth_disabled",
			"API authentication is disabled; bind the API to a trusted interface")
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if data.Metrics.Enabled && !strings.HasPrefix(data.Metrics.Path, "/") {
		result.AddError("application_data.metrics.path", "metrics path must start with /")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
	if timers.StaleCheckInterval < 1 {
		result.AddError("timers.stale_check_interval", "stale check interval must be positive")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
