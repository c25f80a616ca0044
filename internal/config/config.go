package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Trust        TrustConfig        `yaml:"trust"`
	Clients      ClientsConfig      `yaml:"clients"`
	Presentation PresentationConfig `yaml:"presentation"`
	Admin        AdminConfig        `yaml:"admin"`
	Gate         GateConfig         `yaml:"gate"`
	Encryption   EncryptionConfig   `yaml:"encryption"`
	Audit        AuditConfig        `yaml:"audit"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TrustConfig contains trust decision configuration
type TrustConfig struct {
	// ApprovalTimeout bounds how long a handshake waits for a human verdict.
	// Empty or "0" means the handshake timeout alone applies.
	ApprovalTimeout string `yaml:"approval_timeout"`
}

// ClientsConfig contains per-account API client configuration
type ClientsConfig struct {
	DialTimeout      string `yaml:"dial_timeout"`
	HandshakeTimeout string `yaml:"handshake_timeout"`
	RequestTimeout   string `yaml:"request_timeout"`
	UserAgent        string `yaml:"user_agent"`
	StatusPath       string `yaml:"status_path"`
}

// PresentationConfig contains settings for rendering approval prompts
type PresentationConfig struct {
	DateLayout string `yaml:"date_layout"`
}

// AdminConfig contains admin configuration
type AdminConfig struct {
	Token string `yaml:"token"`
}

// GateConfig contains the unlock gate required before a verdict is accepted
type GateConfig struct {
	TOTPSecret string `yaml:"totp_secret"`
}

// EncryptionConfig contains encryption configuration
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// AuditConfig contains audit log retention configuration
type AuditConfig struct {
	Retention string `yaml:"retention"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	// Database validation
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Trust validation
	if c.Trust.ApprovalTimeout != "" {
		if _, err := parseDuration(c.Trust.ApprovalTimeout); err != nil {
			return fmt.Errorf("trust.approval_timeout is invalid: %w", err)
		}
	}

	// Clients validation
	for name, value := range map[string]string{
		"clients.dial_timeout":      c.Clients.DialTimeout,
		"clients.handshake_timeout": c.Clients.HandshakeTimeout,
		"clients.request_timeout":   c.Clients.RequestTimeout,
	} {
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Clients.StatusPath != "" {
		if _, err := url.Parse(c.Clients.StatusPath); err != nil {
			return fmt.Errorf("clients.status_path is invalid: %w", err)
		}
	}

	// Admin validation
	if c.Admin.Token == "" {
		return fmt.Errorf("admin.token is required")
	}
	if c.Admin.Token == "change-me" {
		fmt.Fprintf(os.Stderr, "WARNING: Using default admin token. Please change it in production!\n")
	}

	// Gate validation
	if c.Gate.TOTPSecret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: gate.totp_secret is empty, verdicts are accepted without an unlock code\n")
	}

	// Encryption validation
	if len(c.Encryption.Key) != 64 { // 32 bytes = 64 hex chars
		return fmt.Errorf("encryption.key must be 64 hex characters (32 bytes)")
	}
	if _, err := hex.DecodeString(c.Encryption.Key); err != nil {
		return fmt.Errorf("encryption.key is not valid hex: %w", err)
	}

	// Audit validation
	if c.Audit.Retention != "" {
		if _, err := parseDuration(c.Audit.Retention); err != nil {
			return fmt.Errorf("audit.retention is invalid: %w", err)
		}
	}

	// Logging validation
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}

	return nil
}

// GetApprovalTimeout returns the approval timeout, zero when unset
func (c *Config) GetApprovalTimeout() time.Duration {
	d, _ := parseDuration(c.Trust.ApprovalTimeout)
	return d
}

// GetDialTimeout returns the TCP dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	d, _ := parseDuration(c.Clients.DialTimeout)
	return d
}

// GetHandshakeTimeout returns the TLS handshake timeout, which also bounds
// how long a handshake may wait for a trust decision
func (c *Config) GetHandshakeTimeout() time.Duration {
	d, _ := parseDuration(c.Clients.HandshakeTimeout)
	return d
}

// GetRequestTimeout returns the overall request timeout of API clients
func (c *Config) GetRequestTimeout() time.Duration {
	d, _ := parseDuration(c.Clients.RequestTimeout)
	return d
}

// GetAuditRetention returns the audit retention, zero meaning keep forever
func (c *Config) GetAuditRetention() time.Duration {
	d, _ := parseDuration(c.Audit.Retention)
	return d
}

// parseDuration parses duration with support for days (e.g., "90d").
// An empty string parses as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	// Handle "d" suffix for days
	if len(s) > 1 && s[len(s)-1] == 'd' {
		days := s[:len(s)-1]
		var d int
		if _, err := fmt.Sscanf(days, "%d", &d); err != nil {
			return 0, err
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
