package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default returns a configuration with every optional field filled in
func Default() *Config {
	return &Config{
		Server:   ServerConfig{ListenAddr: "127.0.0.1:8443"},
		Database: DatabaseConfig{Path: "/var/lib/trustgate/trustgate.db"},
		Clients: ClientsConfig{
			DialTimeout:      "10s",
			HandshakeTimeout: "2m",
			RequestTimeout:   "5m",
			UserAgent:        "trustgate",
			StatusPath:       "/status.php",
		},
		Presentation: PresentationConfig{DateLayout: "January 2, 2006"},
		Audit:        AuditConfig{Retention: "90d"},
		Logging:      LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadWithEnv loads configuration from a file and applies environment variable overrides
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	if dbPath := os.Getenv("TRUSTGATE_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if adminToken := os.Getenv("TRUSTGATE_ADMIN_TOKEN"); adminToken != "" {
		cfg.Admin.Token = adminToken
	}

	if listenAddr := os.Getenv("TRUSTGATE_LISTEN_ADDR"); listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	if encKey := os.Getenv("TRUSTGATE_ENCRYPTION_KEY"); encKey != "" {
		cfg.Encryption.Key = encKey
	}

	if gateSecret := os.Getenv("TRUSTGATE_GATE_SECRET"); gateSecret != "" {
		cfg.Gate.TOTPSecret = gateSecret
	}

	if level := os.Getenv("TRUSTGATE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	// Validate again after env overrides
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after env overrides: %w", err)
	}

	return cfg, nil
}
