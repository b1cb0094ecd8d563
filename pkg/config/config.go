// Package config loads diagcore's YAML configuration file into a typed
// Config, grounded on the teacher's Protei_Monitoring/bin/pkg/config
// package (spec.md SPEC_FULL §4.10).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete diagcore configuration.
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Transport   TransportConfig   `yaml:"transport"`
	Session     SessionConfig     `yaml:"session"`
	LogMask     LogMaskConfig     `yaml:"log_subscription"`
	Messages    MessagesConfig    `yaml:"messages"`
	EFS2        EFS2Config        `yaml:"efs2"`
	Forensics   ForensicsConfig   `yaml:"forensics"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ApplicationConfig holds application identity.
type ApplicationConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// TransportConfig selects and parameterizes the live or replay transport.
type TransportConfig struct {
	Kind         string `yaml:"kind"` // "serial", "usb", "tcp", "dlf", "jsonl"
	Device       string `yaml:"device"`
	Baud         int    `yaml:"baud"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	USBVendorID  uint16 `yaml:"usb_vendor_id"`
	USBProductID uint16 `yaml:"usb_product_id"`
	USBOutEP     int    `yaml:"usb_out_endpoint"`
	USBInEP      int    `yaml:"usb_in_endpoint"`
	ReplayPath   string `yaml:"replay_path"`
}

// SessionConfig holds request/response matcher settings. Validate
// range-checks them; the matcher itself does not read them and always uses
// diag.RequestTimeout and diag.MaxRetransmits.
type SessionConfig struct {
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
	MaxRetransmits   int `yaml:"max_retransmits"`
}

// LogMaskConfig configures the log-subscription manager's allow-list.
type LogMaskConfig struct {
	Enabled   bool     `yaml:"enabled"`
	AllowList []uint32 `yaml:"allow_list"`
}

// MessagesConfig configures debug-message decoding and QDB hash-dictionary
// resolution for terse messages.
type MessagesConfig struct {
	Enabled  bool     `yaml:"enabled"`
	QDBPaths []string `yaml:"qdb_paths"`
}

// EFS2Config configures the EFS2 remote filesystem client. Only SubsystemID
// is passed to the client; WindowSize and HelloTimeoutMS are parsed but not
// used.
type EFS2Config struct {
	SubsystemID    int `yaml:"subsystem_id"`
	WindowSize     int `yaml:"window_size"`
	HelloTimeoutMS int `yaml:"hello_timeout_ms"`
}

// ForensicsConfig configures the optional Postgres forensic sink.
type ForensicsConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// DashboardConfig configures the optional operator HTTP/WebSocket dashboard.
type DashboardConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	JWTSecret            string `yaml:"jwt_secret"`
	TokenExpiryMinutes   int    `yaml:"token_expiry_minutes"`
	OperatorUser         string `yaml:"operator_user"`
	OperatorPasswordHash string `yaml:"operator_password_hash"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks field ranges and required combinations.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "serial":
		if c.Transport.Device == "" {
			return fmt.Errorf("config: transport.device is required for kind=serial")
		}
	case "usb":
		if c.Transport.USBVendorID == 0 || c.Transport.USBProductID == 0 {
			return fmt.Errorf("config: transport.usb_vendor_id/usb_product_id are required for kind=usb")
		}
	case "tcp":
		if c.Transport.Host == "" {
			return fmt.Errorf("config: transport.host is required for kind=tcp")
		}
		if c.Transport.Port < 1 || c.Transport.Port > 65535 {
			return fmt.Errorf("config: invalid transport.port: %d", c.Transport.Port)
		}
	case "dlf", "jsonl":
		if c.Transport.ReplayPath == "" {
			return fmt.Errorf("config: transport.replay_path is required for kind=%s", c.Transport.Kind)
		}
	default:
		return fmt.Errorf("config: unknown transport.kind %q", c.Transport.Kind)
	}

	if c.Session.MaxRetransmits < 0 {
		return fmt.Errorf("config: session.max_retransmits must be >= 0")
	}
	if c.Session.RequestTimeoutMS < 1 {
		return fmt.Errorf("config: session.request_timeout_ms must be > 0")
	}

	if c.Forensics.Enabled && c.Forensics.DSN == "" {
		return fmt.Errorf("config: forensics.dsn is required when forensics.enabled")
	}

	if c.Dashboard.Enabled {
		if c.Dashboard.Port < 1 || c.Dashboard.Port > 65535 {
			return fmt.Errorf("config: invalid dashboard.port: %d", c.Dashboard.Port)
		}
		if c.Dashboard.JWTSecret == "" {
			return fmt.Errorf("config: dashboard.jwt_secret is required when dashboard.enabled")
		}
	}

	return nil
}

// DashboardAddr returns the dashboard's listen address in host:port form.
func (c *Config) DashboardAddr() string {
	return fmt.Sprintf("%s:%d", c.Dashboard.Host, c.Dashboard.Port)
}
