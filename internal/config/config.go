// Package config provides configuration management for the Data Bridge control plane.
// It handles loading and parsing the YAML configuration file, applies defaults and
// environment overrides, and exposes structured access to the auth gateway, sidecar,
// runner and archive settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultExternalAuthURL = "https://passport.vana.org"
	DefaultGatewayURL      = "https://data-gateway-env-dev-opendatalabs.vercel.app"
	DefaultPort            = 8317
	DefaultStateTTL        = 10 * time.Minute
	DefaultMaxBodyBytes    = 32 * 1024
	DefaultConnectTimeout  = 3 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	DefaultSidecarConfig   = "~/data-connect/personal-server"
	DefaultSpoolDir        = "~/data-connect/exports"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the control API binds to. Empty means loopback.
	Host string `yaml:"host" json:"host"`

	// Port is the control API port used by the webview.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the total size of the logs directory. <= 0 disables the cap.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// ProxyURL is the URL of an optional proxy server used for outbound gateway requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	Auth    AuthConfig    `yaml:"auth" json:"auth"`
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
	Sidecar SidecarConfig `yaml:"sidecar" json:"sidecar"`
	Runner  RunnerConfig  `yaml:"runner" json:"runner"`
	Archive ArchiveConfig `yaml:"archive" json:"archive"`
}

// AuthConfig configures the external identity flow and its loopback callback server.
type AuthConfig struct {
	// ExternalURL is the identity provider page opened in the system browser.
	ExternalURL string `yaml:"external-url" json:"external-url"`

	// CallbackPorts are tried in order before falling back to an OS-assigned port.
	// The identity provider allow-lists these ports.
	CallbackPorts []int `yaml:"callback-ports" json:"callback-ports"`

	// StateTTL bounds how long an issued callback state is accepted.
	StateTTL time.Duration `yaml:"state-ttl" json:"state-ttl"`

	// MaxBodyBytes caps the callback request body.
	MaxBodyBytes int `yaml:"max-body-bytes" json:"max-body-bytes"`

	// FocusApp is the application name activated after a successful callback.
	FocusApp string `yaml:"focus-app" json:"focus-app"`
}

// GatewayConfig configures the remote registration gateway reached through the proxy routes.
type GatewayConfig struct {
	URL            string        `yaml:"url" json:"url"`
	ConnectTimeout time.Duration `yaml:"connect-timeout" json:"connect-timeout"`
	RequestTimeout time.Duration `yaml:"request-timeout" json:"request-timeout"`
}

// SidecarConfig configures the long-running personal server helper.
type SidecarConfig struct {
	ResourceDir    string `yaml:"resource-dir" json:"resource-dir"`
	DevDir         string `yaml:"dev-dir" json:"dev-dir"`
	ConfigDir      string `yaml:"config-dir" json:"config-dir"`
	NodeBinary     string `yaml:"node-binary" json:"node-binary"`
	PreferredPorts []int  `yaml:"preferred-ports" json:"preferred-ports"`
}

// RunnerConfig configures the per-run browser automation helper.
type RunnerConfig struct {
	ResourceDir string `yaml:"resource-dir" json:"resource-dir"`
	DevDir      string `yaml:"dev-dir" json:"dev-dir"`
	NodeBinary  string `yaml:"node-binary" json:"node-binary"`
	Headless    *bool  `yaml:"headless" json:"headless"`
}

// ArchiveConfig configures where finished exports are kept.
type ArchiveConfig struct {
	SpoolDir    string            `yaml:"spool-dir" json:"spool-dir"`
	ObjectStore ObjectStoreConfig `yaml:"object-store" json:"object-store"`
	Postgres    PostgresConfig    `yaml:"postgres" json:"postgres"`
}

// ObjectStoreConfig holds S3-compatible storage settings. An empty endpoint disables the mirror.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	Region    string `yaml:"region" json:"region"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl"`
	PathStyle bool   `yaml:"path-style" json:"path-style"`
}

// PostgresConfig holds run history settings. An empty DSN disables run history.
type PostgresConfig struct {
	DSN    string `yaml:"dsn" json:"-"`
	Schema string `yaml:"schema" json:"schema"`
	Table  string `yaml:"table" json:"table"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the YAML configuration at configFile, applies defaults and
// environment overrides. A missing file yields the defaults.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(configFile) != "" {
		data, err := os.ReadFile(configFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		default:
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
			}
		}
	}
	cfg.applyDefaults()
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.Auth.ExternalURL) == "" {
		c.Auth.ExternalURL = DefaultExternalAuthURL
	}
	if len(c.Auth.CallbackPorts) == 0 {
		c.Auth.CallbackPorts = []int{3083, 5173}
	}
	if c.Auth.StateTTL <= 0 {
		c.Auth.StateTTL = DefaultStateTTL
	}
	if c.Auth.MaxBodyBytes <= 0 {
		c.Auth.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(c.Auth.FocusApp) == "" {
		c.Auth.FocusApp = "Data Bridge"
	}
	if strings.TrimSpace(c.Gateway.URL) == "" {
		c.Gateway.URL = DefaultGatewayURL
	}
	if c.Gateway.ConnectTimeout <= 0 {
		c.Gateway.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = DefaultRequestTimeout
	}
	if len(c.Sidecar.PreferredPorts) == 0 {
		c.Sidecar.PreferredPorts = []int{8080, 8081, 8082, 8083, 8084, 8085}
	}
	if strings.TrimSpace(c.Sidecar.ConfigDir) == "" {
		c.Sidecar.ConfigDir = DefaultSidecarConfig
	}
	if strings.TrimSpace(c.Sidecar.NodeBinary) == "" {
		c.Sidecar.NodeBinary = "node"
	}
	if strings.TrimSpace(c.Runner.NodeBinary) == "" {
		c.Runner.NodeBinary = "node"
	}
	if c.Runner.Headless == nil {
		headless := true
		c.Runner.Headless = &headless
	}
	if strings.TrimSpace(c.Archive.SpoolDir) == "" {
		c.Archive.SpoolDir = DefaultSpoolDir
	}
	if strings.TrimSpace(c.Archive.Postgres.Table) == "" {
		c.Archive.Postgres.Table = "export_runs"
	}
}

// ApplyEnv overrides fields from the environment. lookup is usually os.LookupEnv.
// DATABRIDGE_GATEWAY_URL wins over GATEWAY_URL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookupTrimmed(lookup, "DATABRIDGE_EXTERNAL_AUTH_URL"); ok {
		c.Auth.ExternalURL = v
	}
	if v, ok := lookupTrimmed(lookup, "DATABRIDGE_GATEWAY_URL", "GATEWAY_URL"); ok {
		c.Gateway.URL = v
	}
	if v, ok := lookupTrimmed(lookup, "DATABRIDGE_CONFIG_DIR"); ok {
		c.Sidecar.ConfigDir = v
	}
	if v, ok := lookupTrimmed(lookup, "DATABRIDGE_DEBUG"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.Debug = true
		case "0", "false", "no", "off":
			c.Debug = false
		}
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	for _, p := range c.Auth.CallbackPorts {
		if p < 0 || p > 65535 {
			return fmt.Errorf("config: auth.callback-ports: invalid port %d", p)
		}
	}
	for _, p := range c.Sidecar.PreferredPorts {
		if p < 0 || p > 65535 {
			return fmt.Errorf("config: sidecar.preferred-ports: invalid port %d", p)
		}
	}
	if c.Port > 65535 {
		return fmt.Errorf("config: port: invalid port %d", c.Port)
	}
	if c.Archive.ObjectStore.Endpoint != "" && c.Archive.ObjectStore.Bucket == "" {
		return fmt.Errorf("config: archive.object-store.bucket is required when an endpoint is set")
	}
	return nil
}

// HeadlessDefault reports whether automation runs default to headless browsers.
func (r RunnerConfig) HeadlessDefault() bool {
	return r.Headless == nil || *r.Headless
}

func lookupTrimmed(lookup func(string) (string, bool), keys ...string) (string, bool) {
	if lookup == nil {
		return "", false
	}
	for _, key := range keys {
		if value, ok := lookup(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}
