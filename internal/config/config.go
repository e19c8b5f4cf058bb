// ABOUTME: Configuration loading and parsing for coven-auth
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-auth configuration
type Config struct {
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Policy   PolicyConfig   `yaml:"policy" toml:"policy"`
	Password PasswordConfig `yaml:"password" toml:"password"`
	TOTP     TOTPConfig     `yaml:"totp" toml:"totp"`
	WebAuthn WebAuthnConfig `yaml:"webauthn" toml:"webauthn"`
	OIDC     OIDCConfig     `yaml:"oidc" toml:"oidc"`
	Ceremony CeremonyConfig `yaml:"ceremony" toml:"ceremony"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// PolicyConfig holds the login policy
type PolicyConfig struct {
	// Rule such as "password AND totp OR passkey"
	Rule         string        `yaml:"rule" toml:"rule"`
	MaxResultAge time.Duration `yaml:"-" toml:"-"`

	MaxResultAgeRaw string `yaml:"max_result_age" toml:"max_result_age"`
}

// PasswordConfig holds argon2id cost parameters
type PasswordConfig struct {
	Memory    uint32 `yaml:"memory" toml:"memory"` // KiB
	Time      uint32 `yaml:"time" toml:"time"`
	Threads   uint8  `yaml:"threads" toml:"threads"`
	KeyLen    uint32 `yaml:"key_len" toml:"key_len"`
	MaxLength int    `yaml:"max_length" toml:"max_length"`
}

// TOTPConfig holds one-time code parameters for new enrollments
type TOTPConfig struct {
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Digits    int    `yaml:"digits" toml:"digits"`
	Period    uint   `yaml:"period" toml:"period"`
	Skew      *uint  `yaml:"skew" toml:"skew"` // steps tolerated either side; 0 is kept
	Algorithm string `yaml:"algorithm" toml:"algorithm"`
}

// WebAuthnConfig holds relying party settings
type WebAuthnConfig struct {
	// BaseURL is the external URL users reach; rp_id and rp_origins are
	// derived from it when not set.
	BaseURL       string   `yaml:"base_url" toml:"base_url"`
	RPID          string   `yaml:"rp_id" toml:"rp_id"`
	RPDisplayName string   `yaml:"rp_display_name" toml:"rp_display_name"`
	RPOrigins     []string `yaml:"rp_origins" toml:"rp_origins"`
}

// OIDCConfig holds the federated provider registration
type OIDCConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	IssuerURL    string   `yaml:"issuer_url" toml:"issuer_url"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url" toml:"redirect_url"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
}

// CeremonyConfig holds ceremony lifetime settings
type CeremonyConfig struct {
	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TTLRaw           string `yaml:"ttl" toml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// SessionConfig holds session token settings
type SessionConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TTL       time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// Defaults
const (
	DefaultDriver        = "sqlite"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultPolicy        = "password AND totp OR passkey"
	DefaultMaxResultAge  = 5 * time.Minute
	DefaultTOTPSkew      = 1
	DefaultCeremonyTTL   = 5 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultSessionTTL    = 12 * time.Hour
	MinJWTSecretLen      = 32
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration text, then applies defaults and validates.
func Parse(text string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(text)

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// DefaultPath returns the config location: COVEN_AUTH_CONFIG if set, else
// $XDG_CONFIG_HOME/coven/auth.yaml (falling back to ~/.config).
func DefaultPath() string {
	if p := os.Getenv("COVEN_AUTH_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "auth.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "coven", "auth.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Policy.Rule == "" {
		c.Policy.Rule = DefaultPolicy
	}
	if c.Policy.MaxResultAge == 0 {
		c.Policy.MaxResultAge = DefaultMaxResultAge
	}
	if c.TOTP.Skew == nil {
		skew := uint(DefaultTOTPSkew)
		c.TOTP.Skew = &skew
	}
	if c.Ceremony.TTL == 0 {
		c.Ceremony.TTL = DefaultCeremonyTTL
	}
	if c.Ceremony.SweepInterval == 0 {
		c.Ceremony.SweepInterval = DefaultSweepInterval
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	// Factor packages fill in their own defaults for zero values.
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Policy.MaxResultAge < 0 {
		return fmt.Errorf("policy.max_result_age must not be negative")
	}
	if c.Ceremony.TTL < 0 || c.Ceremony.SweepInterval < 0 {
		return fmt.Errorf("ceremony durations must not be negative")
	}

	if c.TOTP.Digits != 0 && c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return fmt.Errorf("totp.digits must be 6 or 8")
	}

	if c.WebAuthn.BaseURL != "" {
		if err := checkURL("webauthn.base_url", c.WebAuthn.BaseURL); err != nil {
			return err
		}
	}

	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" || c.OIDC.ClientID == "" || c.OIDC.RedirectURL == "" {
			return fmt.Errorf("oidc.issuer_url, oidc.client_id and oidc.redirect_url are required when oidc is enabled")
		}
		if err := checkURL("oidc.issuer_url", c.OIDC.IssuerURL); err != nil {
			return err
		}
		if err := checkURL("oidc.redirect_url", c.OIDC.RedirectURL); err != nil {
			return err
		}
	}

	if c.Session.JWTSecret == "" {
		return fmt.Errorf("session.jwt_secret is required")
	}
	if len(c.Session.JWTSecret) < MinJWTSecretLen {
		return fmt.Errorf("session.jwt_secret must be at least %d bytes", MinJWTSecretLen)
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("session.ttl must not be negative")
	}

	return nil
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"policy.max_result_age", cfg.Policy.MaxResultAgeRaw, &cfg.Policy.MaxResultAge},
		{"ceremony.ttl", cfg.Ceremony.TTLRaw, &cfg.Ceremony.TTL},
		{"ceremony.sweep_interval", cfg.Ceremony.SweepIntervalRaw, &cfg.Ceremony.SweepInterval},
		{"session.ttl", cfg.Session.TTLRaw, &cfg.Session.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
