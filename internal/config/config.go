// Package config loads mailcrm settings from a YAML file, a .env file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/daviddao/mailcrm/internal/auth"
)

const (
	DefaultDaysSince = 30
	DefaultMaxEmails = 500
	DefaultBatchSize = 100
	DefaultUserID    = "local"
	// DefaultRedirectURI receives the authorization code during `mcrm connect`.
	DefaultRedirectURI = "http://localhost:8085/callback"
)

// ErrNoCredentials is returned by OAuth when no client credentials are configured.
var ErrNoCredentials = errors.New("no Google OAuth client configured: set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET or google.credentials_file")

// Config is the mailcrm configuration.
type Config struct {
	Google GoogleConfig `yaml:"google"`
	DBPath string       `yaml:"db_path,omitempty"`
	UserID string       `yaml:"user_id"`
	Sync   SyncConfig   `yaml:"sync"`
	Log    LogConfig    `yaml:"log"`
}

// GoogleConfig holds the OAuth client. CredentialsFile, when set, is a
// Google Cloud credentials.json and takes precedence over the inline fields.
// APIEndpoint replaces the Gmail API base URL, for proxies and local fakes.
type GoogleConfig struct {
	ClientID        string `yaml:"client_id,omitempty"`
	ClientSecret    string `yaml:"client_secret,omitempty"`
	RedirectURI     string `yaml:"redirect_uri,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	APIEndpoint     string `yaml:"api_endpoint,omitempty"`
}

// SyncConfig bounds each sync run.
type SyncConfig struct {
	DaysSince int `yaml:"days_since"`
	MaxEmails int `yaml:"max_emails"`
	BatchSize int `yaml:"batch_size"`
}

// LogConfig selects the log level (debug, info, warn, error) and format (text, json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Google: GoogleConfig{RedirectURI: DefaultRedirectURI},
		UserID: DefaultUserID,
		Sync: SyncConfig{
			DaysSince: DefaultDaysSince,
			MaxEmails: DefaultMaxEmails,
			BatchSize: DefaultBatchSize,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailcrm"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mailcrm"), nil
}

// Path returns $MAILCRM_CONFIG, or config.yaml in Dir.
func Path() (string, error) {
	if p := os.Getenv("MAILCRM_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config at path (Path() when empty). A missing file yields
// the defaults. A .env file in the working directory is loaded first and
// never overrides variables already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		p, err := Path()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	setString(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	setString(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&c.Google.RedirectURI, "GOOGLE_REDIRECT_URI")
	setString(&c.Google.CredentialsFile, "GOOGLE_CREDENTIALS_FILE")
	setString(&c.Google.APIEndpoint, "MAILCRM_GMAIL_ENDPOINT")
	setString(&c.DBPath, "MAILCRM_DB")
	setString(&c.UserID, "MAILCRM_USER")
	setString(&c.Log.Level, "MAILCRM_LOG_LEVEL")
	setString(&c.Log.Format, "MAILCRM_LOG_FORMAT")

	for key, dest := range map[string]*int{
		"MAILCRM_SYNC_DAYS":  &c.Sync.DaysSince,
		"MAILCRM_SYNC_MAX":   &c.Sync.MaxEmails,
		"MAILCRM_SYNC_BATCH": &c.Sync.BatchSize,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dest = n
	}
	return nil
}

func setString(dest *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.UserID == "" {
		c.UserID = d.UserID
	}
	if c.Google.RedirectURI == "" {
		c.Google.RedirectURI = d.Google.RedirectURI
	}
	if c.Sync.DaysSince <= 0 {
		c.Sync.DaysSince = d.Sync.DaysSince
	}
	if c.Sync.MaxEmails <= 0 {
		c.Sync.MaxEmails = d.Sync.MaxEmails
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = d.Sync.BatchSize
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks value ranges. Missing OAuth credentials are reported by
// OAuth instead, since most commands do not need them.
func (c *Config) Validate() error {
	if c.Sync.BatchSize > 500 {
		return fmt.Errorf("sync.batch_size %d exceeds the provider maximum of 500", c.Sync.BatchSize)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("log.format %q: want text, json or logfmt", c.Log.Format)
	}
	return nil
}

// OAuth returns the OAuth2 client config for Gmail.
func (c *Config) OAuth() (*oauth2.Config, error) {
	if c.Google.CredentialsFile != "" {
		cfg, err := auth.ConfigFromFile(c.Google.CredentialsFile)
		if err != nil {
			return nil, err
		}
		if cfg.RedirectURL == "" {
			cfg.RedirectURL = c.Google.RedirectURI
		}
		return cfg, nil
	}
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return nil, ErrNoCredentials
	}
	return auth.NewOAuthConfig(c.Google.ClientID, c.Google.ClientSecret, c.Google.RedirectURI), nil
}

// Save writes the config to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// The file can hold a client secret.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
