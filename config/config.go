/*
Package config loads the client configuration: which portal to sign in to, how the sign-in
window looks, and where logs go.
*/
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/mapdesk/mapdesk/app"
	"github.com/mapdesk/mapdesk/common/env"
	"github.com/mapdesk/mapdesk/internal"
	"github.com/mapdesk/mapdesk/oauth"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Portal    Portal    `koanf:"portal" json:"portal"`
	Window    Window    `koanf:"window" json:"window"`
	Browser   Browser   `koanf:"browser" json:"browser"`
	Log       Log       `koanf:"log" json:"log"`
	Telemetry Telemetry `koanf:"telemetry" json:"telemetry"`
	SentryDSN string    `koanf:"sentry_dsn" json:"sentry_dsn"`
}

// Portal identifies the identity provider and the registered client.
type Portal struct {
	URL         string `koanf:"url" json:"url"`
	ClientID    string `koanf:"client_id" json:"client_id"`
	RedirectURI string `koanf:"redirect_uri" json:"redirect_uri"`
	// ApprovalMarkers are matched against navigations in addition to the redirect URI.
	// An empty list turns the fallback off.
	ApprovalMarkers []string `koanf:"approval_markers" json:"approval_markers"`
	Scopes          []string `koanf:"scopes" json:"scopes"`
}

type Window struct {
	Width  int `koanf:"width" json:"width"`
	Height int `koanf:"height" json:"height"`
}

type Browser struct {
	ExecPath    string `koanf:"exec_path" json:"exec_path"`
	Headless    bool   `koanf:"headless" json:"headless"`
	UserDataDir string `koanf:"user_data_dir" json:"user_data_dir"`
}

type Log struct {
	Level      string `koanf:"level" json:"level"`
	Path       string `koanf:"path" json:"path"`
	MaxSizeMB  int    `koanf:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups" json:"max_backups"`
}

// Telemetry configures OTLP export of sign-in traces and metrics. Nothing is exported without
// an endpoint.
type Telemetry struct {
	Endpoint         string            `koanf:"endpoint" json:"endpoint"`
	Headers          map[string]string `koanf:"headers" json:"headers,omitempty"`
	Traces           bool              `koanf:"traces" json:"traces"`
	Metrics          bool              `koanf:"metrics" json:"metrics"`
	TracesSampleRate float64           `koanf:"traces_sample_rate" json:"traces_sample_rate"`
	// MetricsInterval is in seconds; zero uses the SDK default.
	MetricsInterval int `koanf:"metrics_interval" json:"metrics_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Portal: Portal{
			URL:             app.DefaultPortalURL,
			ClientID:        app.DefaultClientID,
			RedirectURI:     app.DefaultRedirectURI,
			ApprovalMarkers: []string{oauth.DefaultApprovalMarker},
		},
		Window: Window{Width: 450, Height: 450},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Telemetry: Telemetry{TracesSampleRate: 1},
	}
}

// Load reads the config file at path on top of the defaults and applies environment
// overrides. An empty path loads only defaults and the environment.
func Load(path string) (*Config, error) {
	var raw []byte
	if path != "" {
		var err error
		if raw, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	cfg, err := Parse(raw, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw, which is JSON or YAML according to format, on top of the defaults.
func Parse(raw []byte, format string) (*Config, error) {
	k := koanf.New(".")
	defaults, err := json.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(raw) > 0 {
		if format == "yaml" {
			if raw, err = yaml.YAMLToJSON(raw); err != nil {
				return nil, fmt.Errorf("converting yaml: %w", err)
			}
		}
		if err := k.Load(rawbytes.Provider(raw), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	applyEnv(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(k *koanf.Koanf) {
	overrides := map[env.Key]string{
		env.PortalURL:  "portal.url",
		env.ClientID:   "portal.client_id",
		env.ChromePath: "browser.exec_path",
		env.LogLevel:   "log.level",
		env.LogPath:    "log.path",
		env.SentryDSN:  "sentry_dsn",
	}
	for key, path := range overrides {
		if v, ok := env.Get(key); ok && v != "" {
			if err := k.Set(path, v); err != nil {
				slog.Warn("Failed to apply environment override", "key", key, "error", err)
			}
		}
	}
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Validate checks the values the sign-in flow cannot work without.
func (c *Config) Validate() error {
	if err := absolute("portal.url", c.Portal.URL); err != nil {
		return err
	}
	if err := absolute("portal.redirect_uri", c.Portal.RedirectURI); err != nil {
		return err
	}
	if c.Portal.ClientID == "" {
		return fmt.Errorf("%w: portal.client_id is required", ErrInvalidConfig)
	}
	if _, err := internal.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if r := c.Telemetry.TracesSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("%w: telemetry.traces_sample_rate must be between 0 and 1", ErrInvalidConfig)
	}
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return fmt.Errorf("%w: window size must be positive", ErrInvalidConfig)
	}
	return nil
}

func absolute(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute URL, got %q", ErrInvalidConfig, name, raw)
	}
	return nil
}

// Watch calls onChange with the reloaded config each time the file at path changes. Files that
// fail to load are logged and skipped. Close the returned watcher to stop.
func Watch(path string, onChange func(*Config)) (io.Closer, error) {
	watcher := internal.NewFileWatcher(path, func() {
		cfg, err := Load(path)
		if err != nil {
			slog.Error("Reloading config", "path", path, "error", err)
			return
		}
		slog.Info("Config reloaded", "path", path)
		onChange(cfg)
	})
	if err := watcher.Start(); err != nil {
		return nil, fmt.Errorf("watching config: %w", err)
	}
	return watcher, nil
}
