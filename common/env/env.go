// Package env resolves MAPDESK_* settings from a .env file in the working directory and the
// process environment, in that order of precedence (environment wins).
package env

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Key = string

const (
	LogLevel   Key = "MAPDESK_LOG_LEVEL"
	LogPath    Key = "MAPDESK_LOG_PATH"
	ConfigPath Key = "MAPDESK_CONFIG"
	PortalURL  Key = "MAPDESK_PORTAL_URL"
	ClientID   Key = "MAPDESK_CLIENT_ID"
	ChromePath Key = "MAPDESK_CHROME_PATH"
	SentryDSN  Key = "MAPDESK_SENTRY_DSN"
)

var keys = []Key{LogLevel, LogPath, ConfigPath, PortalURL, ClientID, ChromePath, SentryDSN}

var (
	loadOnce sync.Once
	vars     map[Key]string
)

func load() {
	vars = make(map[Key]string)
	buf, err := os.ReadFile(".env")
	switch {
	case err == nil:
		for k, v := range parseDotEnv(buf) {
			vars[k] = v
		}
	case !errors.Is(err, fs.ErrNotExist):
		slog.Error(".env file found, but failed to read", slog.Any("error", err))
	}
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			vars[key] = value
		}
	}
}

func parseDotEnv(buf []byte) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		out[strings.TrimSpace(key)] = value
	}
	return out
}

func reset() {
	loadOnce = sync.Once{}
	vars = nil
}

// Get returns the value of key and whether it was set.
func Get(key Key) (string, bool) {
	loadOnce.Do(load)
	v, ok := vars[key]
	return v, ok
}

// Lookup returns the value of key, or def if it is unset or empty.
func Lookup(key Key, def string) string {
	if v, ok := Get(key); ok && v != "" {
		return v
	}
	return def
}
