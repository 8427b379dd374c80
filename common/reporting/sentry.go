// Package reporting forwards crashes to Sentry.
package reporting

import (
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

const flushTimeout = 6 * time.Second

// Init configures the Sentry client. An empty dsn leaves reporting disabled.
func Init(dsn, version string) {
	if dsn == "" {
		slog.Debug("Crash reporting disabled")
		return
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          version,
	})
	if err != nil {
		slog.Error("sentry.Init:", "error", err)
	}
}

// Enabled reports whether Init configured a client.
func Enabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// ReportPanic sends msg as a fatal event and waits for it to be delivered.
func ReportPanic(msg string) {
	if !Enabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		sentry.CaptureMessage(msg)
	})
	if !sentry.Flush(flushTimeout) {
		slog.Error("sentry.Flush: timeout")
	}
}
