package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/mapdesk/mapdesk"
	"github.com/mapdesk/mapdesk/app"
	"github.com/mapdesk/mapdesk/browser"
	"github.com/mapdesk/mapdesk/common/env"
	"github.com/mapdesk/mapdesk/common/reporting"
	"github.com/mapdesk/mapdesk/config"
	"github.com/mapdesk/mapdesk/events"
	"github.com/mapdesk/mapdesk/internal"
	"github.com/mapdesk/mapdesk/oauth"
	"github.com/mapdesk/mapdesk/telemetry"
	"github.com/mapdesk/mapdesk/uithread"
)

func init() {
	// the sign-in window is driven from the main goroutine
	runtime.LockOSThread()
}

type loginCmd struct {
	Config   string `arg:"--config" help:"path to a JSON or YAML config file"`
	Portal   string `arg:"--portal" help:"portal sharing REST URL"`
	ClientID string `arg:"--client-id" help:"registered OAuth client id"`
	Redirect string `arg:"--redirect" help:"OAuth redirect URI"`
	Headless bool   `arg:"--headless" help:"run the browser without a window"`
	LogLevel string `arg:"--log-level" help:"trace, debug, info, warn, error or disable"`
}

type versionCmd struct{}

type args struct {
	Login   *loginCmd   `arg:"subcommand:login" help:"sign in to the portal"`
	Version *versionCmd `arg:"subcommand:version" help:"print the version"`
}

func (args) Description() string {
	return app.AppName + " signs in to a mapping portal through its OAuth2 login page.\n"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	switch {
	case a.Version != nil:
		fmt.Printf("%s %s\n", app.AppName, app.Version)
	case a.Login != nil:
		if err := login(a.Login); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		p.Fail("missing subcommand")
	}
}

func configPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path, ok := env.Get(env.ConfigPath); ok && path != "" {
		return path
	}
	if _, err := os.Stat(app.ConfigFileName); err == nil {
		return app.ConfigFileName
	}
	return ""
}

func (c *loginCmd) apply(cfg *config.Config) error {
	if c.Portal != "" {
		cfg.Portal.URL = c.Portal
	}
	if c.ClientID != "" {
		cfg.Portal.ClientID = c.ClientID
	}
	if c.Redirect != "" {
		cfg.Portal.RedirectURI = c.Redirect
	}
	if c.Headless {
		cfg.Browser.Headless = true
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	return cfg.Validate()
}

func login(cmd *loginCmd) error {
	path := configPath(cmd.Config)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cmd.apply(cfg); err != nil {
		return err
	}

	var level slog.LevelVar
	lvl, _ := internal.ParseLogLevel(cfg.Log.Level)
	level.Set(lvl)
	logOpts := internal.LogFileOptions{MaxSizeMB: cfg.Log.MaxSizeMB, MaxBackups: cfg.Log.MaxBackups}
	if cfg.Log.Path != "" {
		logOpts.Path = filepath.Join(os.ExpandEnv(cfg.Log.Path), app.LogFileName)
	}
	logFile, err := internal.InitLogger(logOpts, &level)
	if err != nil {
		return err
	}
	defer logFile.Close()

	reporting.Init(cfg.SentryDSN, app.Version)
	if err := telemetry.OnNewConfig(cfg); err != nil {
		slog.Warn("Continuing without telemetry export", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Close(ctx)
	}()
	slog.Info("Starting sign-in", "version", app.Version, "portal", cfg.Portal.URL, "config", path)

	loop := uithread.NewLoop()
	host := browser.NewHost(loop, browser.Options{
		ExecPath:    cfg.Browser.ExecPath,
		Headless:    cfg.Browser.Headless,
		UserDataDir: cfg.Browser.UserDataDir,
		Width:       cfg.Window.Width,
		Height:      cfg.Window.Height,
	})
	client, err := mapdesk.New(mapdesk.Options{Config: cfg, Host: host, Scheduler: loop})
	if err != nil {
		return err
	}

	sub := events.Subscribe(func(evt oauth.AuthorizationEvent) {
		slog.Debug("Authorization resolved", "service", evt.ServiceURI, "status", evt.Status, "error", evt.Error)
	})
	defer events.Unsubscribe(sub)

	if path != "" {
		watcher, err := config.Watch(path, func(newCfg *config.Config) {
			// command line flags still win over the file
			if err := cmd.apply(newCfg); err != nil {
				slog.Error("Ignoring reloaded config", "error", err)
				return
			}
			if lvl, err := internal.ParseLogLevel(newCfg.Log.Level); err == nil {
				level.Set(lvl)
			}
			client.ApplyConfig(newCfg)
			if err := telemetry.OnNewConfig(newCfg); err != nil {
				slog.Warn("Telemetry export not updated", "error", err)
			}
		})
		if err != nil {
			slog.Warn("Config changes will not be picked up", "path", path, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		signedIn bool
		loginErr error
	)
	go func() {
		signedIn, loginErr = client.EnsureSignedIn(ctx)
		if ctx.Err() != nil {
			// an abandoned attempt still has its window open; keep the loop up until the
			// window reports itself closed
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := client.Shutdown(sctx); err != nil {
				slog.Warn("Sign-in window did not close in time", "error", err)
			}
			cancel()
		}
		loop.Run(loop.Stop)
	}()

	// the loop outlives ctx so an interrupt can still close the window
	if err := loop.Serve(context.Background()); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errors.New("interrupted")
	}
	if loginErr != nil {
		return loginErr
	}
	if !signedIn {
		fmt.Println("Sign-in cancelled.")
		return nil
	}
	cred, _ := client.Credential()
	fmt.Printf("Signed in to %s as %s (token expires %s)\n", cred.ServiceURL, cred.Username, cred.Token.Expiry.Format("2006-01-02 15:04:05"))
	return nil
}
