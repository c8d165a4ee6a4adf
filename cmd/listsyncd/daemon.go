package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/schaermu/listsyncd/internal/action"
	"github.com/schaermu/listsyncd/internal/activation"
	"github.com/schaermu/listsyncd/internal/api"
	"github.com/schaermu/listsyncd/internal/client"
	"github.com/schaermu/listsyncd/internal/config"
	"github.com/schaermu/listsyncd/internal/engine"
	"github.com/schaermu/listsyncd/internal/reconcile"
	"github.com/schaermu/listsyncd/internal/retry"
	"github.com/schaermu/listsyncd/internal/surface"
	"github.com/schaermu/listsyncd/internal/theme"
)

type daemonOptions struct {
	terminal io.Writer // render the list here when set
	api      bool
}

// labelSetter is implemented by surfaces that show install labels.
type labelSetter interface {
	SetLabel(id, label string)
}

// openThemes loads the persisted theme, falling back to the configured one.
func openThemes(cfg *config.Config, logger *slog.Logger) (*theme.State, error) {
	initial, err := theme.Parse(cfg.Theme)
	if err != nil {
		return nil, err
	}
	themes := theme.NewState(cfg.ThemeFilePath(), initial, logger)
	if err := themes.Load(); err != nil {
		return nil, fmt.Errorf("failed to load theme: %w", err)
	}
	return themes, nil
}

// newRemote builds the API client from the configured secrets.
func newRemote(cfg *config.Config) (*client.HTTPClient, error) {
	token, err := config.ReadSecret(cfg.Remote.TokenFile)
	if err != nil {
		return nil, err
	}
	deviceToken, err := config.ReadSecret(cfg.Remote.DeviceTokenFile)
	if err != nil {
		return nil, err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Remote.RetryAttempts

	return client.New(client.Config{
		BaseURL:     cfg.Remote.BaseURL,
		Token:       token,
		DeviceToken: deviceToken,
		Timeout:     cfg.Remote.Timeout,
		RetryConfig: retryCfg,
	}), nil
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts daemonOptions) error {
	if opts.terminal == nil && !opts.api {
		return errors.New("no presentation surface configured")
	}

	themes, err := openThemes(cfg, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := themes.Watch(ctx); err != nil {
			logger.Warn("theme file watching disabled", "error", err)
		}
	}()

	var surfaces surface.Fanout
	var labels []labelSetter

	if opts.terminal != nil {
		term := surface.NewTerminal(opts.terminal, themes, surface.WithClearScreen())
		defer term.Close()
		surfaces = append(surfaces, term)
		labels = append(labels, term)
	}

	var hub *api.Hub
	if opts.api {
		hub = api.NewHub(logger)
		surfaces = append(surfaces, hub)
		labels = append(labels, hub)
	}
	var surf reconcile.Surface = surfaces
	if len(surfaces) == 1 {
		surf = surfaces[0]
	}

	remote, err := newRemote(cfg)
	if err != nil {
		return err
	}

	tracker := action.New(remote, action.Config{
		Linked:        cfg.Linked(),
		FailureRevert: cfg.Actions.FailureRevert,
		SuccessRevert: cfg.Actions.SuccessRevert,
	}, logger)
	tracker.OnChange(func(id, label string) {
		for _, l := range labels {
			l.SetLabel(id, label)
		}
	})

	eng := engine.New(engine.Config{
		Interval:  cfg.Sync.Interval,
		QueueSize: cfg.Sync.QueueSize,
	}, remote, remote, tracker, surf, logger)

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	if !opts.api {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}

	secret, err := config.ReadSecret(cfg.Serve.RefreshSecretFile)
	if err != nil {
		return err
	}
	if secret == "" {
		logger.Info("refresh hook disabled, no serve.refresh_secret_file configured")
	}

	ln, err := activation.Listener(cfg.Serve.SocketName)
	if err != nil {
		return fmt.Errorf("socket activation failed: %w", err)
	}
	if ln != nil {
		logger.Info("using systemd-activated socket", "addr", ln.Addr().String())
	}

	server := api.NewServer(api.Config{
		ListenAddr:      cfg.Serve.ListenAddr,
		RefreshSecret:   []byte(secret),
		RefreshDebounce: cfg.Serve.RefreshDebounce,
	}, eng, themes, hub, logger)

	if err := server.Serve(ctx, ln); err != nil {
		logger.Error("control API failed", "error", err)
		return err
	}
	return nil
}
