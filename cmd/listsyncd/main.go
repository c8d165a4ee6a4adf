package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/listsyncd/internal/config"
	"github.com/schaermu/listsyncd/internal/theme"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// run flags
	withAPI bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "listsyncd",
	Short: "Keep a local view of a remote app list in sync",
	Long: `listsyncd polls the MyAppstore API for uploaded apps, computes a minimal
edit script against what is currently displayed and applies it to one or more
presentation surfaces.

It can run in the foreground rendering the list to the terminal, or as a daemon
that exposes the list over an HTTP control API with a live websocket stream.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Render the synchronized list in the terminal",
	Long: `Run polls the remote collection and re-renders the list in the terminal
after every change, using the configured light or dark theme.

With --serve the control API is started alongside the terminal view.`,
	RunE: runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control API daemon",
	Long: `Serve polls the remote collection and exposes it over HTTP: list reads,
deletes, install requests, theme switching, a websocket stream of edit scripts
and a signed refresh hook. A systemd-activated socket is used when present.`,
	RunE: runServe,
}

var themeCmd = &cobra.Command{
	Use:   "theme",
	Short: "Show or change the display theme",
}

var themeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current theme",
	Args:  cobra.NoArgs,
	RunE:  runThemeGet,
}

var themeSetCmd = &cobra.Command{
	Use:   "set <light|dark>",
	Short: "Switch the theme; running instances follow the change",
	Args:  cobra.ExactArgs(1),
	RunE:  runThemeSet,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "listsyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/listsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	runCmd.Flags().BoolVar(&withAPI, "serve", false, "also start the control API")

	themeCmd.AddCommand(themeGetCmd)
	themeCmd.AddCommand(themeSetCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(themeCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// The terminal view owns stdout.
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return runDaemon(ctx, cfg, logger, daemonOptions{terminal: os.Stdout, api: withAPI || cfg.Serve.Enabled})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return runDaemon(ctx, cfg, logger, daemonOptions{api: true})
}

func runThemeGet(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr)
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	themes, err := openThemes(cfg, logger)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), themes.Get())
	return nil
}

func runThemeSet(cmd *cobra.Command, args []string) error {
	t, err := theme.Parse(args[0])
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stderr)
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	themes, err := openThemes(cfg, logger)
	if err != nil {
		return err
	}
	if err := themes.Set(t); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "theme set to %s\n", t)
	return nil
}

func setupLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "listsyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"base_url", cfg.Remote.BaseURL,
		"interval", cfg.Sync.Interval,
		"state_dir", cfg.Paths.StateDir,
		"theme", cfg.Theme,
		"serve", cfg.Serve.Enabled)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
