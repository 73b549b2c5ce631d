package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxgate/voxgate/internal/app"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
)

const shutdownTimeout = 15 * time.Second

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "voxgate",
		Short:         "Local voice assistant with wake word, streaming recognition and gapless speech",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "voxgate.yaml", "path to the YAML configuration file")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log_level from the config (debug, info, warn, error)")
	pf.BoolVar(&flags.logJSON, "log-json", false, "log as JSON instead of text")

	root.AddCommand(
		newListenCmd(flags),
		newPTTCmd(flags),
		newSayCmd(flags),
		newVoicesCmd(flags),
	)
	return root
}

// runtime is what every subcommand starts from.
type runtime struct {
	cfg   *config.Config
	level *slog.LevelVar
	app   *app.App
	stop  func() error
}

// setup loads the config, installs the logger and telemetry, builds the
// providers and the app. The returned context is cancelled on SIGINT or
// SIGTERM.
func setup(cmd *cobra.Command, flags *globalFlags) (context.Context, *runtime, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", flags.configPath)
		}
		return nil, nil, err
	}
	if flags.logLevel != "" {
		lvl := config.LogLevel(flags.logLevel)
		if !lvl.IsValid() {
			return nil, nil, fmt.Errorf("invalid --log-level %q", flags.logLevel)
		}
		cfg.LogLevel = lvl
	}

	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(string(cfg.LogLevel)))
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), level, flags.logJSON))

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxgate"})
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		cancel()
		_ = shutdownTelemetry(context.Background())
		return nil, nil, err
	}

	a, err := app.New(ctx, cfg, providers,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithLogLevel(level),
		app.WithPrinter(newConsole(cmd.OutOrStdout())),
	)
	if err != nil {
		cancel()
		_ = shutdownTelemetry(context.Background())
		return nil, nil, err
	}

	rt := &runtime{cfg: cfg, level: level, app: a}
	rt.stop = func() error {
		defer cancel()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		err := a.Shutdown(sctx)
		if terr := shutdownTelemetry(sctx); terr != nil {
			slog.Warn("telemetry shutdown", "err", terr)
		}
		return err
	}
	slog.Info("voxgate starting",
		"config", flags.configPath,
		"log_level", cfg.LogLevel,
		"device", cfg.Audio.Device,
	)
	return ctx, rt, nil
}

// watch hot-reloads the config file into rt.app until the returned stop
// function is called. A --log-level override survives reloads.
func watch(flags *globalFlags, rt *runtime) (stop func()) {
	w, err := config.NewWatcher(flags.configPath, func(_, next *config.Config) {
		if flags.logLevel != "" {
			next.LogLevel = config.LogLevel(flags.logLevel)
		}
		rt.app.ApplyConfig(next)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
		return func() {}
	}
	return w.Stop
}

func newLogger(w io.Writer, level *slog.LevelVar, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
