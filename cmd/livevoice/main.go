// Command livevoice runs a real-time duplex voice session between a local or
// Discord audio device and a speech-to-speech agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	discordbot "github.com/MrWong99/livevoice/internal/discord"
	"github.com/MrWong99/livevoice/internal/observe"
)

var (
	version       = "0.1.0"
	cfgFile       string
	watchInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "livevoice",
	Short:         "Real-time duplex voice sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a voice session and serve health endpoints until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the built-in providers",
	Run: func(cmd *cobra.Command, args []string) {
		reg := config.NewRegistry()
		registerBuiltinProviders(reg, config.SessionConfig{}, nil)
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "s2s:")
		for _, name := range reg.S2SNames() {
			fmt.Fprintf(out, "  %s\n", name)
		}
		fmt.Fprintln(out, "audio:")
		for _, name := range reg.AudioNames() {
			fmt.Fprintf(out, "  %s\n", name)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "livevoice v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML configuration file")
	runCmd.Flags().DurationVar(&watchInterval, "watch-interval", 5*time.Second, "config reload poll interval (0 disables reload)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		os.Exit(1)
	}
}

func runServer(parent context.Context) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", cfgFile)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("livevoice starting",
		"version", version,
		"config", cfgFile,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "livevoice",
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(telemetry.MeterProvider)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Discord bot (optional) ────────────────────────────────────────────────
	var bot *discordbot.Bot
	if cfg.Discord.Token != "" {
		bot, err = discordbot.New(ctx, discordbot.Config{
			Token:          cfg.Discord.Token,
			GuildID:        cfg.Discord.GuildID,
			ChannelID:      cfg.Discord.ChannelID,
			OperatorRoleID: cfg.Discord.OperatorRoleID,
		})
		if err != nil {
			return fmt.Errorf("create discord bot: %w", err)
		}
		// Covers early returns; the app closes the bot during Shutdown.
		defer func() { _ = bot.Close() }()
		slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Session, bot)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithGatherer(promReg),
		app.WithLogLevel(level),
	}
	if watchInterval > 0 {
		opts = append(opts, app.WithConfigWatch(cfgFile, watchInterval))
	}
	if bot != nil {
		opts = append(opts,
			app.WithCommandRouter(bot.Router(), bot.Permissions()),
			app.WithCloser(bot.Close),
		)
	}

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// Slash commands are synced once the app has registered its handlers.
	if bot != nil {
		if err := bot.SyncCommands(); err != nil {
			slog.Error("slash commands unavailable", "err", err)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level can be changed at
// runtime through the returned LevelVar.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(app.SlogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
