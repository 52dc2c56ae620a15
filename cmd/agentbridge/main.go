package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nous-labs/agentbridge/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := newServeCmd(&configPath)
	rootCmd := &cobra.Command{
		Use:          "agentbridge",
		Short:        "Matrix application service that puts board agents in chat",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENTBRIDGE_CONFIG"), "Path to config file")

	rootCmd.AddCommand(
		serve,
		newRegistrationCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := daemon.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			setupLogger(cfg.LogLevel, cfg.LogFormat)
			slog.Info("agentbridge starting", "version", version, "config", *configPath)

			// Graceful shutdown
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				slog.Info("received signal, shutting down", "signal", sig)
				cancel()
			}()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("daemon error", "error", err)
				return err
			}
			slog.Info("agentbridge stopped")
			return nil
		},
	}
}

func newRegistrationCmd(configPath *string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "registration",
		Short: "Generate an appservice registration file with fresh tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := daemon.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			reg := daemon.NewRegistration(cfg)
			if output == "" {
				output = cfg.Homeserver.RegistrationFile
			}
			if output == "" {
				output = "appservice-registration.yaml"
			}
			if err := daemon.SaveRegistration(reg, output); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registration written to %s (users matching %s)\n",
				output, reg.Namespaces.UserIDs[0].Regex)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Where to write the registration (default: homeserver.registration_file)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "agentbridge %s (%s)\n", version, commit)
			return err
		},
	}
}

func setupLogger(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
