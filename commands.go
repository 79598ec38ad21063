// commands.go -- CLI surface: serve (default), report, register-scheme.
package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/MGallo-Code/polaris/internal/config"
	"github.com/MGallo-Code/polaris/internal/launcher"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Running with no subcommand serves.
func newRootCmd() *cobra.Command {
	var port int

	root := &cobra.Command{
		Use:   "polaris",
		Short: "OAuth 2.0 authorization code + PKCE broker",
		Long: `polaris issues provider login URLs, receives the redirected callbacks
through the kiro:// scheme, exchanges codes for tokens and stages the
resulting credentials until a client fetches them.`,
		// Errors are already logged or printed by the commands themselves.
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, port)
		},
	}
	root.PersistentFlags().IntVar(&port, "port", 0, "service port (overrides PORT, default 8000)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the broker HTTP service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd, port)
			},
		},
		&cobra.Command{
			Use:   "report <callback-url>",
			Short: "Forward a kiro:// callback URL to a running service",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return report(cmd, port, args[0])
			},
		},
		&cobra.Command{
			Use:   "register-scheme",
			Short: "Register the kiro:// URI scheme for this executable (Windows)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return registerScheme(cmd, port)
			},
		},
	)
	return root
}

// loadConfig reads env config and applies the --port override when given.
func loadConfig(cmd *cobra.Command, port int) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("port") {
		if err := cfg.SetPort(port); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// launcherConfig is the port-only config used by report and register-scheme.
// Store settings are not read, so a misconfigured store cannot block a callback.
func launcherConfig(cmd *cobra.Command, port int) (*config.Config, error) {
	cfg := &config.Config{Port: config.PortFromEnv()}
	if cmd.Flags().Changed("port") {
		if err := cfg.SetPort(port); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, port int) error {
	// Load config first so we can set log level
	cfg, err := loadConfig(cmd, port)
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		return err
	}
	setupLogging(cfg)

	if cfg.RegisterScheme {
		if changed, err := launcher.RegisterScheme(cfg.Port); err != nil {
			slog.Error("failed to register uri scheme", "error", err)
		} else if changed {
			slog.Info("registered uri scheme", "scheme", launcher.Scheme)
		}
	}

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		return err
	}
	return nil
}

func report(cmd *cobra.Command, port int, raw string) error {
	cfg, err := launcherConfig(cmd, port)
	if err != nil {
		return err
	}

	res, err := launcher.NewReporter(launcher.LocalURL(cfg.Port), launcher.DefaultReportTimeout).Report(cmd.Context(), raw)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "error reporting callback: %v\n", err)
		return err
	}
	if !res.OK {
		fmt.Fprintf(cmd.OutOrStdout(), "callback failed: %s\n", res.Error)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "callback processed")
	return nil
}

func registerScheme(cmd *cobra.Command, port int) error {
	cfg, err := launcherConfig(cmd, port)
	if err != nil {
		return err
	}
	changed, err := launcher.RegisterScheme(cfg.Port)
	if err != nil {
		return err
	}
	if changed {
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s:// handler\n", launcher.Scheme)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s:// handler already registered or not supported on this platform\n", launcher.Scheme)
	}
	return nil
}
