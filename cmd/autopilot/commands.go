package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/incident-autopilot/internal/app"
	"github.com/bissquit/incident-autopilot/internal/config"
	"github.com/bissquit/incident-autopilot/internal/engine"
	"github.com/bissquit/incident-autopilot/internal/pkg/auth"
	"github.com/bissquit/incident-autopilot/internal/version"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "autopilot",
		Short:         "Incident-response decision engine for Kubernetes workloads",
		Long:          "Detects CPU and memory breaches, restarts workloads and escalates repeat offenders to automated code analysis.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to YAML config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newRunCmd(load),
		newTokenCmd(&configPath),
		newVersionCmd(),
	)

	return withErrorReporting(root)
}

// withErrorReporting logs the error returned by any subcommand. Cobra's own
// error printing is silenced on the root.
func withErrorReporting(root *cobra.Command) *cobra.Command {
	for _, cmd := range root.Commands() {
		runE := cmd.RunE
		if runE == nil {
			continue
		}
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			err := runE(cmd, args)
			if err != nil {
				slog.Error("command failed", "command", cmd.Name(), "error", err)
			}
			return err
		}
	}
	return root
}

type loader func() (*config.Config, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			slog.SetDefault(app.InitLogger(cfg.Log))
			application, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- application.Run()
			}()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				slog.Info("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			return errors.Join(err, application.Shutdown(shutdownCtx))
		},
	}
}

func newRunCmd(load loader) *cobra.Command {
	var trigger engine.Trigger

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single decision cycle and print the result",
		Long:  "Runs one decision cycle for a workload, or for every workload of the namespace when --workload is empty, and prints the result as JSON.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cfg.Scheduler.Enabled = false

			slog.SetDefault(app.InitLogger(cfg.Log))
			application, err := app.New(cfg)
			if err != nil {
				return err
			}

			res := application.Coordinator().RunCycle(cmd.Context(), trigger)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := application.Shutdown(shutdownCtx); err != nil {
				slog.Warn("shutdown failed", "error", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if res.Status == engine.StatusError {
				return fmt.Errorf("cycle failed: %s", res.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&trigger.Workload, "workload", "w", "", "Workload (deployment) name; empty runs every workload")
	cmd.Flags().StringVarP(&trigger.Namespace, "namespace", "n", "", "Namespace; defaults to kubernetes.namespace")
	cmd.Flags().BoolVar(&trigger.Force, "force", false, "Ignore the per-workload cooldown")
	return cmd
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			authenticator, err := auth.NewAuthenticator(cfg.JWT.SecretKey)
			if err != nil {
				return err
			}
			token, err := authenticator.IssueToken(subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "autopilot %s (commit %s, built %s)\n", info.Version, info.Commit, info.BuildDate)
			return err
		},
	}
}
