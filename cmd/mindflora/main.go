// MindFlora Daemon - agent orchestration and notification delivery
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindflora/mindflora/internal/config"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/storage"
)

// Version is set at build time
var Version = "dev"

var (
	configPath string
	dataDir    string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mindflora",
		Short: "MindFlora Daemon - agent chat, actions and SMS delivery",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.mindflora)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")

	rootCmd.AddCommand(migrateCmd(), configCmd(), providersCmd(), pruneCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves --config and --data-dir and initialises logging
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, "config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logging.Init(cfg.Logging)
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.WithField("data_dir", cfg.DataDir).Info("Starting MindFlora daemon %s", Version)

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.jobs.Start(ctx); err != nil {
		return err
	}
	defer a.jobs.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()
	logging.WithField("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Info("API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Run the housekeeping jobs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			a, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.jobs.RunAll(cmd.Context())
			for _, t := range a.jobs.ListTasks() {
				state := "ok"
				if t.LastError != "" {
					state = t.LastError
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %s\n", t.ID, state)
			}
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
			if err != nil {
				return err
			}
			defer db.Close()

			if !status {
				if err := db.MigrateContext(cmd.Context()); err != nil {
					return err
				}
			}

			migrations, err := db.Migrations(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MIGRATION\tSTATE\tAPPLIED AT")
			for _, m := range migrations {
				state, at := "pending", "-"
				if m.Applied {
					state = "applied"
					at = m.AppliedAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Name, state, at)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "Only show migration state")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with defaults and current environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.DataDir, "config.json")
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config OK (sms order: %v, quota backend: %s)\n", cfg.SMS.Order, cfg.Quota.Backend)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show the SMS fallback chain and remaining quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.chain.Status(cmd.Context())
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No SMS provider configured; SMS results are simulated")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCLASS\tUSED\tLIMIT\tREMAINING\tRESETS")
			for _, s := range statuses {
				limit := "unlimited"
				if s.Quota.Limit > 0 {
					limit = fmt.Sprint(s.Quota.Limit)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
					s.ID, s.Class, s.Quota.Used, limit, s.Remaining, s.Quota.ResetsAt.Local().Format(time.Kitchen))
			}
			return w.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mindflora %s\n", Version)
		},
	}
}
