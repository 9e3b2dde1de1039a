package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ypcloud/uptimed/pkg/config"
	"github.com/ypcloud/uptimed/pkg/instance"
	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/metrics"
	"github.com/ypcloud/uptimed/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "uptimed",
	Short: "uptimed - service uptime monitoring daemon",
	Long: `uptimed probes a fleet of services (HTTP endpoints, databases,
caches, whole clusters), records every status change and downtime
window, and consolidates availability into daily, weekly and monthly
SLA figures.

Services come from static configuration, from a watched fleet file, or
live from the Ingress objects of a kubernetes cluster.`,
	Version: Version,
}

var (
	configPath string
	envName    string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"uptimed version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "uptime.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "Environment name (overrides "+config.EnvVar+")")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadEnv reads the configuration, selects the environment and
// initializes logging from it
func loadEnv() (*config.Environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	env, err := cfg.Env(envName)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(env.Log.Level),
		JSONOutput: env.Log.JSON,
	})
	return env, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring daemon",
	Long: `Run starts the monitor with the environment's fleet and keeps it
running until SIGINT or SIGTERM. With the instance lock enabled, the
daemon first waits to become the single active instance and exits
non-zero if the lock is ever lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		return runDaemon(env)
	},
}

func runDaemon(env *config.Environment) error {
	metrics.SetVersion(Version)

	srv, err := server.New(env)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lock *instance.Lock
	if env.Server.WithInstanceLock {
		lock = instance.New(srv.Store(), env.Instance.Alive(), env.Instance.InactiveAfter())
		if err := lock.Acquire(ctx); err != nil {
			_ = srv.Stop()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to acquire instance lock: %w", err)
		}
	}

	if err := srv.Start(); err != nil {
		_ = srv.Stop()
		return err
	}

	keepErr := make(chan error, 1)
	if lock != nil {
		go func() { keepErr <- lock.Keep(ctx) }()
	}

	select {
	case <-ctx.Done():
		log.Logger.Info().Msg("signal received, shutting down")
	case err := <-keepErr:
		if err != nil {
			log.Logger.Error().Err(err).Msg("instance lock lost, shutting down")
			_ = srv.Stop()
			return err
		}
	}

	if lock != nil {
		lock.Stop()
	}
	return srv.Stop()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("uptimed version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
