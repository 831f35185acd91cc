// napperd: idle-application supervisor for kamal deployments.
//
// The daemon watches reverse-proxy traffic per hostname, stops app
// containers that have been idle past a threshold, and starts them
// again when traffic returns, hiding the startup behind the proxy's
// maintenance mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/justinpaulson/kamal-napper/pkg/api"
	"github.com/justinpaulson/kamal-napper/pkg/config"
	"github.com/justinpaulson/kamal-napper/pkg/detector"
	"github.com/justinpaulson/kamal-napper/pkg/health"
	"github.com/justinpaulson/kamal-napper/pkg/logging"
	"github.com/justinpaulson/kamal-napper/pkg/runner"
	"github.com/justinpaulson/kamal-napper/pkg/state"
	"github.com/justinpaulson/kamal-napper/pkg/supervisor"
)

var (
	version = "dev"
	commit  = "none"
)

// backupsToKeep bounds how many corrupt-state backups survive a boot.
const backupsToKeep = 5

func main() {
	root := &cobra.Command{
		Use:           "napperd",
		Short:         "Idle-application supervisor for kamal deployments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(), newStatusCmd(), newWakeCmd(), newSleepCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, listenAddr, logLevel)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yml (optional; env vars always apply)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "control API listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	return cmd
}

func runDaemon(configPath, listenAddr, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Infow("starting napperd", "version", version, "commit", commit)

	clk := clock.RealClock{}

	store, err := state.NewStore(cfg.StateDir, log, clk)
	if err != nil {
		return err
	}
	if err := store.CleanupBackups(backupsToKeep); err != nil {
		log.Warnw("cleaning up state backups failed", "error", err)
	}

	run := runner.New(cfg, log, clk)
	det := detector.New(cfg, run, log, clk)
	hc := health.NewChecker(cfg, log, clk)

	sup, err := supervisor.New(cfg, det, hc, run, store, log, clk)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGUSR1 {
				sup.LogStatus(ctx)
				continue
			}
			log.Infow("shutting down", "signal", sig)
			cancel()
			return
		}
	}()

	srv := api.New(cfg.ListenAddr, sup, version, log, clk)
	go func() {
		if err := srv.Start(); err != nil {
			log.Errorw("control api failed", "error", err)
		}
	}()

	sup.Run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warnw("control api shutdown failed", "error", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("napperd %s (%s)\n", version, commit)
		},
	}
}
