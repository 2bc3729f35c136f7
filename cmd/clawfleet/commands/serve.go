package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleet"
)

// watchInterval is how often --watch polls the fleet and agent files.
const watchInterval = 2 * time.Second

func newServeCmd() *cobra.Command {
	var (
		watch           bool
		stopTimeout     time.Duration
		cancelOnTimeout bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet daemon",
		Long: `Run the fleet in the foreground: scheduler, chat bridges and the
job executor stay up until SIGINT or SIGTERM. With --watch, edits to
the fleet file or any agent file trigger a hot reload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, watch, stopTimeout, cancelOnTimeout)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "hot-reload when config files change")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "how long to wait for running jobs on shutdown")
	cmd.Flags().BoolVar(&cancelOnTimeout, "cancel-running", false, "cancel jobs still running after the stop timeout")

	return cmd
}

func runServe(cmd *cobra.Command, watch bool, stopTimeout time.Duration, cancelOnTimeout bool) error {
	path, err := resolveConfigPath(cmd)
	if err != nil {
		return err
	}

	// Load once up front so the log handler honors the fleet's logging
	// settings; the manager loads its own copy during Initialize.
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(cfg.Meta.Logging, verbose)

	mgr := fleet.New(path, nil, logger)
	if err := mgr.Initialize(); err != nil {
		return fmt.Errorf("initializing fleet: %w", err)
	}
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("starting fleet: %w", err)
	}

	logger.Info("fleet running",
		"name", cfg.Meta.Name,
		"agents", len(cfg.Agents),
		"config", path,
		"watch", watch)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if watch {
		watcher := config.NewWatcher(path, watchInterval, func() {
			if err := mgr.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}, logger)
		go watcher.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
	cancel()

	// A second signal aborts the graceful stop.
	done := make(chan error, 1)
	go func() {
		done <- mgr.Stop(fleet.StopOptions{
			Timeout:         stopTimeout,
			CancelOnTimeout: cancelOnTimeout,
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("shutdown finished with errors", "error", err)
		} else {
			logger.Info("shutdown complete")
		}
		return nil
	case sig := <-sigCh:
		logger.Warn("forced exit", "signal", sig.String())
		return fmt.Errorf("forced exit before graceful stop finished")
	}
}
