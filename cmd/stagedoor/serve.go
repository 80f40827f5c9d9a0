package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkerrigan/stagedoor/pkg/challenge"
	"github.com/mkerrigan/stagedoor/pkg/config"
	"github.com/mkerrigan/stagedoor/pkg/engine"
	"github.com/mkerrigan/stagedoor/pkg/logging"
	"github.com/mkerrigan/stagedoor/pkg/pool"
	"github.com/mkerrigan/stagedoor/pkg/server"
	"github.com/mkerrigan/stagedoor/pkg/transfer"
)

func newServeCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the stagedoor HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(*configDir)
		},
	}
}

func runServe(configDir string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logging.SetDirectory(filepath.Join(cfg.DataDir, "logs"))
	log, logErr := logging.NewLogger("serve")
	if logErr != nil {
		fmt.Fprintln(os.Stderr, "warning: file logging degraded:", logErr)
	}
	defer log.Close()

	eng, err := engine.NewPlaywrightEngine(engine.Options{
		Headless:        cfg.Headless,
		NavigateTimeout: cfg.NavigateTimeout,
	})
	if err != nil {
		return err
	}

	p := pool.New(eng, pool.Options{
		Capacity:         cfg.PoolCapacity,
		QueueCapacity:    cfg.QueueCapacity,
		IdleTimeout:      cfg.IdleTimeout,
		QueueWaitTimeout: cfg.QueueWaitTimeout,
		CredentialDir:    cfg.CredentialDir,
	}, log)

	resolver := challenge.NewResolver(challenge.Options{
		ProbeTimeout:  cfg.ProbeTimeout,
		ResolveBudget: cfg.ResolveBudget,
		DebugDir:      cfg.DebugDir,
	}, log)

	pipeline := transfer.New(p, transfer.Options{
		DownloadDir: cfg.DownloadDir,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := pool.NewReaper(p, cfg.ReapInterval, log)
	go reaper.Run(ctx)

	srv := server.New(p, resolver, pipeline, log)
	err = srv.ListenAndServe(ctx, cfg.ListenAddr)

	// Orderly teardown: refuse new work, fail the queue, close every
	// session, then stop the engine runtime.
	p.Shutdown()
	if stopErr := eng.Stop(); stopErr != nil {
		log.Errorf("engine stop failed: %v", stopErr)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
