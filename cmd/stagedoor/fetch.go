package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mkerrigan/stagedoor/pkg/config"
	"github.com/mkerrigan/stagedoor/pkg/engine"
	"github.com/mkerrigan/stagedoor/pkg/logging"
	"github.com/mkerrigan/stagedoor/pkg/pool"
	"github.com/mkerrigan/stagedoor/pkg/transfer"
)

func newFetchCmd(configDir *string) *cobra.Command {
	var sourceURL, destName string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download one credential-gated file through the transfer pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sourceURL == "" || destName == "" {
				return errors.New("--url and --name are required")
			}
			return runFetch(cmd, *configDir, sourceURL, destName)
		},
	}

	cmd.Flags().StringVar(&sourceURL, "url", "", "source URL to fetch")
	cmd.Flags().StringVar(&destName, "name", "", "destination file name")
	return cmd
}

func runFetch(cmd *cobra.Command, configDir, sourceURL, destName string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logging.SetDirectory(filepath.Join(cfg.DataDir, "logs"))
	log, _ := logging.NewLogger("fetch")
	defer log.Close()

	eng, err := engine.NewPlaywrightEngine(engine.Options{
		Headless:        cfg.Headless,
		NavigateTimeout: cfg.NavigateTimeout,
	})
	if err != nil {
		return err
	}
	defer eng.Stop()

	p := pool.New(eng, pool.Options{
		Capacity:         1,
		QueueCapacity:    0,
		IdleTimeout:      cfg.IdleTimeout,
		QueueWaitTimeout: cfg.QueueWaitTimeout,
		CredentialDir:    cfg.CredentialDir,
	}, log)
	defer p.Shutdown()

	pipeline := transfer.New(p, transfer.Options{
		DownloadDir: cfg.DownloadDir,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
	}, log)

	path, err := pipeline.Download(context.Background(), sourceURL, destName)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
