package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rpattn/retailingest/internal/config"
	"github.com/rpattn/retailingest/internal/db"
	"github.com/rpattn/retailingest/internal/ingestion"
)

const workerCommand = "worker"

var workerCmd = &cobra.Command{
	Use:    workerCommand,
	Short:  "Process one ingestion job read from stdin",
	Long:   `Reads a single job as JSON on stdin and writes progress messages to stdout, one per line. Started by the server when ingestion.isolation is "process".`,
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	blobs, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	return ingestion.ServeWorker(ctx, newEngine(cfg, conn, blobs), os.Stdin, os.Stdout)
}
