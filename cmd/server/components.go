package main

import (
	"context"
	"fmt"
	"log"

	"github.com/rpattn/retailingest/internal/blob"
	"github.com/rpattn/retailingest/internal/config"
	"github.com/rpattn/retailingest/internal/db"
	"github.com/rpattn/retailingest/internal/ingestion"
	"github.com/rpattn/retailingest/internal/repository"
)

// openBlobStore builds the blob gateway selected by cfg.Driver.
func openBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Driver {
	case "s3":
		store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open s3 store: %w", err)
		}
		log.Printf("[config] blob store: s3 bucket %s", cfg.Bucket)
		return store, nil
	default:
		store, err := blob.NewFileSystemStore(cfg.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob directory: %w", err)
		}
		log.Printf("[config] blob store: %s", cfg.BaseDir)
		return store, nil
	}
}

// newEngine wires the decode and validate engine to storage.
func newEngine(cfg config.Config, conn *db.Connection, blobs blob.Store) *ingestion.Engine {
	return ingestion.NewEngine(
		blobs,
		repository.NewSalesRepository(conn),
		ingestion.WithBatchSize(cfg.Ingestion.BatchSize),
	)
}
