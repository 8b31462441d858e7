package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rpattn/retailingest/internal/auth"
	"github.com/rpattn/retailingest/internal/config"
	"github.com/rpattn/retailingest/internal/db"
	"github.com/rpattn/retailingest/internal/repository"
)

var (
	purgeTenant string
	purgeID     string

	tokenTenant string
	tokenUser   string
	tokenRole   string
	tokenTTLArg time.Duration
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configDir)
		if err != nil {
			return err
		}
		return db.RunMigrations(cfg.Database)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete ingestion history for a tenant",
	Long: `Delete one ingestion record (--id) or every record of a tenant.
Deleting a record that does not exist is an error only when --id is given.`,
	RunE: runPurge,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a tenant",
	RunE:  runToken,
}

func init() {
	purgeCmd.Flags().StringVar(&purgeTenant, "tenant", "", "Tenant ID (required)")
	purgeCmd.Flags().StringVar(&purgeID, "id", "", "Upload ID to delete; omit to delete all")
	_ = purgeCmd.MarkFlagRequired("tenant")

	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "Tenant ID (required)")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID recorded as uploader")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "admin", "Role claim")
	tokenCmd.Flags().DurationVar(&tokenTTLArg, "ttl", tokenTTL, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(migrateCmd, purgeCmd, tokenCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	tenantID, err := uuid.Parse(purgeTenant)
	if err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}

	ctx := context.Background()
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	records := repository.NewIngestionRecordRepository(conn.Pool)
	if purgeID == "" {
		deleted, err := records.DeleteAllByTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", deleted)
		return nil
	}

	id, err := uuid.Parse(purgeID)
	if err != nil {
		return fmt.Errorf("invalid upload id: %w", err)
	}
	if err := records.Delete(ctx, tenantID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("upload %s not found", id)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted upload %s\n", id)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	tenantID, err := uuid.Parse(tokenTenant)
	if err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	principal := auth.Principal{TenantID: tenantID, Role: tokenRole}
	if tokenUser != "" {
		userID, err := uuid.Parse(tokenUser)
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		principal.UserID = &userID
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	token, err := auth.NewTokenService(cfg.Auth.JWTSecret, tokenTTLArg).GenerateToken(principal)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
