package cmd

import (
	"context"
	"fmt"
	"os"

	"restorable.io/cluster-restore/internal/cluster"
	"restorable.io/cluster-restore/internal/config"
)

// openTarget connects to the configured cluster. A dry run always restores
// into memory.
func openTarget(ctx context.Context, cfg *config.Target, dryRun bool) (cluster.Cluster, string, error) {
	if dryRun || cfg.Type == "memory" {
		return cluster.NewMemory(cfg.NodeGroups, cfg.Replicas), "memory", nil
	}

	pgOpts := cluster.PostgresOptions{
		CatalogSchema: cfg.CatalogSchema,
		NodeGroups:    cfg.NodeGroups,
		Replicas:      cfg.Replicas,
	}
	switch cfg.Type {
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, "", fmt.Errorf("target DSN environment variable %s is not set", cfg.DSNEnv)
		}
		target, err := cluster.OpenPostgres(ctx, dsn, pgOpts)
		if err != nil {
			return nil, "", fmt.Errorf("failed to connect to target: %w", err)
		}
		return target, cfg.Type, nil

	case "ephemeral":
		password := os.Getenv(cfg.Ephemeral.PasswordEnv)
		if password == "" {
			return nil, "", fmt.Errorf("database password environment variable %s is not set", cfg.Ephemeral.PasswordEnv)
		}
		fmt.Printf("Starting ephemeral target from %s...\n", cfg.Ephemeral.DockerImage)
		target, err := cluster.StartEphemeral(ctx, cluster.EphemeralOptions{
			Image:    cfg.Ephemeral.DockerImage,
			Database: cfg.Ephemeral.DBName,
			User:     cfg.Ephemeral.User,
			Password: password,
			Postgres: pgOpts,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to start ephemeral target: %w", err)
		}
		return target, cfg.Type, nil

	default:
		return nil, "", fmt.Errorf("unsupported target type: %s", cfg.Type)
	}
}
