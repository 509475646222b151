package cluster

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// EphemeralOptions configures a throwaway PostgreSQL target.
type EphemeralOptions struct {
	Image    string
	Database string
	User     string
	Password string
	Postgres PostgresOptions
}

// Ephemeral is a PostgreSQL target running in a container that is removed
// on Close.
type Ephemeral struct {
	*Postgres
	container *postgres.PostgresContainer
}

// StartEphemeral starts a PostgreSQL container and connects to it.
func StartEphemeral(ctx context.Context, opts EphemeralOptions) (*Ephemeral, error) {
	waitStrategy := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Minute)

	container, err := postgres.Run(ctx,
		opts.Image,
		postgres.WithDatabase(opts.Database),
		postgres.WithUsername(opts.User),
		postgres.WithPassword(opts.Password),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		return nil, errors.Annotate(err, "could not start postgres container")
	}
	log.Info("ephemeral target started", zap.String("image", opts.Image), zap.String("container", container.GetContainerID()))

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate(container)
		return nil, errors.Annotate(err, "resolve container address")
	}
	p, err := OpenPostgres(ctx, dsn, opts.Postgres)
	if err != nil {
		terminate(container)
		return nil, err
	}
	return &Ephemeral{Postgres: p, container: container}, nil
}

// terminate uses a background context so cleanup runs after cancellation.
func terminate(c *postgres.PostgresContainer) error {
	if err := c.Terminate(context.Background()); err != nil {
		log.Warn("failed to terminate ephemeral target", zap.Error(err))
		return errors.Trace(err)
	}
	return nil
}

// Close disconnects and removes the container.
func (e *Ephemeral) Close() error {
	err := e.Postgres.Close()
	if terr := terminate(e.container); err == nil {
		err = terr
	}
	return err
}
