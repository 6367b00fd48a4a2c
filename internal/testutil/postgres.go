// Package testutil provides test helpers: a throwaway PostgreSQL container
// and an in-process fake MUD server.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/mudbridge/internal/config"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresCreds = "bridge"
)

// PostgresContainer is a disposable PostgreSQL server for one test.
type PostgresContainer struct {
	container testcontainers.Container
	// RawPool is connected as the superuser, independent of any store.
	RawPool *pgxpool.Pool
	// Config points at the container's database.
	Config config.DatabaseConfig
}

// NewPostgresContainer starts PostgreSQL in Docker and connects to it. The
// container is removed when the test ends; under -short the test is skipped.
//
// Precondition: Docker must be available.
// Postcondition: Returns a reachable database or fails the test.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests are skipped in short mode")
	}
	ctx := context.Background()
	start := time.Now()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresCreds,
				"POSTGRES_PASSWORD": postgresCreds,
				"POSTGRES_DB":       postgresCreds,
			},
			// The entrypoint restarts the server once after init.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("5432/tcp"),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting %s: %v [%s]", postgresImage, err, time.Since(start))
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	cfg, err := containerConfig(ctx, c)
	if err != nil {
		t.Fatalf("resolving postgres endpoint: %v", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		t.Fatalf("connecting to test postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	t.Logf("postgres ready at %s:%d [%s]", cfg.Host, cfg.Port, time.Since(start))
	return &PostgresContainer{container: c, RawPool: pool, Config: cfg}
}

func containerConfig(ctx context.Context, c testcontainers.Container) (config.DatabaseConfig, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("mapped port: %w", err)
	}
	return config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            postgresCreds,
		Password:        postgresCreds,
		Name:            postgresCreds,
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        0,
		MaxConnLifetime: 5 * time.Minute,
	}, nil
}

// DSN returns the connection string for the test database.
func (pc *PostgresContainer) DSN() string {
	return pc.Config.DSN()
}

// Truncate empties the named tables.
func (pc *PostgresContainer) Truncate(t *testing.T, tables ...string) {
	t.Helper()
	if len(tables) == 0 {
		return
	}
	sql := "TRUNCATE " + strings.Join(tables, ", ")
	if _, err := pc.RawPool.Exec(context.Background(), sql); err != nil {
		t.Fatalf("%s: %v", sql, err)
	}
}
