//go:build integration

package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vlhc/tunelab/internal/storage"
	"github.com/vlhc/tunelab/migrations"
)

// TestContainer wraps a started container with the address tests connect to.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

func mustStart(ctx context.Context, req testcontainers.ContainerRequest, port string) (testcontainers.Container, string) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start %s: %v\n", req.Image, err)
		os.Exit(1)
	}
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}
	return container, fmt.Sprintf("%s:%s", host, mapped.Port())
}

// MustStartPostgres starts a Postgres container with pgvector and creates the
// extension before any pool registers vector types. Exits on failure.
func MustStartPostgres() *TestContainer {
	ctx := context.Background()
	container, addr := mustStart(ctx, testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "tunelab",
			"POSTGRES_PASSWORD": "tunelab",
			"POSTGRES_DB":       "tunelab",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432")

	dsn := fmt.Sprintf("postgres://tunelab:tunelab@%s/tunelab?sslmode=disable", addr)
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to create vector extension: %v\n", err)
		os.Exit(1)
	}
	_ = conn.Close(ctx)
	return &TestContainer{Container: container, DSN: dsn}
}

// NewTestDB connects a storage.DB to the container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, "", logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// MustStartRedis starts a Redis container and returns a connected client.
func MustStartRedis() (*TestContainer, *redis.Client) {
	ctx := context.Background()
	container, addr := mustStart(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379")

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to ping redis: %v\n", err)
		os.Exit(1)
	}
	return &TestContainer{Container: container, DSN: "redis://" + addr}, client
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}
