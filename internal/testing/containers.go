// Package testing provides test utilities including testcontainers setup.
package testing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// ContainerConfig holds configuration for test containers.
type ContainerConfig struct {
	PostgresImage   string
	PostgresDB      string
	PostgresUser    string
	PostgresPass    string
	RedisImage      string
	StartupTimeout  time.Duration
	CleanupOnFinish bool
}

// DefaultContainerConfig returns a default container configuration.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		PostgresImage:   "postgres:16-alpine",
		PostgresDB:      "movies",
		PostgresUser:    "crawler",
		PostgresPass:    "crawler",
		RedisImage:      "redis:7-alpine",
		StartupTimeout:  60 * time.Second,
		CleanupOnFinish: true,
	}
}

// TestContainers holds running test containers.
type TestContainers struct {
	PostgresContainer *postgres.PostgresContainer
	RedisContainer    *redis.RedisContainer
	PostgresConnStr   string
	RedisHost         string
	RedisPort         int
	config            ContainerConfig
	logger            *slog.Logger
}

// NewTestContainers creates a handle; containers start on demand.
func NewTestContainers(config ContainerConfig, logger *slog.Logger) *TestContainers {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestContainers{
		config: config,
		logger: logger.With("component", "testcontainers"),
	}
}

// StartPostgres starts a PostgreSQL container.
func (tc *TestContainers) StartPostgres(ctx context.Context) error {
	tc.logger.Info("starting PostgreSQL container", "image", tc.config.PostgresImage)

	container, err := postgres.Run(ctx,
		tc.config.PostgresImage,
		postgres.WithDatabase(tc.config.PostgresDB),
		postgres.WithUsername(tc.config.PostgresUser),
		postgres.WithPassword(tc.config.PostgresPass),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(tc.config.StartupTimeout),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to start postgres container: %w", err)
	}
	tc.PostgresContainer = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("failed to get postgres connection string: %w", err)
	}
	tc.PostgresConnStr = connStr
	tc.logger.Info("PostgreSQL container started", "connection", connStr)
	return nil
}

// StartRedis starts a Redis container and records its mapped address.
func (tc *TestContainers) StartRedis(ctx context.Context) error {
	tc.logger.Info("starting Redis container", "image", tc.config.RedisImage)

	container, err := redis.Run(ctx,
		tc.config.RedisImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(tc.config.StartupTimeout),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to start redis container: %w", err)
	}
	tc.RedisContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return fmt.Errorf("failed to get redis port: %w", err)
	}
	tc.RedisHost, tc.RedisPort = host, port.Int()
	tc.logger.Info("Redis container started", "host", host, "port", tc.RedisPort)
	return nil
}

// StartAll starts both PostgreSQL and Redis containers.
func (tc *TestContainers) StartAll(ctx context.Context) error {
	if err := tc.StartPostgres(ctx); err != nil {
		return err
	}
	return tc.StartRedis(ctx)
}

// Cleanup terminates all running containers.
func (tc *TestContainers) Cleanup(ctx context.Context) error {
	if !tc.config.CleanupOnFinish {
		return nil
	}
	tc.logger.Info("cleaning up test containers")

	var errs []error
	if tc.PostgresContainer != nil {
		if err := tc.PostgresContainer.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate postgres: %w", err))
		}
	}
	if tc.RedisContainer != nil {
		if err := tc.RedisContainer.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate redis: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}

	tc.logger.Info("test containers cleaned up")
	return nil
}

// GetPostgresDB returns a database connection to the test PostgreSQL.
func (tc *TestContainers) GetPostgresDB(ctx context.Context) (*sql.DB, error) {
	if tc.PostgresConnStr == "" {
		return nil, fmt.Errorf("postgres container not started")
	}

	db, err := sql.Open("postgres", tc.PostgresConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// movieTables lists the crawl tables children first.
var movieTables = []string{
	"crawl_status",
	"metacritic_data",
	"financial",
	"review",
	"movie_cast",
	"movie_director",
	"movie_genre",
	"genre",
	"person",
	"movie",
}

// TruncateAll empties every crawl table for a clean test state.
func TruncateAll(ctx context.Context, db *sql.DB) error {
	for _, table := range movieTables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	return nil
}
