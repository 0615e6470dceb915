// Package util provides shared helpers for integration tests that need a
// real PostgreSQL instance.
package util

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// PostgresURL returns a connection string to a migrated-ready test database.
// CI points at an external instance via CI_DATABASE_URL; local runs share one
// testcontainer per package. Tests are skipped when neither is available.
func PostgresURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		// testcontainers panics (rather than returning an error) when no
		// Docker endpoint exists; fold that into the skip path below.
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("start postgres container: %v", r)
			}
		}()
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("container connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	if containerErr != nil {
		t.Skipf("PostgreSQL unavailable, skipping: %v", containerErr)
	}
	return sharedConnStr
}
