// Package dbtest provisions a migrated Postgres database for integration tests.
//
// DATABASE_URL is used when set; otherwise a disposable container is started
// through testcontainers. Tests are skipped when neither is available.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/wayfare/internal/db"
)

// Image is the Postgres image used for containers.
const Image = "postgres:16-alpine"

// Open returns a migrated database handle and registers cleanup on t.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)

		ctr, err := postgres.Run(ctx, Image,
			postgres.WithDatabase("wayfare"),
			postgres.WithUsername("wayfare"),
			postgres.WithPassword("wayfare"),
			postgres.BasicWaitStrategies(),
		)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(ctr); err != nil {
				t.Logf("failed to terminate postgres container: %v", err)
			}
		})
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}

		dbURL, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %v", err)
		}
	}

	conn, err := db.Open(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.RunMigrations(ctx, conn, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return conn
}

// Truncate empties the given tables between tests.
func Truncate(t *testing.T, conn *sql.DB, tables ...string) {
	t.Helper()
	for _, table := range tables {
		if _, err := conn.Exec("TRUNCATE TABLE " + table); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}
