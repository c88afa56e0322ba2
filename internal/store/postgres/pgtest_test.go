package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/cricket-auction/internal/store/postgres"
)

// newTestDB starts a Postgres container, applies the embedded schema and
// returns a connected *sqlx.DB. The container is terminated when the test ends.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auction_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("applying migration: %v", err)
	}
	// Applying twice must be harmless.
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("re-applying migration: %v", err)
	}

	return db
}

// seed inserts one tournament with a two-player pool and two teams.
func seed(t *testing.T, db *sqlx.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO tournaments (id, name, admin_id) VALUES ('ipl', 'IPL', 'admin-1')`,
		`INSERT INTO pools (id, tournament_id, name, position) VALUES ('marquee', 'ipl', 'Marquee', 1), ('empty', 'ipl', 'Empty', 2)`,
		`INSERT INTO players (id, tournament_id, pool_id, name, base_price, position) VALUES
			('a', 'ipl', 'marquee', 'Player A', 1000000, 1),
			('b', 'ipl', 'marquee', 'Player B', 2000000, 2)`,
		`INSERT INTO teams (id, tournament_id, name, purse) VALUES ('x', 'ipl', 'Team X', 5000000), ('y', 'ipl', 'Team Y', 100)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
}
