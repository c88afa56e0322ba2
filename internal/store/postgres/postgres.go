package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver wrapped by otelsql
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

//go:embed migrations/001_initial.sql
var initialSchema string

func init() {
	store.Register("sqlx", open)
}

// open is the store.Driver for the "sqlx" backend.
func open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewRepositories(db, clk), nil
}

// NewRepositories wires every sqlx repository onto db.
func NewRepositories(db *sqlx.DB, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Tournaments: NewTournamentRepo(db),
		Pools:       NewPoolRepo(db),
		Players:     NewPlayerRepo(db),
		Teams:       NewTeamRepo(db),
		Events:      NewEventStore(db, clk),
		Closer:      db,
		Ping:        db.PingContext,
	}
}

var (
	registerOnce sync.Once
	driverName   string
	registerErr  error
)

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	// Register the OTel-instrumented driver wrapping lib/pq once per process.
	registerOnce.Do(func() {
		driverName, registerErr = otelsql.Register("postgres",
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
		)
	})
	if registerErr != nil {
		return nil, fmt.Errorf("registering otel driver: %w", registerErr)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, initialSchema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
