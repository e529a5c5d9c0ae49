// Package pgstore is the relational store adapter backing spec.md §3's
// User/Organization/ApiKey/TokenUsageRecord entities and §6's persisted
// state layout. Only this package imports pgx; every other package
// depends on the narrow consumer interfaces declared where they're used
// (internal/tokenusage.Persister, internal/authn.ApiKeyLookup, ...),
// mirroring the teacher's "only internal/dynamo/ may import the SDK"
// convention (internal/dynamo/client.go).
package pgstore

import (
	stdsql "database/sql"
	"embed"
	"context"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, used only to run migrations

	"github.com/diagramflow/core/internal/domain"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the relational store's connection and pool-sizing
// parameters, per the `W * (B + O)` formula in spec.md §5.
type Config struct {
	DSN          domain.SecretString
	PoolSize     int32 // DB_POOL_SIZE — base connections
	PoolOverflow int32 // DB_POOL_OVERFLOW — additional connections under load
}

// Client wraps a pgx connection pool. Every repository method acquires a
// connection, runs one statement or one transaction, and releases it
// before returning — per Design Notes §9, no SQL handle lifetime ever
// escapes a repository method, so nothing downstream can hold a
// connection across an LLM call or an SSE stream.
type Client struct {
	pool *pgxpool.Pool
}

// NewClient opens a connection pool sized to PoolSize+PoolOverflow and
// applies embedded migrations before returning.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN.Expose())
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.PoolSize + cfg.PoolOverflow
	if poolCfg.MaxConns <= 0 {
		poolCfg.MaxConns = domain.DefaultDBPoolSize + domain.DefaultDBPoolOverflow
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(cfg.DSN.Expose()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Client{pool: pool}, nil
}

// Close releases the pool's connections.
func (c *Client) Close() {
	c.pool.Close()
}

// Users, Organizations, ApiKeys, and TokenUsage build the narrow
// repositories over this client's pool.
func (c *Client) Users() *UserStore                { return NewUserStore(c.pool) }
func (c *Client) Organizations() *OrganizationStore { return NewOrganizationStore(c.pool) }
func (c *Client) ApiKeys() *ApiKeyStore             { return NewApiKeyStore(c.pool) }
func (c *Client) TokenUsage() *TokenUsageStore      { return NewTokenUsageStore(c.pool) }

// Compile-time checks that *pgxpool.Pool satisfies every repository's
// narrow consumer-defined interface.
var (
	_ userQuerier = (*pgxpool.Pool)(nil)
	_ orgQuerier  = (*pgxpool.Pool)(nil)
	_ apiKeyDB    = (*pgxpool.Pool)(nil)
	_ batchDB     = (*pgxpool.Pool)(nil)
)

// runMigrations applies every pending embedded migration using a
// throwaway database/sql connection (golang-migrate's postgres driver
// needs a *sql.DB, not a pgxpool.Pool), following the same
// embed+iofs+golang-migrate shape as
// codeready-toolchain-tarsy/pkg/database/client.go, minus the Ent driver
// wiring that file also carries (not adopted — see DESIGN.md).
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migration source: %w", err)
	}
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
