// Package database provides the embedded SQLite client and migration
// utilities shared by the nerve and observability stores.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the sql.DB handle for one SQLite file.
type Client struct {
	db   *sql.DB
	path string
}

// DB returns the underlying database handle for direct queries and
// health checks.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Path returns the database file path.
func (c *Client) Path() string {
	return c.path
}

// Close closes the underlying handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the nerve store at cfg.Path and applies the embedded
// migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	return OpenWith(ctx, cfg, migrationsFS, "migrations")
}

// OpenWith opens a SQLite file with the standard pragma set and applies
// migrations from the given filesystem. The observability store reuses
// this with its own migration set.
func OpenWith(ctx context.Context, cfg Config, migrations fs.FS, dir string) (*Client, error) {
	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Path, err)
	}

	if err := runMigrations(db, migrations, dir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations on %s: %w", cfg.Path, err)
	}

	return &Client{db: db, path: cfg.Path}, nil
}

// dsn builds the modernc driver DSN. Pragmas apply per connection:
// write-ahead logging with synchronous=NORMAL is the durability mode,
// busy_timeout absorbs writer contention, foreign keys are enforced.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeoutMS))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// runMigrations applies pending migrations using golang-migrate with the
// migration files embedded into the binary, so deployments never depend
// on external SQL files.
func runMigrations(db *sql.DB, migrations fs.FS, dir string) error {
	hasMigrations, err := hasEmbeddedMigrations(migrations, dir)
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found - binary may be built incorrectly")
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB handle.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks that the embedded FS contains .sql files.
func hasEmbeddedMigrations(migrations fs.FS, dir string) (bool, error) {
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}

	return false, nil
}
