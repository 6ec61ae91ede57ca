// Package database opens the SQL database behind the transcript and
// pending-intake stores and keeps its schema up to date. Postgres is the
// production target; SQLite serves single-host deployments and tests.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrations embed.FS

// Dialect names a supported database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect validates a DATABASE_DRIVER value.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case Postgres, SQLite:
		return d, nil
	case "":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (use postgres or sqlite)", s)
	}
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open connects to the database and waits for it to become reachable.
func Open(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	switch d {
	case Postgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		// Simple retry logic for DB connection
		for i := 0; i < 10; i++ {
			if err = db.PingContext(ctx); err == nil {
				return db, nil
			}
			log.Printf("Waiting for DB... (%d/10)", i+1)
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	case SQLite:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}
}

// Migrate applies all pending up-migrations. It uses its own connection so
// closing the migrator does not close the caller's pool.
func Migrate(ctx context.Context, d Dialect, dsn string) error {
	db, err := Open(ctx, d, dsn)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrations, "migrations/"+string(d))
	if err != nil {
		db.Close()
		return fmt.Errorf("load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch d {
	case Postgres:
		driver, derr := migratepg.WithInstance(db, &migratepg.Config{})
		if derr != nil {
			db.Close()
			return fmt.Errorf("migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, string(d), driver)
	case SQLite:
		driver, derr := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if derr != nil {
			db.Close()
			return fmt.Errorf("migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, string(d), driver)
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("migration init failed: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
