// Package migrations applies the eventbox Postgres DDL with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// source
	_ "github.com/jackc/pgx/v5/stdlib"
)

var errNotDirectory = errors.New("migrations path must be a directory")

// Apply runs the pending up migrations found in dir against the Postgres
// database reachable via dsn. It reports whether anything was applied.
func Apply(ctx context.Context, dsn, dir string, logger evbx.Logger) (bool, error) {
	if logger == nil {
		logger = &evbx.NopLogger{}
	}
	resolved, err := resolveDir(dir)
	if err != nil {
		return false, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return false, fmt.Errorf("open migrations connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return false, fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return false, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(fileURL(resolved), "pgx5", driver)
	if err != nil {
		return false, fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Error("could not close the migrations instance", errors.Join(srcErr, dbErr))
		}
	}()

	logger.Info(fmt.Sprintf("running database migrations from %s", resolved))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database migrations up-to-date")
			return false, nil
		}
		return false, fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return true, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", errors.New("migrations path required")
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String()
}
