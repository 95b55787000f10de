package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
)

// Dialect names the SQL flavour behind a *sql.DB.  Repositories only need it
// for DDL; the queries they run are portable between both.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// Open connects to MySQL and verifies the connection.
func Open(user, pass, host, port, name string) (*sql.DB, error) {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := ping(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens (creating if needed) a SQLite database file.  Desktop
// installs run the backend next to the client with a single local file.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if err := ping(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

var schema = map[Dialect][]string{
	MySQL: {
		`CREATE TABLE IF NOT EXISTS activations (
			id          VARCHAR(36)  NOT NULL PRIMARY KEY,
			code        VARCHAR(191) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			status      VARCHAR(3)   NOT NULL DEFAULT 'OFF',
			activate_at DATETIME(6)  NULL,
			created_at  DATETIME(6)  NOT NULL,
			updated_at  DATETIME(6)  NOT NULL,
			UNIQUE KEY uq_activations_code (code),
			KEY idx_activations_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	SQLite: {
		`CREATE TABLE IF NOT EXISTS activations (
			id          TEXT     NOT NULL PRIMARY KEY,
			code        TEXT     NOT NULL UNIQUE,
			status      TEXT     NOT NULL DEFAULT 'OFF',
			activate_at DATETIME NULL,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activations_status ON activations(status)`,
	},
}

// Migrate creates the tables the activation gate needs.  Every statement is
// idempotent so it runs on each start.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	stmts, ok := schema[d]
	if !ok {
		return fmt.Errorf("unknown dialect %q", d)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", d, err)
		}
	}
	return nil
}
