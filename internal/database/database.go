package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/syncerr"
)

// Dialect identifies the SQL flavour of a connection.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

type Database struct {
	DB      *sql.DB
	Dialect Dialect
	Config  config.DatabaseConnection
}

// DSN builds the driver name and data source for cfg.
func DSN(cfg config.DatabaseConnection) (driver, dsn string, err error) {
	switch cfg.Type {
	case "mysql":
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database), nil
	case "sqlite":
		path := cfg.FilePath
		if path == "" {
			path = "file::memory:?cache=shared"
		}
		return "sqlite3", path, nil
	default:
		return "", "", fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

func NewDatabase(cfg config.DatabaseConnection) (*Database, error) {
	driver, dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &Database{DB: db, Config: cfg}
	switch driver {
	case "sqlite3":
		d.Dialect = SQLite
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, err
		}
	default:
		d.Dialect = MySQL
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 20
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
		db.SetConnMaxLifetime(time.Hour)
	}

	logger.Log.Info("Connected to database",
		zap.String("type", cfg.Type),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.String("file", cfg.FilePath),
	)

	return d, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Classify("begin tx", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return Classify("commit", tx.Commit())
}

// EnsureSchema runs each statement, tolerating tables that already exist.
func (d *Database) EnsureSchema(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Rebind rewrites an upsert prefix for the dialect: "INSERT IGNORE" on MySQL
// becomes "INSERT OR IGNORE" on SQLite.
func (d *Database) Rebind(query string) string {
	if d.Dialect == SQLite {
		return strings.Replace(query, "INSERT IGNORE", "INSERT OR IGNORE", 1)
	}
	return query
}

// Classify wraps driver errors that are worth retrying as transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return syncerr.Transient(op, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213, 2006, 2013: // lock wait timeout, deadlock, server gone, lost connection
			return syncerr.Transient(op, err)
		}
		return err
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return syncerr.Transient(op, err)
		}
	}
	return err
}
