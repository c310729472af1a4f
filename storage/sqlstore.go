package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/trackvision/tv-epcis-repository/configs"
	"github.com/trackvision/tv-epcis-repository/logger"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// driverName maps a configured provider to its database/sql driver.
func driverName(provider string) (string, error) {
	switch provider {
	case configs.ProviderPostgres:
		return "pgx", nil
	case configs.ProviderMySQL:
		return "mysql", nil
	}
	return "", fmt.Errorf("unknown storage provider %q", provider)
}

// SQLStore is the sqlx-backed Store. One instance is shared process-wide.
type SQLStore struct {
	db             *sqlx.DB
	provider       string
	commandTimeout time.Duration
}

// Open connects to the configured engine, applies pending migrations and
// returns the shared store handle.
func Open(cfg *configs.Config) (*SQLStore, error) {
	driver, err := driverName(cfg.StorageProvider)
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to database",
		zap.String("provider", cfg.StorageProvider),
		zap.String("driver", driver),
	)

	db, err := sqlx.Connect(driver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.StorageProvider, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := Migrate(db.DB, cfg.StorageProvider); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	logger.Info("Database connection established")
	return &SQLStore{
		db:             db,
		provider:       cfg.StorageProvider,
		commandTimeout: cfg.CommandTimeout,
	}, nil
}

// NewWithDB wraps an existing connection without running migrations.
// Intended for tests driving sqlmock.
func NewWithDB(db *sqlx.DB, provider string) *SQLStore {
	return &SQLStore{db: db, provider: provider, commandTimeout: 30 * time.Second}
}

// Tx runs fn inside one transaction, rolling back on error or panic. Each
// statement inherits the configured command timeout via the derived context.
func (s *SQLStore) Tx(ctx context.Context, fn func(Tx) error) error {
	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{tx: tx, provider: s.provider}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// sqlTx implements Tx over one open sqlx transaction. Placeholders use the
// mysql "?" style throughout and are rebound per engine.
type sqlTx struct {
	tx       *sqlx.Tx
	provider string
}

func (t *sqlTx) rebind(query string) string {
	return t.tx.Rebind(query)
}
