package postgres

import (
	"time"

	"github.com/flexprice/usagegate/internal/config"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// NewDB opens the primary entitlements database and verifies connectivity.
func NewDB(cfg *config.Configuration, log *logger.Logger) (*sqlx.DB, error) {
	dsn := cfg.Postgres.GetDSN()
	log.Infow("connecting to postgres", "host", cfg.Postgres.Host, "dbname", cfg.Postgres.DBName)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to connect to postgres").
			Mark(ierr.ErrDatabase)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
