package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/postgres"
)

// schema is the primary entitlements table the limiter reads from and
// reconciles usage counters back to. Usage columns are TEXT so decimals
// survive the round-trip without float drift; timestamps are epoch ms.
const schema = `
CREATE TABLE IF NOT EXISTS entitlements (
	id                      TEXT PRIMARY KEY,
	customer_id             TEXT NOT NULL,
	project_id              TEXT NOT NULL,
	feature_slug            TEXT NOT NULL,
	feature_plan_version_id TEXT NOT NULL DEFAULT '',
	subscription_id         TEXT NOT NULL DEFAULT '',
	subscription_phase_id   TEXT NOT NULL DEFAULT '',
	subscription_item_id    TEXT NOT NULL DEFAULT '',
	feature_type            TEXT NOT NULL,
	enabled                 BOOLEAN NOT NULL DEFAULT TRUE,
	current_cycle_usage     TEXT NOT NULL DEFAULT '0',
	accumulated_usage       TEXT NOT NULL DEFAULT '0',
	last_usage_update_at    BIGINT NOT NULL DEFAULT 0,
	reseted_at              BIGINT NOT NULL DEFAULT 0,
	updated_at_m            BIGINT NOT NULL DEFAULT 0,
	usage_limit             TEXT,
	limit_type              TEXT NOT NULL DEFAULT 'none',
	units                   TEXT,
	active_phase            JSONB,
	status                  TEXT NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_entitlements_lookup
	ON entitlements (project_id, customer_id, feature_slug)
	WHERE status = 'active';

CREATE INDEX IF NOT EXISTS idx_entitlements_customer
	ON entitlements (project_id, customer_id)
	WHERE status = 'active';
`

func main() {
	dryRun := flag.Bool("dry-run", false, "Print migration SQL without executing it")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logger.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if *dryRun {
		logger.Info("Dry run mode - printing migration SQL without executing")
		fmt.Print(schema)
		return
	}

	db, err := postgres.NewDB(cfg, logger)
	if err != nil {
		logger.Fatalw("Failed to connect to postgres", "error", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Running database migrations...")
	if _, err := db.ExecContext(ctx, schema); err != nil {
		logger.Fatalw("Failed to create schema resources", "error", err)
	}
	logger.Info("Migration completed successfully")

	fmt.Println("Migration process completed")
}
