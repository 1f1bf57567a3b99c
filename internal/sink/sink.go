// Package sink ships buffered usage and verification records to the
// analytics store. Delivery is at-least-once; the sink deduplicates on the
// idempotence key downstream.
package sink

import (
	"context"

	"github.com/flexprice/usagegate/internal/config"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/shardstore"
)

// MaxBatchSize caps a single ingest call.
const MaxBatchSize = 500

// IngestResult is the sink's partial-success accounting for one batch.
type IngestResult struct {
	SuccessfulRows  int `json:"successful_rows"`
	QuarantinedRows int `json:"quarantined_rows"`
}

// Accounted is the number of rows the sink took responsibility for. The
// caller must not delete the originating range until Accounted covers the
// whole batch.
func (r IngestResult) Accounted() int {
	return r.SuccessfulRows + r.QuarantinedRows
}

// Client is the analytics sink interface the limiter flushes through.
type Client interface {
	IngestUsage(ctx context.Context, batch []*shardstore.UsageRecord) (*IngestResult, error)
	IngestVerifications(ctx context.Context, batch []*shardstore.VerificationRecord) (*IngestResult, error)
}

// New builds the configured sink driver.
func New(cfg *config.Configuration, log *logger.Logger) (Client, error) {
	switch cfg.Sink.Driver {
	case config.SinkDriverClickHouse:
		return NewClickHouseSink(cfg, log)
	case config.SinkDriverHTTP:
		return NewHTTPSink(cfg, log), nil
	case config.SinkDriverNoop:
		return NewNoopSink(log), nil
	default:
		return nil, ierr.NewErrorf("unknown sink driver: %s", cfg.Sink.Driver).
			WithHint("Supported sink drivers are clickhouse, http and noop").
			Mark(ierr.ErrValidation)
	}
}
