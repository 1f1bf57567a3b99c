package sink

import (
	"context"

	clickhouse_go "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/flexprice/usagegate/internal/config"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/shardstore"
)

// ClickHouseSink inserts record batches natively into ClickHouse. A batch
// send is all-or-nothing, so a successful send accounts every row as
// successful; failures are retriable by the caller.
type ClickHouseSink struct {
	conn   driver.Conn
	logger *logger.Logger
}

func NewClickHouseSink(cfg *config.Configuration, log *logger.Logger) (*ClickHouseSink, error) {
	conn, err := clickhouse_go.Open(cfg.ClickHouse.GetClientOptions())
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to connect to ClickHouse").
			Mark(ierr.ErrSink)
	}
	return &ClickHouseSink{conn: conn, logger: log}, nil
}

func (s *ClickHouseSink) IngestUsage(ctx context.Context, batch []*shardstore.UsageRecord) (*IngestResult, error) {
	if len(batch) == 0 {
		return &IngestResult{}, nil
	}

	prepared, err := s.conn.PrepareBatch(ctx, `INSERT INTO usage_records (
		entitlement_id, customer_id, project_id, feature_slug, usage,
		timestamp, idempotence_key, request_id,
		feature_plan_version_id, subscription_id, subscription_phase_id,
		subscription_item_id, metadata, created_at
	)`)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to prepare usage ingest batch").
			Mark(ierr.ErrSink)
	}

	for _, r := range batch {
		if err := prepared.Append(
			r.EntitlementID, r.CustomerID, r.ProjectID, r.FeatureSlug, r.Usage,
			r.Timestamp, r.IdempotenceKey, r.RequestID,
			r.FeaturePlanVersionID, r.SubscriptionID, r.SubscriptionPhaseID,
			r.SubscriptionItemID, r.Metadata, r.CreatedAt,
		); err != nil {
			return nil, ierr.WithError(err).
				WithHint("Failed to append usage row to ingest batch").
				Mark(ierr.ErrSink)
		}
	}

	if err := prepared.Send(); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to send usage ingest batch").
			Mark(ierr.ErrSink)
	}

	return &IngestResult{SuccessfulRows: len(batch)}, nil
}

func (s *ClickHouseSink) IngestVerifications(ctx context.Context, batch []*shardstore.VerificationRecord) (*IngestResult, error) {
	if len(batch) == 0 {
		return &IngestResult{}, nil
	}

	prepared, err := s.conn.PrepareBatch(ctx, `INSERT INTO verifications (
		entitlement_id, customer_id, project_id, feature_slug, request_id,
		timestamp, success, latency, denied_reason,
		feature_plan_version_id, subscription_id, subscription_phase_id,
		subscription_item_id, metadata, created_at
	)`)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to prepare verification ingest batch").
			Mark(ierr.ErrSink)
	}

	for _, r := range batch {
		if err := prepared.Append(
			r.EntitlementID, r.CustomerID, r.ProjectID, r.FeatureSlug, r.RequestID,
			r.Timestamp, r.Success, r.Latency, r.DeniedReason,
			r.FeaturePlanVersionID, r.SubscriptionID, r.SubscriptionPhaseID,
			r.SubscriptionItemID, r.Metadata, r.CreatedAt,
		); err != nil {
			return nil, ierr.WithError(err).
				WithHint("Failed to append verification row to ingest batch").
				Mark(ierr.ErrSink)
		}
	}

	if err := prepared.Send(); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to send verification ingest batch").
			Mark(ierr.ErrSink)
	}

	return &IngestResult{SuccessfulRows: len(batch)}, nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
