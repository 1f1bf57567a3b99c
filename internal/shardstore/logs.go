package shardstore

import (
	"context"

	ierr "github.com/flexprice/usagegate/internal/errors"
)

// InsertUsage appends one usage record and returns its local id. A single
// local write is the only durability cost on the Report hot path.
func (s *Store) InsertUsage(ctx context.Context, r *UsageRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO usage_records (
			entitlement_id, customer_id, project_id, feature_slug, usage,
			timestamp, idempotence_key, request_id,
			feature_plan_version_id, subscription_id, subscription_phase_id,
			subscription_item_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EntitlementID, r.CustomerID, r.ProjectID, r.FeatureSlug, r.Usage,
		r.Timestamp, r.IdempotenceKey, r.RequestID,
		r.FeaturePlanVersionID, r.SubscriptionID, r.SubscriptionPhaseID,
		r.SubscriptionItemID, r.Metadata, r.CreatedAt)
	if err != nil {
		return 0, ierr.WithError(err).
			WithHint("Failed to buffer usage record").
			Mark(ierr.ErrShardStore)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	r.ID = id
	return id, nil
}

// InsertVerification appends one verification record and returns its local id.
func (s *Store) InsertVerification(ctx context.Context, r *VerificationRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO verifications (
			entitlement_id, customer_id, project_id, feature_slug, request_id,
			timestamp, success, latency, denied_reason,
			feature_plan_version_id, subscription_id, subscription_phase_id,
			subscription_item_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EntitlementID, r.CustomerID, r.ProjectID, r.FeatureSlug, r.RequestID,
		r.Timestamp, r.Success, r.Latency, r.DeniedReason,
		r.FeaturePlanVersionID, r.SubscriptionID, r.SubscriptionPhaseID,
		r.SubscriptionItemID, r.Metadata, r.CreatedAt)
	if err != nil {
		return 0, ierr.WithError(err).
			WithHint("Failed to buffer verification record").
			Mark(ierr.ErrShardStore)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	r.ID = id
	return id, nil
}

// SelectUsageBatch returns up to limit usage records with id > fromID in id
// order, optionally filtered to one feature slug.
func (s *Store) SelectUsageBatch(ctx context.Context, fromID int64, limit int, featureSlug string) ([]*UsageRecord, error) {
	query := `SELECT id, entitlement_id, customer_id, project_id, feature_slug,
			usage, timestamp, idempotence_key, request_id,
			feature_plan_version_id, subscription_id, subscription_phase_id,
			subscription_item_id, metadata, created_at
		FROM usage_records WHERE id > ?`
	args := []any{fromID}
	if featureSlug != "" {
		query += ` AND feature_slug = ?`
		args = append(args, featureSlug)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to read buffered usage records").
			Mark(ierr.ErrShardStore)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		r := &UsageRecord{}
		if err := rows.Scan(
			&r.ID, &r.EntitlementID, &r.CustomerID, &r.ProjectID, &r.FeatureSlug,
			&r.Usage, &r.Timestamp, &r.IdempotenceKey, &r.RequestID,
			&r.FeaturePlanVersionID, &r.SubscriptionID, &r.SubscriptionPhaseID,
			&r.SubscriptionItemID, &r.Metadata, &r.CreatedAt,
		); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrShardStore)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	return records, nil
}

// SelectVerificationBatch returns up to limit verification records with
// id > fromID in id order, optionally filtered to one feature slug.
func (s *Store) SelectVerificationBatch(ctx context.Context, fromID int64, limit int, featureSlug string) ([]*VerificationRecord, error) {
	query := `SELECT id, entitlement_id, customer_id, project_id, feature_slug,
			request_id, timestamp, success, latency, denied_reason,
			feature_plan_version_id, subscription_id, subscription_phase_id,
			subscription_item_id, metadata, created_at
		FROM verifications WHERE id > ?`
	args := []any{fromID}
	if featureSlug != "" {
		query += ` AND feature_slug = ?`
		args = append(args, featureSlug)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to read buffered verifications").
			Mark(ierr.ErrShardStore)
	}
	defer rows.Close()

	var records []*VerificationRecord
	for rows.Next() {
		r := &VerificationRecord{}
		if err := rows.Scan(
			&r.ID, &r.EntitlementID, &r.CustomerID, &r.ProjectID, &r.FeatureSlug,
			&r.RequestID, &r.Timestamp, &r.Success, &r.Latency, &r.DeniedReason,
			&r.FeaturePlanVersionID, &r.SubscriptionID, &r.SubscriptionPhaseID,
			&r.SubscriptionItemID, &r.Metadata, &r.CreatedAt,
		); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrShardStore)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	return records, nil
}

// DeleteUsageRange removes the acknowledged id range [firstID, lastID].
// The slug filter must match the one used to select the batch, so rows of
// other features interleaved in the range are left in place.
func (s *Store) DeleteUsageRange(ctx context.Context, firstID, lastID int64, featureSlug string) error {
	query := `DELETE FROM usage_records WHERE id >= ? AND id <= ?`
	args := []any{firstID, lastID}
	if featureSlug != "" {
		query += ` AND feature_slug = ?`
		args = append(args, featureSlug)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to delete drained usage records").
			Mark(ierr.ErrShardStore)
	}
	return nil
}

// DeleteVerificationRange removes the acknowledged id range [firstID, lastID],
// scoped to featureSlug when one is given.
func (s *Store) DeleteVerificationRange(ctx context.Context, firstID, lastID int64, featureSlug string) error {
	query := `DELETE FROM verifications WHERE id >= ? AND id <= ?`
	args := []any{firstID, lastID}
	if featureSlug != "" {
		query += ` AND feature_slug = ?`
		args = append(args, featureSlug)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to delete drained verifications").
			Mark(ierr.ErrShardStore)
	}
	return nil
}

func (s *Store) CountUsage(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&count); err != nil {
		return 0, ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	return count, nil
}

func (s *Store) CountVerifications(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM verifications`).Scan(&count); err != nil {
		return 0, ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	return count, nil
}
