package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cenkalti/backoff/v4"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// EntitlementProvider is the primary-DB implementation of
// entitlement.Provider, backed by the platform's postgres.
type EntitlementProvider struct {
	db     *sqlx.DB
	logger *logger.Logger
}

func NewEntitlementProvider(db *sqlx.DB, logger *logger.Logger) entitlement.Provider {
	return &EntitlementProvider{db: db, logger: logger}
}

// entitlementRow mirrors the entitlements table. Usage counters are TEXT so
// decimals survive the round-trip without float drift.
type entitlementRow struct {
	ID                   string         `db:"id"`
	CustomerID           string         `db:"customer_id"`
	ProjectID            string         `db:"project_id"`
	FeatureSlug          string         `db:"feature_slug"`
	FeaturePlanVersionID string         `db:"feature_plan_version_id"`
	SubscriptionID       string         `db:"subscription_id"`
	SubscriptionPhaseID  string         `db:"subscription_phase_id"`
	SubscriptionItemID   string         `db:"subscription_item_id"`
	FeatureType          string         `db:"feature_type"`
	Enabled              bool           `db:"enabled"`
	CurrentCycleUsage    string         `db:"current_cycle_usage"`
	AccumulatedUsage     string         `db:"accumulated_usage"`
	LastUsageUpdateAt    int64          `db:"last_usage_update_at"`
	ResetedAt            int64          `db:"reseted_at"`
	UpdatedAtM           int64          `db:"updated_at_m"`
	UsageLimit           sql.NullString `db:"usage_limit"`
	LimitType            string         `db:"limit_type"`
	Units                sql.NullString `db:"units"`
	ActivePhase          []byte         `db:"active_phase"`
}

const selectColumns = `
	id, customer_id, project_id, feature_slug, feature_plan_version_id,
	subscription_id, subscription_phase_id, subscription_item_id,
	feature_type, enabled, current_cycle_usage, accumulated_usage,
	last_usage_update_at, reseted_at, updated_at_m,
	usage_limit, limit_type, units, active_phase`

func (p *EntitlementProvider) GetActiveEntitlement(ctx context.Context, projectID, customerID, featureSlug string) (*entitlement.Entitlement, error) {
	query := `SELECT ` + selectColumns + `
		FROM entitlements
		WHERE project_id = $1 AND customer_id = $2 AND feature_slug = $3
		  AND status = 'active'
		ORDER BY updated_at_m DESC
		LIMIT 1`

	var row entitlementRow
	err := p.withRetry(ctx, func() error {
		return p.db.GetContext(ctx, &row, query, projectID, customerID, featureSlug)
	})
	if err != nil {
		if ierr.Is(err, sql.ErrNoRows) {
			return nil, ierr.NewError("entitlement not found").
				WithHintf("No active entitlement for feature %s", featureSlug).
				WithReportableDetails(map[string]any{
					"customer_id":  customerID,
					"feature_slug": featureSlug,
				}).
				Mark(ierr.ErrNotFound)
		}
		return nil, ierr.WithError(err).
			WithHint("Failed to fetch entitlement").
			Mark(ierr.ErrDatabase)
	}

	return row.toDomain()
}

func (p *EntitlementProvider) ListActiveEntitlements(ctx context.Context, projectID, customerID string) ([]*entitlement.Entitlement, error) {
	query := `SELECT ` + selectColumns + `
		FROM entitlements
		WHERE project_id = $1 AND customer_id = $2 AND status = 'active'
		ORDER BY feature_slug`

	var rows []entitlementRow
	err := p.withRetry(ctx, func() error {
		return p.db.SelectContext(ctx, &rows, query, projectID, customerID)
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list entitlements").
			Mark(ierr.ErrDatabase)
	}

	result := make([]*entitlement.Entitlement, 0, len(rows))
	for _, row := range rows {
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func (p *EntitlementProvider) SyncUsage(ctx context.Context, entitlements []*entitlement.Entitlement) error {
	if len(entitlements) == 0 {
		return nil
	}

	query := `UPDATE entitlements SET
		current_cycle_usage = :current_cycle_usage,
		accumulated_usage = :accumulated_usage,
		last_usage_update_at = :last_usage_update_at,
		reseted_at = :reseted_at,
		updated_at_m = :updated_at_m
		WHERE id = :id`

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to begin usage sync transaction").
			Mark(ierr.ErrDatabase)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entitlements {
		if e.IsPlaceholder() {
			continue
		}
		if _, err := tx.NamedExecContext(ctx, query, map[string]any{
			"id":                   e.ID,
			"current_cycle_usage":  e.CurrentCycleUsage.String(),
			"accumulated_usage":    e.AccumulatedUsage.String(),
			"last_usage_update_at": e.LastUsageUpdateAt,
			"reseted_at":           e.ResetedAt,
			"updated_at_m":         e.UpdatedAtM,
		}); err != nil {
			return ierr.WithError(err).
				WithHint("Failed to sync entitlement usage").
				WithReportableDetails(map[string]any{
					"entitlement_id": e.ID,
				}).
				Mark(ierr.ErrDatabase)
		}
	}

	if err := tx.Commit(); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to commit usage sync").
			Mark(ierr.ErrDatabase)
	}
	return nil
}

// withRetry retries transient failures with exponential backoff; not-found
// results are terminal.
func (p *EntitlementProvider) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 3), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ierr.Is(err, sql.ErrNoRows) {
			return backoff.Permanent(err)
		}
		p.logger.Warnw("retrying primary db query", "error", err)
		return err
	}, policy)
}

func (r entitlementRow) toDomain() (*entitlement.Entitlement, error) {
	currentCycleUsage, err := decimal.NewFromString(r.CurrentCycleUsage)
	if err != nil {
		return nil, invalidDecimal("current_cycle_usage", r.ID, err)
	}
	accumulatedUsage, err := decimal.NewFromString(r.AccumulatedUsage)
	if err != nil {
		return nil, invalidDecimal("accumulated_usage", r.ID, err)
	}

	e := &entitlement.Entitlement{
		ID:                   r.ID,
		CustomerID:           r.CustomerID,
		ProjectID:            r.ProjectID,
		FeatureSlug:          r.FeatureSlug,
		FeaturePlanVersionID: r.FeaturePlanVersionID,
		SubscriptionID:       r.SubscriptionID,
		SubscriptionPhaseID:  r.SubscriptionPhaseID,
		SubscriptionItemID:   r.SubscriptionItemID,
		FeatureType:          types.FeatureType(r.FeatureType),
		Enabled:              r.Enabled,
		CurrentCycleUsage:    currentCycleUsage,
		AccumulatedUsage:     accumulatedUsage,
		LastUsageUpdateAt:    r.LastUsageUpdateAt,
		ResetedAt:            r.ResetedAt,
		UpdatedAtM:           r.UpdatedAtM,
		LimitType:            types.LimitType(r.LimitType),
	}

	if r.UsageLimit.Valid {
		limit, err := decimal.NewFromString(r.UsageLimit.String)
		if err != nil {
			return nil, invalidDecimal("usage_limit", r.ID, err)
		}
		e.Limit = &limit
	}
	if r.Units.Valid {
		units, err := decimal.NewFromString(r.Units.String)
		if err != nil {
			return nil, invalidDecimal("units", r.ID, err)
		}
		e.Units = &units
	}

	if len(r.ActivePhase) > 0 {
		if err := json.Unmarshal(r.ActivePhase, &e.ActivePhase); err != nil {
			return nil, ierr.WithError(err).
				WithHint("Stored subscription phase is malformed").
				WithReportableDetails(map[string]any{
					"entitlement_id": r.ID,
				}).
				Mark(ierr.ErrDatabase)
		}
	}

	return e, nil
}

func invalidDecimal(column, id string, err error) error {
	return ierr.WithError(err).
		WithHintf("Stored %s is not a valid decimal", column).
		WithReportableDetails(map[string]any{
			"entitlement_id": id,
			"column":         column,
		}).
		Mark(ierr.ErrDatabase)
}
