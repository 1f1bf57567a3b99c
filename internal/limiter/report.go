package limiter

import (
	"context"
	"time"

	"github.com/flexprice/usagegate/internal/api/dto"
	"github.com/flexprice/usagegate/internal/metrics"
	"github.com/flexprice/usagegate/internal/shardstore"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/shopspring/decimal"
)

// Report records consumed usage against the customer's entitlement. The
// usage record is made durable before any counter mutates, so a crash
// between the two can only lose the in-memory delta, never the record.
func (s *Shard) Report(ctx context.Context, req *dto.ReportRequest) (*dto.ReportResponse, error) {
	var resp *dto.ReportResponse
	if err := s.do(ctx, func(ctx context.Context) {
		resp = s.report(ctx, req)
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Shard) report(ctx context.Context, req *dto.ReportRequest) *dto.ReportResponse {
	now := time.Now().UTC()

	if err := s.ensureInitialized(ctx); err != nil {
		s.logger.Errorw("shard initialization failed", "error", err)
		return s.finishReport(dto.NewDeniedReportResponse(types.DeniedReasonDONotInitialized, nil, nil))
	}

	e, reason := s.getEntitlement(ctx, req.ProjectID, req.FeatureSlug, now)
	if reason != "" {
		return s.finishReport(dto.NewDeniedReportResponse(reason, nil, nil))
	}
	if e.IsPlaceholder() {
		return s.finishReport(dto.NewDeniedReportResponse(types.DeniedReasonEntitlementNotFound, nil, nil))
	}

	usage := req.UsageDecimal()
	if usage.IsNegative() {
		return s.finishReport(dto.NewDeniedReportResponse(types.DeniedReasonIncorrectUsageReporting, nil, nil))
	}
	if e.FeatureType == types.FeatureTypeFlat {
		if !e.Enabled {
			return s.finishReport(dto.NewDeniedReportResponse(types.DeniedReasonEntitlementNotActive, nil, nil))
		}
		// Flat features never consume quota.
		usage = decimal.Zero
	}

	s.autoReset(ctx, e, now)

	newCycleUsage := e.CurrentCycleUsage.Add(usage)
	if e.FeatureType.IsMetered() && e.Limit != nil && e.LimitType == types.LimitTypeHard && newCycleUsage.GreaterThan(*e.Limit) {
		current := e.CurrentCycleUsage
		return s.finishReport(dto.NewDeniedReportResponse(types.DeniedReasonLimitExceeded, e.Limit, &current))
	}

	rec := &shardstore.UsageRecord{
		EntitlementID:        e.ID,
		CustomerID:           s.customerID,
		ProjectID:            req.ProjectID,
		FeatureSlug:          req.FeatureSlug,
		Usage:                usage.String(),
		Timestamp:            req.Timestamp,
		IdempotenceKey:       req.IdempotenceKey,
		RequestID:            req.RequestID,
		FeaturePlanVersionID: e.FeaturePlanVersionID,
		SubscriptionID:       e.SubscriptionID,
		SubscriptionPhaseID:  e.SubscriptionPhaseID,
		SubscriptionItemID:   e.SubscriptionItemID,
		Metadata:             marshalMetadata(req.Metadata),
		CreatedAt:            now.UnixMilli(),
	}
	if _, err := s.store.InsertUsage(ctx, rec); err != nil {
		s.logger.Errorw("failed to buffer usage record",
			"feature_slug", req.FeatureSlug,
			"error", err)
		current := e.CurrentCycleUsage
		return s.finishReport(dto.NewDeniedReportResponse(types.DeniedReasonErrorInsertingUsage, e.Limit, &current))
	}

	e.CurrentCycleUsage = newCycleUsage
	e.AccumulatedUsage = e.AccumulatedUsage.Add(usage)
	e.LastUsageUpdateAt = req.Timestamp
	e.UpdatedAtM = now.UnixMilli()
	if err := s.persistEntitlement(ctx, e); err != nil {
		// The usage record is already durable; the counters will heal on
		// the next successful persist or rehydration.
		s.logger.Errorw("failed to persist updated counters",
			"feature_slug", req.FeatureSlug,
			"error", err)
	}

	s.scheduleCacheWriteBack(ctx, req.FeatureSlug)
	s.ensureAlarmIsSet(req.FlushTime)

	result := newCycleUsage
	s.broadcast.emit(ctx, &dto.BroadcastEvent{
		Type:        dto.BroadcastTypeReportUsage,
		CustomerID:  s.customerID,
		FeatureSlug: req.FeatureSlug,
		Usage:       &result,
		Limit:       e.Limit,
		Success:     true,
	})

	return s.finishReport(&dto.ReportResponse{Allowed: true, Usage: &result, Limit: e.Limit})
}

func (s *Shard) finishReport(resp *dto.ReportResponse) *dto.ReportResponse {
	result := "allowed"
	if !resp.Allowed {
		result = "denied"
	}
	metrics.ReportTotal.WithLabelValues(result, resp.DeniedReason.String()).Inc()
	return resp
}
