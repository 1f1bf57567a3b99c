package limiter

import (
	"context"
	"time"

	"github.com/flexprice/usagegate/internal/api/dto"
	"github.com/flexprice/usagegate/internal/cycle"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	"github.com/flexprice/usagegate/internal/metrics"
	"github.com/flexprice/usagegate/internal/shardstore"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/shopspring/decimal"
)

// Verify answers whether one feature call is allowed. The decision and a
// verification record are produced inside the shard's serialized section.
func (s *Shard) Verify(ctx context.Context, req *dto.VerifyRequest) (*dto.VerifyResponse, error) {
	var resp *dto.VerifyResponse
	if err := s.do(ctx, func(ctx context.Context) {
		resp = s.verify(ctx, req)
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Shard) verify(ctx context.Context, req *dto.VerifyRequest) *dto.VerifyResponse {
	now := time.Now().UTC()

	if err := s.ensureInitialized(ctx); err != nil {
		s.logger.Errorw("shard initialization failed", "error", err)
		return s.finishVerify(ctx, req, nil, dto.NewDeniedVerifyResponse(types.DeniedReasonDONotInitialized, nil, nil), now)
	}

	e, reason := s.getEntitlement(ctx, req.ProjectID, req.FeatureSlug, now)
	if reason != "" {
		return s.finishVerify(ctx, req, e, dto.NewDeniedVerifyResponse(reason, nil, nil), now)
	}
	if e.IsPlaceholder() {
		return s.finishVerify(ctx, req, e, dto.NewDeniedVerifyResponse(types.DeniedReasonEntitlementNotFound, nil, nil), now)
	}

	s.autoReset(ctx, e, now)

	return s.finishVerify(ctx, req, e, checkLimit(e), now)
}

// checkLimit applies the per-feature-type allow rule. Flat features gate
// on Enabled; metered features deny only on a hard limit already reached.
func checkLimit(e *entitlement.Entitlement) *dto.VerifyResponse {
	if e.FeatureType == types.FeatureTypeFlat {
		if !e.Enabled {
			return dto.NewDeniedVerifyResponse(types.DeniedReasonEntitlementNotActive, nil, nil)
		}
		return &dto.VerifyResponse{Allowed: true}
	}

	usage := e.CurrentCycleUsage
	if e.Limit != nil && e.LimitType == types.LimitTypeHard && !usage.LessThan(*e.Limit) {
		return dto.NewDeniedVerifyResponse(types.DeniedReasonLimitExceeded, e.Limit, &usage)
	}
	return &dto.VerifyResponse{Allowed: true, Limit: e.Limit, Usage: &usage}
}

// finishVerify attaches latency, buffers the verification record, arms
// the flush alarm and emits metrics plus the debug broadcast.
func (s *Shard) finishVerify(ctx context.Context, req *dto.VerifyRequest, e *entitlement.Entitlement, resp *dto.VerifyResponse, now time.Time) *dto.VerifyResponse {
	latency := decimal.Zero
	if req.PerformanceStart > 0 {
		latency = decimal.NewFromInt(now.UnixMilli() - req.PerformanceStart)
	}
	resp.Latency = &latency

	if s.store != nil {
		rec := s.verificationRecord(req, e, resp, now, latency)
		if _, err := s.store.InsertVerification(ctx, rec); err != nil {
			s.logger.Errorw("failed to buffer verification",
				"feature_slug", req.FeatureSlug,
				"error", err)
			if resp.Allowed {
				resp = dto.NewDeniedVerifyResponse(types.DeniedReasonErrorInsertingVerify, resp.Limit, resp.Usage)
				resp.Latency = &latency
			}
		}
		s.ensureAlarmIsSet(req.FlushTime)
	}

	s.broadcast.emit(ctx, &dto.BroadcastEvent{
		Type:         dto.BroadcastTypeVerify,
		CustomerID:   s.customerID,
		FeatureSlug:  req.FeatureSlug,
		DeniedReason: resp.DeniedReason,
		Usage:        resp.Usage,
		Limit:        resp.Limit,
		Success:      resp.Allowed,
	})

	observeVerify(resp, latency)
	return resp
}

func observeVerify(resp *dto.VerifyResponse, latency decimal.Decimal) {
	result := "allowed"
	if !resp.Allowed {
		result = "denied"
	}
	metrics.VerifyTotal.WithLabelValues(result, resp.DeniedReason.String()).Inc()
	if ms, _ := latency.Float64(); ms > 0 {
		metrics.VerifyLatency.Observe(ms / 1000)
	}
}

func (s *Shard) verificationRecord(req *dto.VerifyRequest, e *entitlement.Entitlement, resp *dto.VerifyResponse, now time.Time, latency decimal.Decimal) *shardstore.VerificationRecord {
	success := 0
	if resp.Allowed {
		success = 1
	}
	rec := &shardstore.VerificationRecord{
		CustomerID:   s.customerID,
		ProjectID:    req.ProjectID,
		FeatureSlug:  req.FeatureSlug,
		RequestID:    req.RequestID,
		Timestamp:    req.Timestamp,
		Success:      success,
		Latency:      latency.String(),
		DeniedReason: resp.DeniedReason.String(),
		Metadata:     marshalMetadata(req.Metadata),
		CreatedAt:    now.UnixMilli(),
	}
	if e != nil && !e.IsPlaceholder() {
		rec.EntitlementID = e.ID
		rec.FeaturePlanVersionID = e.FeaturePlanVersionID
		rec.SubscriptionID = e.SubscriptionID
		rec.SubscriptionPhaseID = e.SubscriptionPhaseID
		rec.SubscriptionItemID = e.SubscriptionItemID
	}
	return rec
}

// VerifyFromCache answers from the read-through cache without entering the
// shard's serialized section. The verdict may lag the shard by up to one
// debounce interval; a verification record is still buffered via
// fire-and-forget. Falls back to a full Verify on a cache miss.
func (s *Shard) VerifyFromCache(ctx context.Context, req *dto.VerifyRequest) (*dto.VerifyResponse, error) {
	now := time.Now().UTC()
	e, found := s.provider.Peek(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug)
	if !found {
		return s.Verify(ctx, req)
	}
	s.touch()

	// Peek returns a clone, so the rollover adjustment below never leaks
	// into shared state.
	if w, err := cycle.Calculate(e.CycleParams(), now); err == nil && w != nil && e.ResetedAt < w.Start.UnixMilli() {
		e.CurrentCycleUsage = decimal.Zero
	}

	resp := checkLimit(e)
	latency := decimal.Zero
	if req.PerformanceStart > 0 {
		latency = decimal.NewFromInt(now.UnixMilli() - req.PerformanceStart)
	}
	resp.Latency = &latency
	resp.CacheHit = true

	recReq := *req
	recReq.Metadata = make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		recReq.Metadata[k] = v
	}
	recReq.Metadata["fromCache"] = true

	go s.post(func(ctx context.Context) {
		if err := s.ensureInitialized(ctx); err != nil {
			return
		}
		rec := s.verificationRecord(&recReq, e, resp, now, latency)
		if _, err := s.store.InsertVerification(ctx, rec); err != nil {
			s.logger.Warnw("failed to buffer cached verification", "error", err)
			return
		}
		s.ensureAlarmIsSet(req.FlushTime)
	})

	observeVerify(resp, latency)
	return resp, nil
}
