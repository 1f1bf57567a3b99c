package limiter

import (
	"context"
	"sort"
	"time"

	"github.com/flexprice/usagegate/internal/api/dto"
	"github.com/flexprice/usagegate/internal/cycle"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/samber/lo"
)

// Usage returns a snapshot of every live entitlement and its current
// cycle window. An empty projectID snapshots all projects.
func (s *Shard) Usage(ctx context.Context, projectID string) (*dto.UsageResponse, error) {
	var resp *dto.UsageResponse
	var opErr error
	if err := s.do(ctx, func(ctx context.Context) {
		if opErr = s.ensureInitialized(ctx); opErr != nil {
			return
		}
		resp = s.usageSnapshot(ctx, projectID)
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return resp, nil
}

func (s *Shard) usageSnapshot(ctx context.Context, projectID string) *dto.UsageResponse {
	now := time.Now().UTC()
	resp := &dto.UsageResponse{
		CustomerID:   s.customerID,
		ProjectID:    projectID,
		Entitlements: []dto.EntitlementUsage{},
	}

	slugs := lo.Keys(s.featuresUsage)
	sort.Strings(slugs)
	for _, slug := range slugs {
		e := s.featuresUsage[slug]
		if e.IsPlaceholder() || (projectID != "" && e.ProjectID != projectID) {
			continue
		}
		s.autoReset(ctx, e, now)

		item := dto.EntitlementUsage{
			FeatureSlug:       slug,
			FeatureType:       e.FeatureType,
			Enabled:           e.Enabled,
			CurrentCycleUsage: e.CurrentCycleUsage,
			AccumulatedUsage:  e.AccumulatedUsage,
			Limit:             e.Limit,
			LimitType:         e.LimitType,
		}
		if w, err := cycle.Calculate(e.CycleParams(), now); err == nil && w != nil {
			item.CycleStart = w.Start.UnixMilli()
			item.CycleEnd = w.End.UnixMilli()
			item.IsTrial = w.IsTrial
		}
		resp.Entitlements = append(resp.Entitlements, item)
	}
	return resp
}

// Prewarm hydrates every active entitlement of the project ahead of
// traffic. A shard whose last reconciliation is fresher than the sync
// interval is already warm and skips the primary DB entirely.
func (s *Shard) Prewarm(ctx context.Context, projectID string) (*dto.PrewarmResponse, error) {
	var resp *dto.PrewarmResponse
	var opErr error
	if err := s.do(ctx, func(ctx context.Context) {
		resp, opErr = s.prewarm(ctx, projectID)
	}); err != nil {
		return nil, err
	}
	return resp, opErr
}

func (s *Shard) prewarm(ctx context.Context, projectID string) (*dto.PrewarmResponse, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ttl := s.cfg.Limiter.TTLSyncUsage
	if s.shardCfg.LastSyncUsageAt > 0 && len(s.featuresUsage) > 0 &&
		now.UnixMilli()-s.shardCfg.LastSyncUsageAt < ttl.Milliseconds() {
		return &dto.PrewarmResponse{}, nil
	}

	if err := s.flush(ctx, ""); err != nil {
		s.logger.Warnw("pre-hydration flush failed, continuing", "error", err)
	}

	entitlements, err := s.provider.ListActiveEntitlements(ctx, projectID, s.customerID)
	if err != nil {
		return nil, err
	}

	slugs := make([]string, 0, len(entitlements))
	for _, fresh := range entitlements {
		fresh = fresh.Clone()
		fresh.UpdatedAtM = now.UnixMilli()
		if w, err := cycle.Calculate(fresh.CycleParams(), now); err == nil && w != nil && fresh.ResetedAt == 0 {
			fresh.ResetedAt = w.Start.UnixMilli()
		}
		s.featuresUsage[fresh.FeatureSlug] = fresh
		if err := s.persistEntitlement(ctx, fresh); err != nil {
			s.logger.Errorw("failed to persist prewarmed entitlement",
				"feature_slug", fresh.FeatureSlug,
				"error", err)
		}
		slugs = append(slugs, fresh.FeatureSlug)
	}

	s.shardCfg.LastSyncUsageAt = now.UnixMilli()
	if err := s.persistConfig(ctx); err != nil {
		s.logger.Errorw("failed to persist sync watermark", "error", err)
	}
	return &dto.PrewarmResponse{Warmed: len(slugs), FeatureSlugs: slugs}, nil
}

// Reset wipes the shard's state, e.g. on customer sign-out. Buffered
// records are flushed first; the wipe refuses to run while any remain, as
// deleting them would lose billable usage. Returns the feature slugs that
// existed so downstream caches can be invalidated.
func (s *Shard) Reset(ctx context.Context) (*dto.ResetResponse, error) {
	var resp *dto.ResetResponse
	var opErr error
	if err := s.do(ctx, func(ctx context.Context) {
		resp, opErr = s.reset(ctx)
	}); err != nil {
		return nil, err
	}
	return resp, opErr
}

func (s *Shard) reset(ctx context.Context) (*dto.ResetResponse, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	if err := s.flush(ctx, ""); err != nil {
		s.logger.Warnw("pre-reset flush failed", "error", err)
	}

	usageCount, err := s.store.CountUsage(ctx)
	if err != nil {
		return nil, err
	}
	verificationCount, err := s.store.CountVerifications(ctx)
	if err != nil {
		return nil, err
	}
	if usageCount > 0 || verificationCount > 0 {
		return nil, ierr.NewError("shard still holds buffered records").
			WithHint("Retry after the pending records have been flushed").
			WithReportableDetails(map[string]any{
				"usage_records": usageCount,
				"verifications": verificationCount,
			}).
			Mark(ierr.ErrInvalidOperation)
	}

	slugs := lo.Keys(s.featuresUsage)
	sort.Strings(slugs)

	s.clearTimers(ctx)
	if err := s.store.WipeKV(ctx); err != nil {
		return nil, err
	}
	s.featuresUsage = make(map[string]*entitlement.Entitlement)
	s.shardCfg = ShardConfig{}
	s.initialized = false

	return &dto.ResetResponse{FeatureSlugs: slugs}, nil
}

// Flush drains buffered records now. Used by shutdown and tests.
func (s *Shard) Flush(ctx context.Context) error {
	var opErr error
	if err := s.do(ctx, func(ctx context.Context) {
		opErr = s.flush(ctx, "")
	}); err != nil {
		return err
	}
	return opErr
}

// Hibernate releases the shard's in-memory state and stops its goroutine.
// Durable state stays intact; the next call against a fresh shard for the
// same customer rehydrates transparently.
func (s *Shard) Hibernate(ctx context.Context) error {
	var opErr error
	err := s.do(ctx, func(ctx context.Context) {
		s.clearTimers(ctx)
		s.featuresUsage = make(map[string]*entitlement.Entitlement)
		s.initialized = false
		if s.store != nil {
			opErr = s.store.Close()
			s.store = nil
		}
	})
	s.stop()
	if err != nil && !IsShardStopped(err) {
		return err
	}
	return opErr
}

// Close drains pending records, then hibernates.
func (s *Shard) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	if err := s.Hibernate(ctx); err != nil {
		return err
	}
	return flushErr
}
