// Package router is the stateless front door over the shard registry. It
// memoizes denied Verify responses in a bounded LRU so abusive retries
// never reach the shard, short-circuits replayed Reports through an
// idempotency cache, and pins every customer to a stable jurisdiction.
package router

import (
	"context"
	"strconv"
	"time"

	"github.com/flexprice/usagegate/internal/api/dto"
	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/idempotency"
	"github.com/flexprice/usagegate/internal/limiter"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/metrics"
	"github.com/flexprice/usagegate/internal/repository"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// denialCacheTTL bounds how long a memoized denial can outlive the
	// condition that caused it.
	denialCacheTTL = 30 * time.Second
	// reportCacheTTL bounds the replay window of the idempotency cache.
	reportCacheTTL = time.Hour
)

// Service routes limiter calls to the right shard.
type Service struct {
	cfg      *config.Configuration
	logger   *logger.Logger
	registry *limiter.Registry
	provider *repository.CachedEntitlementProvider
	keygen   *idempotency.Generator

	// denials memoizes denied Verify responses only. Allowed responses
	// always go to the shard so a freed-up quota is observed immediately.
	denials *expirable.LRU[string, *dto.VerifyResponse]
	// reports caches Report responses by idempotence key.
	reports *gocache.Cache
	// jurisdictions pins each customer to the region of its first call.
	jurisdictions *gocache.Cache
}

func NewService(cfg *config.Configuration, log *logger.Logger, registry *limiter.Registry, provider *repository.CachedEntitlementProvider) *Service {
	capacity := cfg.Limiter.HashCacheCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	return &Service{
		cfg:           cfg,
		logger:        log,
		registry:      registry,
		provider:      provider,
		keygen:        idempotency.NewGenerator(),
		denials:       expirable.NewLRU[string, *dto.VerifyResponse](capacity, nil, denialCacheTTL),
		reports:       gocache.New(reportCacheTTL, 2*reportCacheTTL),
		jurisdictions: gocache.New(gocache.NoExpiration, 0),
	}
}

// Region returns the jurisdiction a customer's shard lives in. The
// decision is made once, on the customer's first call, and is sticky for
// the process lifetime so a customer always lands on the same shard.
func (s *Service) Region(ctx context.Context, customerID string) string {
	if region, found := s.jurisdictions.Get(customerID); found {
		return region.(string)
	}
	region := RegionDefault
	if s.cfg.Deployment.Environment.IsProduction() && isEUCountry(types.GetCustomerCountry(ctx)) {
		region = RegionEU
	}
	s.jurisdictions.SetDefault(customerID, region)
	return region
}

// Shard resolves the customer's shard. Exported for the debug stream
// handler, which needs to pin the shard while a connection is open.
func (s *Service) Shard(ctx context.Context, customerID string) *limiter.Shard {
	return s.registry.Shard(s.Region(ctx, customerID), customerID)
}

// Verify answers an entitlement check, absorbing repeat denials in the
// router-local cache.
func (s *Service) Verify(ctx context.Context, req *dto.VerifyRequest) (*dto.VerifyResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := s.denialKey(req.ProjectID, req.CustomerID, req.FeatureSlug)
	if cached, ok := s.denials.Get(key); ok {
		metrics.DenialCacheHits.Inc()
		resp := *cached
		resp.CacheHit = true
		return &resp, nil
	}

	resp, err := s.callVerify(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Allowed {
		s.denials.Add(key, resp)
	}
	return resp, nil
}

func (s *Service) callVerify(ctx context.Context, req *dto.VerifyRequest) (*dto.VerifyResponse, error) {
	shard := s.Shard(ctx, req.CustomerID)
	var resp *dto.VerifyResponse
	var err error
	if req.FromCache {
		resp, err = shard.VerifyFromCache(ctx, req)
	} else {
		resp, err = shard.Verify(ctx, req)
	}
	if limiter.IsShardStopped(err) {
		// The shard hibernated between lookup and dispatch; the retry
		// creates a fresh one over the same durable state.
		shard = s.Shard(ctx, req.CustomerID)
		if req.FromCache {
			return shard.VerifyFromCache(ctx, req)
		}
		return shard.Verify(ctx, req)
	}
	return resp, err
}

// Report applies a usage report, short-circuiting replays of the same
// idempotence key.
func (s *Service) Report(ctx context.Context, req *dto.ReportRequest) (*dto.ReportResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := s.reportKey(req)
	if cached, found := s.reports.Get(key); found {
		metrics.IdempotencyCacheHits.Inc()
		resp := *(cached.(*dto.ReportResponse))
		resp.CacheHit = true
		return &resp, nil
	}

	resp, err := s.callReport(ctx, req)
	if err != nil {
		return nil, err
	}
	s.reports.SetDefault(key, resp)
	return resp, nil
}

func (s *Service) callReport(ctx context.Context, req *dto.ReportRequest) (*dto.ReportResponse, error) {
	resp, err := s.Shard(ctx, req.CustomerID).Report(ctx, req)
	if limiter.IsShardStopped(err) {
		return s.Shard(ctx, req.CustomerID).Report(ctx, req)
	}
	return resp, err
}

// Usage returns the live snapshot of a customer's entitlements.
func (s *Service) Usage(ctx context.Context, customerID, projectID string) (*dto.UsageResponse, error) {
	resp, err := s.Shard(ctx, customerID).Usage(ctx, projectID)
	if limiter.IsShardStopped(err) {
		return s.Shard(ctx, customerID).Usage(ctx, projectID)
	}
	return resp, err
}

// Prewarm hydrates a customer's shard ahead of traffic.
func (s *Service) Prewarm(ctx context.Context, req *dto.PrewarmRequest) (*dto.PrewarmResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	resp, err := s.Shard(ctx, req.CustomerID).Prewarm(ctx, req.ProjectID)
	if limiter.IsShardStopped(err) {
		return s.Shard(ctx, req.CustomerID).Prewarm(ctx, req.ProjectID)
	}
	return resp, err
}

// Reset wipes a customer's shard and invalidates every derived cache
// entry for the features that existed.
func (s *Service) Reset(ctx context.Context, req *dto.ResetRequest) (*dto.ResetResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	resp, err := s.Shard(ctx, req.CustomerID).Reset(ctx)
	if limiter.IsShardStopped(err) {
		resp, err = s.Shard(ctx, req.CustomerID).Reset(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.provider.Invalidate(ctx, req.ProjectID, req.CustomerID, resp.FeatureSlugs)
	for _, slug := range resp.FeatureSlugs {
		s.denials.Remove(s.denialKey(req.ProjectID, req.CustomerID, slug))
	}
	return resp, nil
}

// StreamTopic is the pubsub topic carrying a customer's debug broadcasts.
func (s *Service) StreamTopic(customerID string) string {
	return s.cfg.EventBus.DebugTopicPrefix + customerID
}

func (s *Service) denialKey(projectID, customerID, featureSlug string) string {
	return s.keygen.GenerateKey(idempotency.ScopeVerify, map[string]interface{}{
		"project_id":   projectID,
		"customer_id":  customerID,
		"feature_slug": featureSlug,
	})
}

func (s *Service) reportKey(req *dto.ReportRequest) string {
	params := map[string]interface{}{
		"project_id":      req.ProjectID,
		"customer_id":     req.CustomerID,
		"feature_slug":    req.FeatureSlug,
		"idempotence_key": req.IdempotenceKey,
	}
	if !s.cfg.Deployment.Environment.IsProduction() {
		params["timestamp"] = strconv.FormatInt(req.Timestamp, 10)
	}
	return s.keygen.GenerateKey(idempotency.ScopeReport, params)
}
