package dto

import (
	"math"
	"time"

	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/flexprice/usagegate/internal/validator"
	"github.com/shopspring/decimal"
)

// VerifyRequest asks whether one feature call is allowed for a customer.
type VerifyRequest struct {
	CustomerID  string `json:"customerId" validate:"required"`
	FeatureSlug string `json:"featureSlug" validate:"required"`
	ProjectID   string `json:"projectId" validate:"required"`
	RequestID   string `json:"requestId"`
	// Timestamp is the client-observed call time in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
	// PerformanceStart is the caller's monotonic start mark in milliseconds,
	// used to report end-to-end latency back to the client.
	PerformanceStart int64 `json:"performanceStart"`
	// FlushTime optionally requests an earlier flush alarm, in seconds.
	FlushTime *int64         `json:"flushTime,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// FromCache answers from the read-through cache instead of the shard.
	FromCache bool `json:"fromCache,omitempty"`
}

func (r *VerifyRequest) Validate() error {
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if r.RequestID == "" {
		r.RequestID = types.GenerateRequestID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UTC().UnixMilli()
	}
	return nil
}

// VerifyResponse is the decision for one Verify call. Limit and Usage are
// string-encoded decimals on the wire.
type VerifyResponse struct {
	Allowed      bool               `json:"allowed"`
	Message      string             `json:"message,omitempty"`
	DeniedReason types.DeniedReason `json:"deniedReason,omitempty"`
	Limit        *decimal.Decimal   `json:"limit,omitempty"`
	Usage        *decimal.Decimal   `json:"usage,omitempty"`
	Latency      *decimal.Decimal   `json:"latency,omitempty"`
	CacheHit     bool               `json:"cacheHit,omitempty"`
}

// NewDeniedVerifyResponse builds a denial with the reason's canonical message.
func NewDeniedVerifyResponse(reason types.DeniedReason, limit, usage *decimal.Decimal) *VerifyResponse {
	return &VerifyResponse{
		Allowed:      false,
		Message:      reason.Message(),
		DeniedReason: reason,
		Limit:        limit,
		Usage:        usage,
	}
}

// ReportRequest records consumed usage against a customer's entitlement.
type ReportRequest struct {
	CustomerID     string `json:"customerId" validate:"required"`
	FeatureSlug    string `json:"featureSlug" validate:"required"`
	ProjectID      string `json:"projectId" validate:"required"`
	IdempotenceKey string `json:"idempotenceKey" validate:"required"`
	RequestID      string `json:"requestId"`
	Timestamp      int64  `json:"timestamp"`
	// Usage is the consumed amount. Must be finite and non-negative.
	Usage     float64        `json:"usage"`
	FlushTime *int64         `json:"flushTime,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (r *ReportRequest) Validate() error {
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if math.IsNaN(r.Usage) || math.IsInf(r.Usage, 0) || r.Usage < 0 {
		return ierr.NewError("usage must be a finite non-negative number").
			WithHint("Reported usage is invalid").
			WithReportableDetails(map[string]any{
				"usage": r.Usage,
			}).
			Mark(ierr.ErrValidation)
	}
	if r.RequestID == "" {
		r.RequestID = types.GenerateRequestID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UTC().UnixMilli()
	}
	return nil
}

// UsageDecimal returns the reported usage as a decimal.
func (r *ReportRequest) UsageDecimal() decimal.Decimal {
	return decimal.NewFromFloat(r.Usage)
}

// ReportResponse is the outcome of one Report call. On success Usage carries
// the new cycle usage after the report was applied.
type ReportResponse struct {
	Allowed      bool               `json:"allowed"`
	Message      string             `json:"message,omitempty"`
	Limit        *decimal.Decimal   `json:"limit,omitempty"`
	Usage        *decimal.Decimal   `json:"usage,omitempty"`
	DeniedReason types.DeniedReason `json:"deniedReason,omitempty"`
	CacheHit     bool               `json:"cacheHit,omitempty"`
}

// NewDeniedReportResponse builds a denial with the reason's canonical message.
func NewDeniedReportResponse(reason types.DeniedReason, limit, usage *decimal.Decimal) *ReportResponse {
	return &ReportResponse{
		Allowed:      false,
		Message:      reason.Message(),
		DeniedReason: reason,
		Limit:        limit,
		Usage:        usage,
	}
}

// EntitlementUsage is one feature's live counters in a usage snapshot.
type EntitlementUsage struct {
	FeatureSlug       string            `json:"featureSlug"`
	FeatureType       types.FeatureType `json:"featureType"`
	Enabled           bool              `json:"enabled"`
	CurrentCycleUsage decimal.Decimal   `json:"currentCycleUsage"`
	AccumulatedUsage  decimal.Decimal   `json:"accumulatedUsage"`
	Limit             *decimal.Decimal  `json:"limit,omitempty"`
	LimitType         types.LimitType   `json:"limitType"`
	CycleStart        int64             `json:"cycleStart,omitempty"` // epoch ms
	CycleEnd          int64             `json:"cycleEnd,omitempty"`   // epoch ms
	IsTrial           bool              `json:"isTrial,omitempty"`
}

// UsageResponse is the snapshot of every live entitlement in a shard.
type UsageResponse struct {
	CustomerID   string             `json:"customerId"`
	ProjectID    string             `json:"projectId,omitempty"`
	Entitlements []EntitlementUsage `json:"entitlements"`
}

// PrewarmRequest hydrates a customer's shard ahead of traffic.
type PrewarmRequest struct {
	CustomerID string `json:"customerId" validate:"required"`
	ProjectID  string `json:"projectId" validate:"required"`
}

func (r *PrewarmRequest) Validate() error {
	return validator.ValidateRequest(r)
}

// PrewarmResponse reports how many entitlements were hydrated.
type PrewarmResponse struct {
	Warmed       int      `json:"warmed"`
	FeatureSlugs []string `json:"featureSlugs,omitempty"`
}

// ResetRequest wipes a customer's shard state, e.g. on sign-out.
type ResetRequest struct {
	CustomerID string `json:"customerId" validate:"required"`
	ProjectID  string `json:"projectId" validate:"required"`
}

func (r *ResetRequest) Validate() error {
	return validator.ValidateRequest(r)
}

// ResetResponse lists the feature slugs that existed before the wipe so the
// caller can invalidate any downstream caches.
type ResetResponse struct {
	FeatureSlugs []string `json:"featureSlugs"`
}
