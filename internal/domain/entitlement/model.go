package entitlement

import (
	"time"

	"github.com/flexprice/usagegate/internal/cycle"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/shopspring/decimal"
)

// PlaceholderID marks a sentinel entitlement memoizing a not-found lookup.
const PlaceholderID = "placeholder"

// SubscriptionPhase is the slice of the subscription that currently governs
// an entitlement's billing cycle.
type SubscriptionPhase struct {
	ID                   string         `json:"id"`
	StartAt              time.Time      `json:"startAt"`
	EndAt                *time.Time     `json:"endAt,omitempty"`
	TrialEndsAt          *time.Time     `json:"trialEndsAt,omitempty"`
	BillingAnchor        cycle.Anchor   `json:"billingAnchor"`
	BillingInterval      cycle.Interval `json:"billingInterval"`
	BillingIntervalCount int            `json:"billingIntervalCount"`
}

// CycleParams maps the phase onto the cycle calculator's input.
func (p SubscriptionPhase) CycleParams() cycle.Params {
	return cycle.Params{
		EffectiveStart: p.StartAt,
		EffectiveEnd:   p.EndAt,
		TrialEndsAt:    p.TrialEndsAt,
		Config: cycle.Config{
			Interval:      p.BillingInterval,
			IntervalCount: p.BillingIntervalCount,
			Anchor:        p.BillingAnchor,
		},
	}
}

// Entitlement is the authoritative per-(customer, feature) record the
// limiter shard serves Verify and Report from. Usage counters are decimals
// and serialize as strings to avoid float drift.
type Entitlement struct {
	ID                   string `json:"id"`
	CustomerID           string `json:"customerId"`
	ProjectID            string `json:"projectId"`
	FeatureSlug          string `json:"featureSlug"`
	FeaturePlanVersionID string `json:"featurePlanVersionId"`
	SubscriptionID       string `json:"subscriptionId"`
	SubscriptionPhaseID  string `json:"subscriptionPhaseId"`
	SubscriptionItemID   string `json:"subscriptionItemId"`

	FeatureType types.FeatureType `json:"featureType"`
	Enabled     bool              `json:"enabled"`

	CurrentCycleUsage decimal.Decimal `json:"currentCycleUsage"`
	AccumulatedUsage  decimal.Decimal `json:"accumulatedUsage"`
	LastUsageUpdateAt int64           `json:"lastUsageUpdateAt"` // epoch ms
	ResetedAt         int64           `json:"resetedAt"`         // epoch ms
	UpdatedAtM        int64           `json:"updatedAtM"`        // epoch ms

	Limit     *decimal.Decimal `json:"limit,omitempty"` // nil means unlimited
	LimitType types.LimitType  `json:"limitType"`
	Units     *decimal.Decimal `json:"units,omitempty"`

	ActivePhase SubscriptionPhase `json:"activePhase"`
}

// NewPlaceholder builds the sentinel that suppresses refresh stampedes after
// a not-found lookup.
func NewPlaceholder(projectID, customerID, featureSlug string, nowMs int64) *Entitlement {
	return &Entitlement{
		ID:          PlaceholderID,
		ProjectID:   projectID,
		CustomerID:  customerID,
		FeatureSlug: featureSlug,
		UpdatedAtM:  nowMs,
	}
}

func (e *Entitlement) IsPlaceholder() bool {
	return e.ID == PlaceholderID
}

// Clone returns a deep copy, used to snapshot state before suspension points.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Limit != nil {
		l := *e.Limit
		clone.Limit = &l
	}
	if e.Units != nil {
		u := *e.Units
		clone.Units = &u
	}
	if e.ActivePhase.EndAt != nil {
		end := *e.ActivePhase.EndAt
		clone.ActivePhase.EndAt = &end
	}
	if e.ActivePhase.TrialEndsAt != nil {
		trial := *e.ActivePhase.TrialEndsAt
		clone.ActivePhase.TrialEndsAt = &trial
	}
	return &clone
}

// CycleParams maps the active phase onto the cycle calculator's input.
func (e *Entitlement) CycleParams() cycle.Params {
	return e.ActivePhase.CycleParams()
}

// Validate performs validation on the entitlement
func (e *Entitlement) Validate() error {
	if e.IsPlaceholder() {
		return nil
	}
	if e.CustomerID == "" {
		return ierr.NewError("customer_id is required").
			WithHint("Please provide a valid customer ID").
			Mark(ierr.ErrValidation)
	}
	if e.ProjectID == "" {
		return ierr.NewError("project_id is required").
			WithHint("Please provide a valid project ID").
			Mark(ierr.ErrValidation)
	}
	if e.FeatureSlug == "" {
		return ierr.NewError("feature_slug is required").
			WithHint("Please provide a valid feature slug").
			Mark(ierr.ErrValidation)
	}
	if err := e.FeatureType.Validate(); err != nil {
		return ierr.WithError(err).
			WithHint("Invalid feature type").
			WithReportableDetails(map[string]any{
				"feature_type": e.FeatureType,
			}).
			Mark(ierr.ErrValidation)
	}
	if e.LimitType != "" {
		if err := e.LimitType.Validate(); err != nil {
			return ierr.WithError(err).
				WithHint("Invalid limit type").
				WithReportableDetails(map[string]any{
					"limit_type": e.LimitType,
				}).
				Mark(ierr.ErrValidation)
		}
	}
	if e.CurrentCycleUsage.IsNegative() {
		return ierr.NewError("current cycle usage cannot be negative").
			WithHint("Usage counters must be non-negative").
			Mark(ierr.ErrValidation)
	}
	return nil
}
