package types

import (
	"fmt"

	"github.com/samber/lo"
)

// FeatureType describes how usage against a feature is accounted.
type FeatureType string

const (
	// FeatureTypeFlat is an on/off switch; it never consumes quota.
	FeatureTypeFlat FeatureType = "flat"
	// FeatureTypeTier prices usage by tiers but meters it like usage.
	FeatureTypeTier FeatureType = "tier"
	// FeatureTypePackage sells usage in prepaid packages.
	FeatureTypePackage FeatureType = "package"
	// FeatureTypeUsage is plain pay-per-unit metering.
	FeatureTypeUsage FeatureType = "usage"
)

func (f FeatureType) String() string {
	return string(f)
}

// IsMetered reports whether Report calls accumulate quota for this type.
func (f FeatureType) IsMetered() bool {
	return f == FeatureTypeTier || f == FeatureTypePackage || f == FeatureTypeUsage
}

func (f FeatureType) Validate() error {
	allowed := []FeatureType{
		FeatureTypeFlat,
		FeatureTypeTier,
		FeatureTypePackage,
		FeatureTypeUsage,
	}
	if !lo.Contains(allowed, f) {
		return fmt.Errorf("invalid feature type: %s", f)
	}
	return nil
}

// LimitType describes how the cycle limit is enforced.
type LimitType string

const (
	// LimitTypeHard denies usage above the limit.
	LimitTypeHard LimitType = "hard"
	// LimitTypeSoft records overage but never denies.
	LimitTypeSoft LimitType = "soft"
	// LimitTypeNone disables enforcement entirely.
	LimitTypeNone LimitType = "none"
)

func (l LimitType) String() string {
	return string(l)
}

func (l LimitType) Validate() error {
	allowed := []LimitType{LimitTypeHard, LimitTypeSoft, LimitTypeNone}
	if !lo.Contains(allowed, l) {
		return fmt.Errorf("invalid limit type: %s", l)
	}
	return nil
}
