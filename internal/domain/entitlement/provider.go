package entitlement

import (
	"context"
)

// Provider reads and reconciles entitlements against the system of record.
// The limiter shard hydrates through it on cold starts and pushes counter
// snapshots back on the sync cadence.
type Provider interface {
	// GetActiveEntitlement returns the live entitlement for the customer and
	// feature, or an ErrNotFound-marked error when none exists.
	GetActiveEntitlement(ctx context.Context, projectID, customerID, featureSlug string) (*Entitlement, error)

	// ListActiveEntitlements returns every live entitlement of the customer.
	ListActiveEntitlements(ctx context.Context, projectID, customerID string) ([]*Entitlement, error)

	// SyncUsage pushes the shard's counter snapshot back to the system of
	// record. Last write wins; the shard is the authority within a cycle.
	SyncUsage(ctx context.Context, entitlements []*Entitlement) error
}
