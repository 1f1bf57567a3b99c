package testutil

import (
	"context"
	"sync"

	"github.com/flexprice/usagegate/internal/domain/entitlement"
	ierr "github.com/flexprice/usagegate/internal/errors"
)

// InMemoryEntitlementProvider implements entitlement.Provider over a map.
// It counts calls so tests can assert how often the primary DB was hit.
type InMemoryEntitlementProvider struct {
	mu sync.Mutex

	// keyed by projectID:customerID:featureSlug
	entitlements map[string]*entitlement.Entitlement
	synced       []*entitlement.Entitlement

	getCalls  int
	listCalls int
	syncCalls int

	// GetErr, when set, fails every GetActiveEntitlement with it.
	GetErr error
}

func NewInMemoryEntitlementProvider() *InMemoryEntitlementProvider {
	return &InMemoryEntitlementProvider{
		entitlements: make(map[string]*entitlement.Entitlement),
	}
}

func providerKey(projectID, customerID, featureSlug string) string {
	return projectID + ":" + customerID + ":" + featureSlug
}

// Add registers an entitlement under its identity triple.
func (p *InMemoryEntitlementProvider) Add(e *entitlement.Entitlement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entitlements[providerKey(e.ProjectID, e.CustomerID, e.FeatureSlug)] = e.Clone()
}

// Remove drops an entitlement so subsequent lookups return not found.
func (p *InMemoryEntitlementProvider) Remove(projectID, customerID, featureSlug string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entitlements, providerKey(projectID, customerID, featureSlug))
}

func (p *InMemoryEntitlementProvider) GetActiveEntitlement(ctx context.Context, projectID, customerID, featureSlug string) (*entitlement.Entitlement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++

	if p.GetErr != nil {
		return nil, p.GetErr
	}
	e, ok := p.entitlements[providerKey(projectID, customerID, featureSlug)]
	if !ok {
		return nil, ierr.NewError("entitlement not found").
			WithHint("No active entitlement for this customer and feature").
			Mark(ierr.ErrNotFound)
	}
	return e.Clone(), nil
}

func (p *InMemoryEntitlementProvider) ListActiveEntitlements(ctx context.Context, projectID, customerID string) ([]*entitlement.Entitlement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++

	var result []*entitlement.Entitlement
	for _, e := range p.entitlements {
		if e.ProjectID == projectID && e.CustomerID == customerID {
			result = append(result, e.Clone())
		}
	}
	return result, nil
}

func (p *InMemoryEntitlementProvider) SyncUsage(ctx context.Context, entitlements []*entitlement.Entitlement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncCalls++
	for _, e := range entitlements {
		p.synced = append(p.synced, e.Clone())
	}
	return nil
}

func (p *InMemoryEntitlementProvider) GetCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getCalls
}

func (p *InMemoryEntitlementProvider) ListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

func (p *InMemoryEntitlementProvider) SyncCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncCalls
}

// Synced returns every entitlement pushed through SyncUsage, in order.
func (p *InMemoryEntitlementProvider) Synced() []*entitlement.Entitlement {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*entitlement.Entitlement, len(p.synced))
	copy(out, p.synced)
	return out
}
