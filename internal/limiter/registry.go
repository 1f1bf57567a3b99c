package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/flexprice/usagegate/internal/metrics"
	"github.com/sourcegraph/conc/pool"
)

// Registry owns the two-level region → customer map of live shards.
// Shards are created on first use and hibernated by a janitor once they
// sit idle with no open debug streams; a hibernated shard's next call
// simply creates a fresh actor over the same durable store.
type Registry struct {
	deps Deps

	mu      sync.RWMutex
	regions map[string]map[string]*Shard

	janitorStop chan struct{}
	stopOnce    sync.Once
}

func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:        deps,
		regions:     make(map[string]map[string]*Shard),
		janitorStop: make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Shard returns the live shard for a customer, creating it if needed.
// The (region, customerID) pair is stable for a customer, so repeated
// calls always land on the same actor.
func (r *Registry) Shard(region, customerID string) *Shard {
	r.mu.RLock()
	if s := r.regions[region][customerID]; s != nil {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	byCustomer := r.regions[region]
	if byCustomer == nil {
		byCustomer = make(map[string]*Shard)
		r.regions[region] = byCustomer
	}
	if s := byCustomer[customerID]; s != nil {
		return s
	}
	s := newShard(region, customerID, r.deps)
	byCustomer[customerID] = s
	metrics.ActiveShards.Inc()
	return s
}

// remove unregisters the shard if it is still the registered instance.
func (r *Registry) remove(region, customerID string, s *Shard) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.regions[region][customerID] != s {
		return false
	}
	delete(r.regions[region], customerID)
	if len(r.regions[region]) == 0 {
		delete(r.regions, region)
	}
	metrics.ActiveShards.Dec()
	return true
}

func (r *Registry) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.janitorStop:
			return
		}
	}
}

func (r *Registry) evictIdle() {
	after := r.deps.Config.Limiter.HibernateAfter
	if after <= 0 {
		return
	}

	type candidate struct {
		region     string
		customerID string
		shard      *Shard
	}
	var candidates []candidate
	r.mu.RLock()
	for region, byCustomer := range r.regions {
		for customerID, s := range byCustomer {
			if s.IdleFor() >= after && !s.HasSubscribers() {
				candidates = append(candidates, candidate{region, customerID, s})
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range candidates {
		if !r.remove(c.region, c.customerID, c.shard) {
			continue
		}
		if err := c.shard.Close(context.Background()); err != nil {
			r.deps.Logger.Warnw("shard hibernation failed",
				"customer_id", c.customerID,
				"region", c.region,
				"error", err)
		}
	}
}

// Shutdown flushes and stops every live shard. Called on server drain.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.janitorStop) })

	r.mu.Lock()
	var shards []*Shard
	for _, byCustomer := range r.regions {
		for _, s := range byCustomer {
			shards = append(shards, s)
		}
	}
	r.regions = make(map[string]map[string]*Shard)
	r.mu.Unlock()
	metrics.ActiveShards.Set(0)

	p := pool.New().WithErrors().WithContext(ctx)
	for _, s := range shards {
		s := s
		p.Go(func(ctx context.Context) error {
			return s.Close(ctx)
		})
	}
	return p.Wait()
}
