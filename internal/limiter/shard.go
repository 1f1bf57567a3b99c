// Package limiter hosts the per-customer limiter shards. A shard is an
// actor: one goroutine owns all mutable state and executes operations
// from a mailbox one at a time, so Verify and Report for one customer are
// observed in call-arrival order. Durable state lives in an embedded
// per-customer store and every mutation is persisted, which makes
// hibernation transparent: a shard can be dropped from memory at any
// quiet moment and rebuilt from its store on the next call.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flexprice/usagegate/internal/colo"
	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/pubsub"
	"github.com/flexprice/usagegate/internal/repository"
	"github.com/flexprice/usagegate/internal/shardstore"
	"github.com/flexprice/usagegate/internal/sink"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	configKey            = "config"
	entitlementKeyPrefix = "entitlement:"
)

func entitlementKey(projectID, customerID, featureSlug string) string {
	return fmt.Sprintf("%s%s:%s:%s", entitlementKeyPrefix, projectID, customerID, featureSlug)
}

// ShardConfig is the shard's persisted identity. Colo is probed once on
// first creation and never mutated; LastSyncUsageAt is the epoch-ms
// timestamp of the last counter reconciliation to the primary DB.
type ShardConfig struct {
	Colo            string `json:"colo"`
	LastSyncUsageAt int64  `json:"lastSyncUsageAt"`
}

// ColoDetector resolves the datacenter a shard is created in.
type ColoDetector interface {
	Detect(ctx context.Context) string
}

// Deps carries the shared services a shard operates against. Bus is
// optional; a nil bus disables debug broadcasts and flush fan-out.
type Deps struct {
	Config   *config.Configuration
	Logger   *logger.Logger
	Provider *repository.CachedEntitlementProvider
	Sink     sink.Client
	Bus      pubsub.Publisher
	Colo     ColoDetector
}

var errShardStopped = ierr.NewError("shard has been stopped").
	WithHint("The shard was released; retry to create a fresh one").
	Mark(ierr.ErrShardNotReady)

// IsShardStopped reports whether err means the shard was torn down between
// lookup and dispatch. Callers should retry against a fresh shard.
func IsShardStopped(err error) bool {
	return ierr.Is(err, errShardStopped)
}

// Shard is one customer's limiter actor.
type Shard struct {
	customerID string
	region     string

	cfg      *config.Configuration
	logger   *logger.Logger
	provider *repository.CachedEntitlementProvider
	sink     sink.Client
	bus      pubsub.Publisher
	colo     ColoDetector

	mailbox  chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	lastActivity atomic.Int64
	subscribers  atomic.Int32

	// Everything below is owned by the mailbox goroutine and must only be
	// touched from inside it.
	store         *shardstore.Store
	initialized   bool
	shardCfg      ShardConfig
	featuresUsage map[string]*entitlement.Entitlement
	refreshing    map[string]bool

	alarmTimer *time.Timer
	alarmAt    time.Time

	debounce map[string]*debounceEntry

	broadcast *broadcaster
}

func newShard(region, customerID string, deps Deps) *Shard {
	s := &Shard{
		customerID:    customerID,
		region:        region,
		cfg:           deps.Config,
		logger:        deps.Logger.With("customer_id", customerID, "region", region),
		provider:      deps.Provider,
		sink:          deps.Sink,
		bus:           deps.Bus,
		colo:          deps.Colo,
		mailbox:       make(chan func(), 64),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
		featuresUsage: make(map[string]*entitlement.Entitlement),
		refreshing:    make(map[string]bool),
		debounce:      make(map[string]*debounceEntry),
	}
	s.broadcast = newBroadcaster(deps.Bus, deps.Config.EventBus.DebugTopicPrefix+customerID, s.logger)
	s.touch()
	go s.run()
	return s
}

func (s *Shard) CustomerID() string { return s.customerID }
func (s *Shard) Region() string     { return s.region }

func (s *Shard) run() {
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.quit:
			// Serve what is already queued, then signal stopped so late
			// callers fail fast instead of blocking forever.
			for {
				select {
				case fn := <-s.mailbox:
					fn()
				default:
					close(s.stopped)
					return
				}
			}
		}
	}
}

// do runs fn inside the mailbox and waits for it. The shard deliberately
// does not inherit the caller's cancellation: once an operation is queued
// it runs to completion so counters and durable state stay consistent
// even when the caller has given up.
func (s *Shard) do(ctx context.Context, fn func(ctx context.Context)) error {
	s.touch()
	opCtx := context.WithoutCancel(ctx)
	done := make(chan struct{})
	select {
	case s.mailbox <- func() { defer close(done); fn(opCtx) }:
	case <-s.stopped:
		return errShardStopped
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return errShardStopped
	}
}

// post enqueues fn without waiting for completion. Timer callbacks and
// background refreshes use it; it must never be called from inside the
// mailbox goroutine itself.
func (s *Shard) post(fn func(ctx context.Context)) {
	select {
	case s.mailbox <- func() { fn(context.Background()) }:
	case <-s.stopped:
	}
}

func (s *Shard) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.stopped
}

func (s *Shard) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor is how long ago the shard last saw an external call.
func (s *Shard) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// AddSubscriber pins the shard in memory while a debug stream is open.
func (s *Shard) AddSubscriber() {
	s.subscribers.Add(1)
	s.touch()
}

func (s *Shard) RemoveSubscriber() {
	s.subscribers.Add(-1)
}

func (s *Shard) HasSubscribers() bool {
	return s.subscribers.Load() > 0
}

// ensureInitialized hydrates the shard from its durable store. It runs
// inside the mailbox, so no Verify or Report can observe a partially
// hydrated state. Any failure wipes the in-memory map and the persisted
// config so the next call retries from a clean slate.
func (s *Shard) ensureInitialized(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	if err := s.initialize(ctx); err != nil {
		s.teardownAfterInitFailure(ctx)
		return err
	}
	s.initialized = true
	return nil
}

func (s *Shard) initialize(ctx context.Context) error {
	if s.store == nil {
		store, err := shardstore.Open(s.cfg.Limiter.DataDir, s.region, s.customerID)
		if err != nil {
			return err
		}
		s.store = store
	}
	s.featuresUsage = make(map[string]*entitlement.Entitlement)

	raw, found, err := s.store.GetKV(ctx, configKey)
	if err != nil {
		return err
	}
	if found {
		if err := json.UnmarshalFromString(raw, &s.shardCfg); err != nil {
			return ierr.WithError(err).
				WithHint("Persisted shard config is corrupt").
				Mark(ierr.ErrShardStore)
		}
	} else {
		s.shardCfg = ShardConfig{Colo: s.detectColo(ctx)}
		if err := s.persistConfig(ctx); err != nil {
			return err
		}
	}

	entries, err := s.store.ListKV(ctx, entitlementKeyPrefix)
	if err != nil {
		return err
	}
	for key, value := range entries {
		var e entitlement.Entitlement
		if err := json.UnmarshalFromString(value, &e); err != nil {
			return ierr.WithError(err).
				WithHintf("Persisted entitlement %s is corrupt", key).
				Mark(ierr.ErrShardStore)
		}
		s.featuresUsage[e.FeatureSlug] = &e
	}
	return nil
}

func (s *Shard) teardownAfterInitFailure(ctx context.Context) {
	s.featuresUsage = make(map[string]*entitlement.Entitlement)
	s.initialized = false
	if s.store != nil {
		if err := s.store.DeleteKV(ctx, configKey); err != nil {
			s.logger.Errorw("failed to clear shard config after init failure", "error", err)
		}
	}
}

func (s *Shard) detectColo(ctx context.Context) string {
	if s.colo == nil {
		return colo.DefaultColo
	}
	return s.colo.Detect(ctx)
}

func (s *Shard) persistConfig(ctx context.Context) error {
	raw, err := json.MarshalToString(s.shardCfg)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	return s.store.PutKV(ctx, configKey, raw)
}

func (s *Shard) persistEntitlement(ctx context.Context, e *entitlement.Entitlement) error {
	raw, err := json.MarshalToString(e)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	return s.store.PutKV(ctx, entitlementKey(e.ProjectID, s.customerID, e.FeatureSlug), raw)
}

func marshalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	raw, err := json.MarshalToString(m)
	if err != nil {
		return ""
	}
	return raw
}
