// Package registry provides the cached view of on-chain license state. The
// chain is the source of truth; this package layers a TTL memory cache on
// top and persists last-known-good views so a registry outage degrades to
// offline mode instead of hard denial.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/config"
	"github.com/tachi-protocol/gateway/internal/model"
	"github.com/tachi-protocol/gateway/internal/store"
	"github.com/tachi-protocol/gateway/pkg/chain"
)

// ErrUnavailable is returned when the chain is unreachable and no cached or
// persisted view exists to fall back on.
var ErrUnavailable = eris.New("registry: license state unavailable")

// ChainClient is the subset of the chain RPC client the registry uses.
type ChainClient interface {
	HasLicense(ctx context.Context, publisherAddress string) (bool, error)
	GetLicenseData(ctx context.Context, publisherAddress string) (*chain.LicenseData, error)
}

type cachedLicense struct {
	license   model.License
	fetchedAt time.Time
}

// Registry resolves a publisher's license with three tiers: fresh memory
// cache, live chain read, then stale fallback (memory or store) tagged as
// offline mode.
type Registry struct {
	client   ChainClient
	store    store.Store
	ttl      time.Duration
	staleMax time.Duration

	mu    sync.Mutex
	cache map[string]cachedLicense

	nowFunc func() time.Time
}

// New builds a Registry over the given chain client and store.
func New(client ChainClient, s store.Store, cfg config.RegistryConfig) *Registry {
	return &Registry{
		client:   client,
		store:    s,
		ttl:      time.Duration(cfg.TTLSecs) * time.Second,
		staleMax: time.Duration(cfg.StaleMaxSecs) * time.Second,
		cache:    make(map[string]cachedLicense),
		nowFunc:  time.Now,
	}
}

// Lookup resolves the license for a publisher. The returned license's
// Source records how it was obtained; callers use it to decide whether the
// view is authoritative or degraded.
func (r *Registry) Lookup(ctx context.Context, pub *model.Publisher) (*model.License, error) {
	now := r.nowFunc()

	r.mu.Lock()
	entry, ok := r.cache[pub.ID]
	r.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < r.ttl {
		lic := entry.license
		lic.Source = model.LicenseSourceCache
		return &lic, nil
	}

	lic, err := r.readChain(ctx, pub)
	if err == nil {
		r.mu.Lock()
		r.cache[pub.ID] = cachedLicense{license: *lic, fetchedAt: now}
		r.mu.Unlock()
		if perr := r.store.PutLicense(ctx, lic); perr != nil {
			zap.L().Warn("failed to persist license view",
				zap.String("publisher_id", pub.ID),
				zap.Error(perr))
		}
		return lic, nil
	}

	zap.L().Warn("chain license lookup failed, falling back",
		zap.String("publisher_id", pub.ID),
		zap.Error(err))

	// Stale memory view first, then the persisted last-known-good copy.
	if ok && now.Sub(entry.fetchedAt) < r.staleMax {
		lic := entry.license
		lic.Source = model.LicenseSourceOffline
		return &lic, nil
	}

	stored, serr := r.store.GetLicense(ctx, pub.ID)
	if serr != nil {
		zap.L().Warn("license cache read failed",
			zap.String("publisher_id", pub.ID),
			zap.Error(serr))
	}
	if stored != nil && now.Sub(stored.LastUpdated) < r.staleMax {
		lic := *stored
		lic.Source = model.LicenseSourceOffline
		return &lic, nil
	}

	return nil, eris.Wrapf(ErrUnavailable, "publisher %s", pub.ID)
}

// Invalidate drops the memory cache entry for a publisher.
func (r *Registry) Invalidate(publisherID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, publisherID)
}

// CacheSize reports the number of memory-cached license views.
func (r *Registry) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Registry) readChain(ctx context.Context, pub *model.Publisher) (*model.License, error) {
	has, err := r.client.HasLicense(ctx, pub.WalletAddress)
	if err != nil {
		return nil, err
	}

	lic := &model.License{
		PublisherID: pub.ID,
		Source:      model.LicenseSourceChain,
		LastUpdated: r.nowFunc(),
	}
	if !has {
		return lic, nil
	}

	data, err := r.client.GetLicenseData(ctx, pub.WalletAddress)
	if err != nil {
		return nil, err
	}
	lic.TokenID = data.TokenID
	lic.IsActive = data.Active
	return lic, nil
}
