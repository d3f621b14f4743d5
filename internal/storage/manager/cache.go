package manager

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/assetbay/assetbay/internal/metrics"
	"github.com/assetbay/assetbay/internal/storage"
)

// clientKey identifies one cached backend client.
type clientKey struct {
	TenantID string
	Backend  storage.BackendID
}

// clientCache holds constructed backend adapters per (tenant, backend) so
// repeated requests avoid reconnect overhead. Not required for correctness;
// entries are evicted LRU and invalidated explicitly on credential rotation.
type clientCache struct {
	lru *lru.Cache[clientKey, storage.Backend]
}

func newClientCache(size int) (*clientCache, error) {
	c, err := lru.New[clientKey, storage.Backend](size)
	if err != nil {
		return nil, err
	}
	return &clientCache{lru: c}, nil
}

func (c *clientCache) get(key clientKey) (storage.Backend, bool) {
	b, ok := c.lru.Get(key)
	metrics.RecordClientCache(ok)
	return b, ok
}

func (c *clientCache) put(key clientKey, b storage.Backend) {
	c.lru.Add(key, b)
}

// invalidate drops every cached client for a tenant. Called when the
// tenant's credentials rotate.
func (c *clientCache) invalidate(tenantID string) {
	for _, key := range c.lru.Keys() {
		if key.TenantID == tenantID {
			c.lru.Remove(key)
		}
	}
}
