package devicestate

import (
	"context"
	"time"

	"github.com/edgemind/edgemind/internal/infra"
	"github.com/edgemind/edgemind/pkg/models"
)

// CacheConfig sizes the read cache in front of a Store.
type CacheConfig struct {
	Capacity int
	TTL      time.Duration
}

// DefaultCacheConfig returns the read-cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Capacity: 1000, TTL: 5 * time.Minute}
}

// CachedStore wraps a Store with an LRU/TTL cache of recent Get results.
// Every write path invalidates the affected entry before delegating, so a
// read after a write always observes the committed state.
type CachedStore struct {
	Store
	cache *infra.TTLCache[string, *models.DeviceState]
}

// NewCachedStore wraps inner with a read cache.
func NewCachedStore(inner Store, cfg CacheConfig) *CachedStore {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheConfig().Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	return &CachedStore{
		Store: inner,
		cache: infra.NewTTLCache[string, *models.DeviceState](infra.CacheConfig{
			DefaultTTL: cfg.TTL,
			MaxSize:    cfg.Capacity,
		}),
	}
}

// Get serves from cache when possible.
func (s *CachedStore) Get(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	if state, ok := s.cache.Get(deviceID); ok {
		return state.Clone(), nil
	}
	state, err := s.Store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(deviceID, state.Clone())
	return state, nil
}

// Save invalidates before writing through.
func (s *CachedStore) Save(ctx context.Context, state *models.DeviceState) error {
	if state != nil {
		s.cache.Delete(state.DeviceID)
	}
	return s.Store.Save(ctx, state)
}

// UpdateOnline invalidates before writing through.
func (s *CachedStore) UpdateOnline(ctx context.Context, deviceID string, online bool) error {
	s.cache.Delete(deviceID)
	return s.Store.UpdateOnline(ctx, deviceID, online)
}

// UpdateMetric invalidates before writing through.
func (s *CachedStore) UpdateMetric(ctx context.Context, deviceID, name string, point models.MetricPoint) error {
	s.cache.Delete(deviceID)
	return s.Store.UpdateMetric(ctx, deviceID, name, point)
}

// UpdateMetrics invalidates before writing through.
func (s *CachedStore) UpdateMetrics(ctx context.Context, deviceID string, metrics map[string]models.MetricPoint) error {
	s.cache.Delete(deviceID)
	return s.Store.UpdateMetrics(ctx, deviceID, metrics)
}

// Delete invalidates before writing through.
func (s *CachedStore) Delete(ctx context.Context, deviceID string) error {
	s.cache.Delete(deviceID)
	return s.Store.Delete(ctx, deviceID)
}

// CacheStats exposes the read cache's counters for introspection.
func (s *CachedStore) CacheStats() infra.CacheStats {
	return s.cache.Stats()
}

// Close stops the cache's background cleanup.
func (s *CachedStore) Close() {
	s.cache.Stop()
}
