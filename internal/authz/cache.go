package authz

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kobai/internal/model"
)

// SettingsSource loads tenant AI settings from storage.
type SettingsSource interface {
	GetTenantSettings(ctx context.Context, tenantID uuid.UUID) (model.TenantSettings, error)
}

// SettingsCache is a short-TTL cache in front of a SettingsSource. Tenant
// settings are read on every AI call and change rarely.
//
// A tenant without settings is cached as a miss and reported as
// model.ErrNotFound until the entry expires. Other errors are not cached.
type SettingsCache struct {
	src   SettingsSource
	ttl   time.Duration
	group singleflight.Group

	mu      sync.RWMutex
	entries map[uuid.UUID]cachedSettings
	done    chan struct{}
	once    sync.Once
}

type cachedSettings struct {
	settings  model.TenantSettings
	found     bool
	expiresAt time.Time
}

// NewSettingsCache creates a cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewSettingsCache(src SettingsSource, ttl time.Duration) *SettingsCache {
	c := &SettingsCache{
		src:     src,
		ttl:     ttl,
		entries: make(map[uuid.UUID]cachedSettings),
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// GetTenantSettings returns cached settings, loading them on a miss.
// Concurrent misses for one tenant share a single load.
func (c *SettingsCache) GetTenantSettings(ctx context.Context, tenantID uuid.UUID) (model.TenantSettings, error) {
	if e, ok := c.get(tenantID); ok {
		if !e.found {
			return model.TenantSettings{}, model.ErrNotFound
		}
		return e.settings, nil
	}

	v, err, _ := c.group.Do(tenantID.String(), func() (any, error) {
		ts, err := c.src.GetTenantSettings(ctx, tenantID)
		switch {
		case err == nil:
			c.set(tenantID, cachedSettings{settings: ts, found: true})
		case errors.Is(err, model.ErrNotFound):
			c.set(tenantID, cachedSettings{})
		}
		return ts, err
	})
	if err != nil {
		return model.TenantSettings{}, err
	}
	return v.(model.TenantSettings), nil
}

// Invalidate drops a tenant's entry so the next read reloads it.
func (c *SettingsCache) Invalidate(tenantID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// Close stops the background eviction goroutine. Safe to call twice.
func (c *SettingsCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *SettingsCache) get(tenantID uuid.UUID) (cachedSettings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[tenantID]
	if !ok || time.Now().After(e.expiresAt) {
		return cachedSettings{}, false
	}
	return e, true
}

func (c *SettingsCache) set(tenantID uuid.UUID, e cachedSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.expiresAt = time.Now().Add(c.ttl)
	c.entries[tenantID] = e
}

// evictLoop removes expired entries every minute.
func (c *SettingsCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *SettingsCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
