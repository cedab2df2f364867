package definitions

import (
	"context"
	"sync"
	"time"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/persistence"
)

// DefaultTTL bounds how long a cached definition may be served without a
// repository round-trip.
const DefaultTTL = 5 * time.Minute

type cacheEntry struct {
	def       *models.Definition
	expiresAt time.Time
}

// Cache is a read-through TTL cache over the definition repository. It is an
// explicit dependency of the orchestrator — never package-global — and exposes
// invalidation hooks for the authoring surface to call on writes.
type Cache struct {
	mu      sync.RWMutex
	repo    persistence.DefinitionRepository
	ttl     time.Duration
	entries map[string]cacheEntry

	listExpiresAt time.Time
	list          []*models.Definition

	now func() time.Time
}

func NewCache(repo persistence.DefinitionRepository, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		repo:    repo,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// WithClock overrides the time source for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get returns the definition, from cache when fresh. Disabled definitions are
// still returned by id so in-flight runs keep working after a toggle.
func (c *Cache) Get(ctx context.Context, id string) (*models.Definition, error) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		return entry.def, nil
	}

	def, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[id] = cacheEntry{def: def, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return def, nil
}

// All returns every enabled definition, for intent matching.
func (c *Cache) All(ctx context.Context) ([]*models.Definition, error) {
	c.mu.RLock()
	fresh := c.list != nil && c.now().Before(c.listExpiresAt)
	list := c.list
	c.mu.RUnlock()

	if fresh {
		return list, nil
	}

	defs, err := c.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	enabled := make([]*models.Definition, 0, len(defs))
	for _, def := range defs {
		if def.Enabled && def.DeletedAt == nil {
			enabled = append(enabled, def)
		}
	}

	c.mu.Lock()
	c.list = enabled
	c.listExpiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()

	return enabled, nil
}

// Invalidate drops one definition after an authoring write.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	c.list = nil
}

// InvalidateAll drops everything, e.g. after a bulk import.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
	c.list = nil
}
