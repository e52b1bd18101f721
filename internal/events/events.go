// Package events holds the catalog of event instances participants register for.
package events

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	id "sangha/pkg/domain"
	"sangha/pkg/platform/sentinel"
)

// Event is one occurrence of the recurring gathering.
type Event struct {
	ID        id.EventID `json:"id"`
	Name      string     `json:"name"`
	StartDate time.Time  `json:"startDate"`
	// ExternalRef is the event slug known to the order gateway.
	ExternalRef string `json:"externalRef"`
	// ItemID is the gateway product that represents one attendance.
	ItemID int `json:"itemId"`
}

// Source loads events from their system of record.
type Source interface {
	Get(ctx context.Context, eventID id.EventID) (*Event, error)
}

// InMemory is a Source seeded at startup.
type InMemory struct {
	mu     sync.RWMutex
	events map[id.EventID]Event
}

func NewInMemory(seed ...Event) *InMemory {
	c := &InMemory{events: make(map[id.EventID]Event, len(seed))}
	for _, e := range seed {
		c.events[e.ID] = e
	}
	return c
}

func (c *InMemory) Put(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[e.ID] = e
}

func (c *InMemory) Get(_ context.Context, eventID id.EventID) (*Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[eventID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &e, nil
}

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheCleanup = 10 * time.Minute
)

// Cached decorates a Source with a TTL cache. Misses are not cached.
type Cached struct {
	source Source
	cache  *gocache.Cache
}

func NewCached(source Source, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cached{source: source, cache: gocache.New(ttl, defaultCacheCleanup)}
}

func (c *Cached) Get(ctx context.Context, eventID id.EventID) (*Event, error) {
	if v, found := c.cache.Get(string(eventID)); found {
		if e, ok := v.(Event); ok {
			return &e, nil
		}
	}
	e, err := c.source.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(string(eventID), *e)
	return e, nil
}

// Invalidate drops a cached entry after the source changed.
func (c *Cached) Invalidate(eventID id.EventID) {
	c.cache.Delete(string(eventID))
}
