package interop

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/observability"
)

// Cache holds one gatekeeper per group id. The slot map has its own
// mutex; opening and swapping happen under the slot's gate, so a slow
// open in one group does not block the others.
type Cache struct {
	engine  Engine
	logger  *logrus.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	slots map[string]*Gatekeeper
}

// NewCache creates an empty cache that opens instances with engine
func NewCache(engine Engine, logger *logrus.Logger, metrics *observability.Metrics) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	return &Cache{
		engine:  engine,
		logger:  logger,
		metrics: metrics,
		slots:   make(map[string]*Gatekeeper),
	}
}

// Engine returns the engine instances are opened with
func (c *Cache) Engine() Engine {
	return c.engine
}

// Get returns the group's gatekeeper bound to binding's entry. An unbound
// slot is opened; a slot bound to another entry is swapped in place, so
// holders of the previous handle see the new version.
func (c *Cache) Get(ctx context.Context, binding Binding) (*Gatekeeper, error) {
	for {
		g := c.slot(binding.GroupID)
		err := g.ensure(ctx, binding)
		if errors.Is(err, ErrClosed) && g.isClosed() {
			// Disposed between lookup and use; start over with a new slot
			c.evict(binding.GroupID, g)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if _, bound := g.Binding(); !bound {
				c.evict(binding.GroupID, g)
			}
			return nil, err
		}
		return g, nil
	}
}

func (c *Cache) slot(groupID string) *Gatekeeper {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.slots[groupID]
	if !ok {
		g = newGatekeeper(c.engine, c.logger, c.metrics)
		c.slots[groupID] = g
	}
	return g
}

func (c *Cache) evict(groupID string, g *Gatekeeper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[groupID] == g {
		delete(c.slots, groupID)
	}
}

// Bound returns the binding of the group's loaded instance
func (c *Cache) Bound(groupID string) (Binding, bool) {
	c.mu.Lock()
	g, ok := c.slots[groupID]
	c.mu.Unlock()
	if !ok {
		return Binding{}, false
	}
	return g.Binding()
}

// Dispose closes and removes the group's slot. It reports whether a slot
// existed.
func (c *Cache) Dispose(groupID string) bool {
	c.mu.Lock()
	g, ok := c.slots[groupID]
	delete(c.slots, groupID)
	c.mu.Unlock()
	if !ok {
		return false
	}

	if err := g.Close(); err != nil {
		c.logger.Warnf("Failed to close interop for group %s: %v", groupID, err)
	}
	return true
}

// DisposeAll closes every slot
func (c *Cache) DisposeAll() {
	c.mu.Lock()
	slots := c.slots
	c.slots = make(map[string]*Gatekeeper)
	c.mu.Unlock()

	for groupID, g := range slots {
		if err := g.Close(); err != nil {
			c.logger.Warnf("Failed to close interop for group %s: %v", groupID, err)
		}
	}
}

// Len returns the number of slots
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
