package trader

import (
	"sync"

	"github.com/ofb/creek/pkg/models"
)

// BarCache holds the latest bar per symbol. The stream consumer is the
// only writer; signal evaluation reads concurrently.
type BarCache struct {
	mu     sync.RWMutex
	latest map[string]models.Bar
}

func NewBarCache() *BarCache {
	return &BarCache{
		latest: make(map[string]models.Bar),
	}
}

func (c *BarCache) Update(bar models.Bar) {
	c.mu.Lock()
	c.latest[bar.Symbol] = bar
	c.mu.Unlock()
}

func (c *BarCache) Latest(symbol string) (models.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bar, ok := c.latest[symbol]
	return bar, ok
}
