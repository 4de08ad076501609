package policy

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// decisionCache is a small LRU with TTL keyed on environment, mode and URL.
type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element
	now  func() time.Time
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
		now:  time.Now,
	}
}

func cacheKey(input *SourceInput, env, mode string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input.URL))
	return fmt.Sprintf("%s|%s|%d|%x", env, mode, input.Depth, h.Sum64())
}

func (c *decisionCache) Get(input *SourceInput, env, mode string) (*Decision, bool) {
	key := cacheKey(input, env, mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(cacheEntry)
	if !ce.expiresAt.After(c.now()) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	d := ce.decision
	return &d, true
}

func (c *decisionCache) Set(input *SourceInput, env, mode string, d *Decision) {
	key := cacheKey(input, env, mode)
	entry := cacheEntry{key: key, expiresAt: c.now().Add(c.ttl), decision: *d}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			delete(c.m, lru.Value.(cacheEntry).key)
			c.list.Remove(lru)
		}
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Clear drops every entry; called after policies are reloaded.
func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}
