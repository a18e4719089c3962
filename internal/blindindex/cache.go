package blindindex

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/kenneth/edv-client/internal/cryptoutil"
)

// DefaultCacheCapacity is the bound spec.md §4.2 specifies for the HMAC
// output cache ("bounded LRU; ~1,000 entries").
const DefaultCacheCapacity = 1000

// hmacCache memoizes HMAC outputs keyed by (hmacId, base64url(data)) across
// compound-attribute construction and stream writes (see DESIGN.md for why
// this uses container/list instead of an ecosystem LRU package): a
// ~1000-entry cache doesn't need one — container/list plus a map gives the
// same O(1) get/put/evict an LRU needs.
type hmacCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element

	hits, misses int64
}

type cacheEntry struct {
	key   string
	value []byte
}

func newHMACCache(capacity int) *hmacCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &hmacCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func cacheKey(hmacID string, data []byte) string {
	return hmacID + ":" + cryptoutil.EncodeBase64URL(data)
}

func (c *hmacCache) get(hmacID string, data []byte) ([]byte, bool) {
	key := cacheKey(hmacID, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	c.ll.MoveToFront(elem)
	atomic.AddInt64(&c.hits, 1)
	return elem.Value.(*cacheEntry).value, true
}

func (c *hmacCache) put(hmacID string, data, value []byte) {
	key := cacheKey(hmacID, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.ll.PushFront(&cacheEntry{key: key, value: value})
	c.items[key] = elem

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Stats reports cumulative hit/miss counts for metrics export.
func (c *hmacCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
