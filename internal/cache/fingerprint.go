package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"plate-alert-service/internal/domain/detection"
)

// FingerprintCache remembers recent pipeline outcomes keyed by fingerprint.
// Entries expire on TTL; capacity is bounded with LRU eviction so a burst of
// unique fingerprints cannot grow it without limit. The cache is process
// local: losing it on restart only risks a duplicate notification.
type FingerprintCache struct {
	lru   *expirable.LRU[string, *detection.Event]
	group singleflight.Group
}

func New(capacity int, ttl time.Duration) *FingerprintCache {
	if capacity <= 0 {
		capacity = 512
	}
	return &FingerprintCache{
		lru: expirable.NewLRU[string, *detection.Event](capacity, nil, ttl),
	}
}

func (c *FingerprintCache) Lookup(fingerprint string) (*detection.Event, bool) {
	return c.lru.Get(fingerprint)
}

func (c *FingerprintCache) Store(fingerprint string, event *detection.Event) {
	c.lru.Add(fingerprint, event)
}

func (c *FingerprintCache) Len() int {
	return c.lru.Len()
}

func (c *FingerprintCache) Purge() {
	c.lru.Purge()
}

// Do serializes concurrent runs for the same fingerprint: the first caller
// executes fn, every concurrent duplicate blocks and receives the same event
// with shared=true. Sequential duplicates are handled by Lookup, not here.
func (c *FingerprintCache) Do(fingerprint string, fn func() (*detection.Event, error)) (*detection.Event, bool, error) {
	v, err, shared := c.group.Do(fingerprint, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*detection.Event), shared, nil
}
