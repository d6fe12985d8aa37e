/*
Copyright 2024-2026 ForgeGuard Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

This work is derived from github.com/golang/groupcache/lru
*/

package forgeguard

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/mailgun/holster/v4/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// LRUCache is an LRU cache of analyses with a uniform TTL. Expired entries
// are removed on access rather than by a background sweeper. Safe for
// concurrent use.
type LRUCache struct {
	mu        sync.Mutex
	cache     map[string]*list.Element
	ll        *list.List
	cacheSize int
	cacheLen  int64
	ttl       clock.Duration
	hits      uint64
	misses    uint64

	sizeMetric   prometheus.Gauge
	accessMetric *prometheus.CounterVec
}

var _ Cache = &LRUCache{}
var _ prometheus.Collector = &LRUCache{}

// NewLRUCache creates a cache holding at most maxSize analyses for at most
// ttl each. A maxSize of zero disables storage entirely; every Lookup is a
// miss. A ttl of zero expires entries immediately, which also disables
// caching.
func NewLRUCache(maxSize int, ttl clock.Duration) *LRUCache {
	if maxSize < 0 {
		maxSize = 0
	}

	return &LRUCache{
		cache:     make(map[string]*list.Element),
		ll:        list.New(),
		cacheSize: maxSize,
		ttl:       ttl,
		sizeMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeguard_cache_size",
			Help: "The number of analyses held in the LRU cache.",
		}),
		accessMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeguard_cache_access_count",
			Help: "Cache access counts.  Label \"type\" = hit|miss.",
		}, []string{"type"}),
	}
}

// Return unix epoch in milliseconds
func MillisecondNow() int64 {
	return clock.Now().UnixNano() / 1000000
}

// Store records the analysis for a fingerprint. Storing an existing
// fingerprint replaces the entry, refreshes its expiration and marks it most
// recently used. At capacity the least recently used entry is evicted before
// the insert, so the cache never exceeds its size even transiently.
func (c *LRUCache) Store(fingerprint string, analysis *Analysis) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := MillisecondNow()
	item := CacheItem{
		Fingerprint: fingerprint,
		Analysis:    analysis,
		CreatedAt:   now,
		// A non-positive ttl stores the entry already expired, so the next
		// Lookup evicts it.
		ExpireAt: now - 1,
	}
	if c.ttl > 0 {
		item.ExpireAt = now + c.ttl.Milliseconds()
	}

	// If the fingerprint already exists, replace the entry
	if ee, ok := c.cache[fingerprint]; ok {
		c.ll.MoveToFront(ee)
		ee.Value = item
		return
	}

	if c.cacheSize == 0 {
		return
	}

	if c.ll.Len() >= c.cacheSize {
		c.removeOldest()
	}
	ele := c.ll.PushFront(item)
	c.cache[fingerprint] = ele
	atomic.StoreInt64(&c.cacheLen, int64(c.ll.Len()))
}

// Lookup returns the analysis stored for a fingerprint and marks the entry
// most recently used.
func (c *LRUCache) Lookup(fingerprint string) (*Analysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, hit := c.cache[fingerprint]; hit {
		entry := ele.Value.(CacheItem)

		// If the entry has expired, remove it from the cache
		if entry.ExpireAt != 0 && entry.ExpireAt < MillisecondNow() {
			c.removeElement(ele)
			c.misses++
			c.accessMetric.WithLabelValues("miss").Add(1)
			return nil, false
		}

		c.hits++
		c.accessMetric.WithLabelValues("hit").Add(1)
		c.ll.MoveToFront(ele)
		return entry.Analysis, true
	}

	c.misses++
	c.accessMetric.WithLabelValues("miss").Add(1)
	return nil, false
}

// removeOldest removes the least recently used entry from the cache.
func (c *LRUCache) removeOldest() {
	ele := c.ll.Back()
	if ele != nil {
		c.removeElement(ele)
	}
}

func (c *LRUCache) removeElement(e *list.Element) {
	c.ll.Remove(e)
	kv := e.Value.(CacheItem)
	delete(c.cache, kv.Fingerprint)
	atomic.StoreInt64(&c.cacheLen, int64(c.ll.Len()))
}

// Returns the number of analyses in the cache.
func (c *LRUCache) Size() int64 {
	return atomic.LoadInt64(&c.cacheLen)
}

// Stats reports cache effectiveness since the cache was created.
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:     int64(c.ll.Len()),
		Capacity: c.cacheSize,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if total := c.hits + c.misses; total != 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Clear drops every entry and resets the hit and miss counters. The
// prometheus counters are cumulative and unaffected.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*list.Element)
	c.ll = list.New()
	c.hits = 0
	c.misses = 0
	atomic.StoreInt64(&c.cacheLen, 0)
}

func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = nil
	c.ll = nil
	atomic.StoreInt64(&c.cacheLen, 0)
	return nil
}

// Describe fetches prometheus metrics to be registered
func (c *LRUCache) Describe(ch chan<- *prometheus.Desc) {
	c.sizeMetric.Describe(ch)
	c.accessMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the cache
func (c *LRUCache) Collect(ch chan<- prometheus.Metric) {
	c.sizeMetric.Set(float64(c.Size()))
	c.sizeMetric.Collect(ch)
	c.accessMetric.Collect(ch)
}
