// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stores

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultHotCacheMaxWeight = 64 << 20
	DefaultHotCacheTTL       = 10 * time.Minute
	hotCacheShardExponent    = 3
)

type hotCacheEntry struct {
	key       string
	weight    int64
	expiresAt time.Time
}

type hotCacheShard struct {
	mu        sync.Mutex
	lru       *list.List
	items     map[string]*list.Element
	weight    int64
	maxWeight int64
}

// HotKeyCache remembers which keys exist in a partition store. It carries no values:
// the store stays authoritative, so an eviction can never lose data.
// Entries weigh len(key) + len(value) and the least recently used entries are evicted once a shard
// exceeds its share of the max weight. Entries older than the TTL are treated as absent.
type HotKeyCache struct {
	shards    []*hotCacheShard
	mod       uint64
	ttl       time.Duration
	now       func() time.Time
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func NewHotKeyCache(maxWeight int64, ttl time.Duration) *HotKeyCache {
	if maxWeight <= 0 {
		maxWeight = DefaultHotCacheMaxWeight
	}
	if ttl <= 0 {
		ttl = DefaultHotCacheTTL
	}
	n := 2 << hotCacheShardExponent
	shards := make([]*hotCacheShard, n)
	for i := range shards {
		shards[i] = &hotCacheShard{
			lru:       list.New(),
			items:     make(map[string]*list.Element),
			maxWeight: maxWeight / int64(n),
		}
	}
	return &HotKeyCache{shards: shards, mod: uint64(n - 1), ttl: ttl, now: time.Now}
}

func (c *HotKeyCache) shard(key []byte) *hotCacheShard {
	return c.shards[xxhash.Sum64(key)&c.mod]
}

// Contains reports whether key is known to exist. A hit refreshes the entry's recency, not its TTL.
func (c *HotKeyCache) Contains(key []byte) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[string(key)]
	if !ok {
		c.misses.Add(1)
		return false
	}
	entry := el.Value.(*hotCacheEntry)
	if c.now().After(entry.expiresAt) {
		s.remove(el)
		c.misses.Add(1)
		return false
	}
	s.lru.MoveToFront(el)
	c.hits.Add(1)
	return true
}

// Add records that key exists with a value of valueSize bytes. Returns the number of evicted entries.
func (c *HotKeyCache) Add(key []byte, valueSize int) int {
	s := c.shard(key)
	weight := int64(len(key) + valueSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	expiresAt := c.now().Add(c.ttl)
	if el, ok := s.items[k]; ok {
		entry := el.Value.(*hotCacheEntry)
		s.weight += weight - entry.weight
		entry.weight = weight
		entry.expiresAt = expiresAt
		s.lru.MoveToFront(el)
	} else {
		s.items[k] = s.lru.PushFront(&hotCacheEntry{key: k, weight: weight, expiresAt: expiresAt})
		s.weight += weight
	}
	evicted := 0
	for s.weight > s.maxWeight && s.lru.Len() > 0 {
		s.remove(s.lru.Back())
		evicted++
	}
	if evicted > 0 {
		c.evictions.Add(int64(evicted))
	}
	return evicted
}

func (c *HotKeyCache) Remove(key []byte) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[string(key)]; ok {
		s.remove(el)
	}
}

func (s *hotCacheShard) remove(el *list.Element) {
	entry := s.lru.Remove(el).(*hotCacheEntry)
	delete(s.items, entry.key)
	s.weight -= entry.weight
}

// Clear drops every entry. Called when the owning partition is revoked.
func (c *HotKeyCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Init()
		s.items = make(map[string]*list.Element)
		s.weight = 0
		s.mu.Unlock()
	}
}

func (c *HotKeyCache) Len() (n int) {
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return
}

func (c *HotKeyCache) Weight() (w int64) {
	for _, s := range c.shards {
		s.mu.Lock()
		w += s.weight
		s.mu.Unlock()
	}
	return
}

type HotKeyCacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

func (c *HotKeyCache) Stats() HotKeyCacheStats {
	return HotKeyCacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
