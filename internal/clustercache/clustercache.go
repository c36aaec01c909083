/*
Copyright 2024 The VolumeDriver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clustercache implements the in-memory, content- or
// location-addressed cache of cluster-sized payloads shared across volumes
// (spec.md §2/§4.1): an optional per-volume layer consulted ahead of the SCO
// cache and the backend.
package clustercache

import (
	"container/list"
	"sync"

	"github.com/nimbusvol/volumedriver/internal/model"
)

// Key addresses one cache entry. In LocationBased mode Hash is ignored and
// Volume+Address identify the entry; in ContentBased mode Volume+Address
// are ignored and Hash alone identifies it, enabling cross-volume dedup.
type Key struct {
	Mode    model.CacheMode
	Volume  string
	Address model.ClusterAddress
	Hash    model.Hash
}

func locationKey(volume string, addr model.ClusterAddress) Key {
	return Key{Mode: model.LocationBased, Volume: volume, Address: addr}
}

func contentKey(hash model.Hash) Key {
	return Key{Mode: model.ContentBased, Hash: hash}
}

// Cache is a process-wide, size-bounded LRU of cluster payloads (spec.md
// §9: "Global mutable state ... Model as process-wide services with
// explicit init/shutdown").
type Cache struct {
	mu       sync.Mutex
	capacity uint64
	size     uint64
	entries  map[Key]*list.Element
	order    *list.List // front = most recently used

	// contentLocations indexes ContentBased writes by hash so the write
	// path can dedupe before allocating new SCO space (spec.md §4.1 step
	// 3): unlike entries/order above it holds no payload, just the
	// location the hash was first written to, so it isn't subject to the
	// same capacity-in-clusters eviction -- its size is bounded only by the
	// number of distinct payloads ever written.
	contentLocations map[model.Hash]model.ClusterLocation
}

type cacheEntry struct {
	key     Key
	payload []byte
}

// New returns an empty Cache bounded at capacity clusters.
func New(capacity uint64) *Cache {
	return &Cache{
		capacity:         capacity,
		entries:          make(map[Key]*list.Element),
		order:            list.New(),
		contentLocations: make(map[model.Hash]model.ClusterLocation),
	}
}

func (c *Cache) touch(el *list.Element) {
	c.order.MoveToFront(el)
}

func (c *Cache) evictLocked() {
	for c.size > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*cacheEntry)
		delete(c.entries, e.key)
		c.order.Remove(back)
		c.size--
	}
}

// GetByLocation looks up a LocationBased entry for (volume, addr).
func (c *Cache) GetByLocation(volume string, addr model.ClusterAddress) ([]byte, bool) {
	return c.get(locationKey(volume, addr))
}

// GetByContent looks up a ContentBased entry for hash.
func (c *Cache) GetByContent(hash model.Hash) ([]byte, bool) {
	return c.get(contentKey(hash))
}

func (c *Cache) get(k Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	c.touch(el)

	return el.Value.(*cacheEntry).payload, true
}

// PutLocation inserts or refreshes a LocationBased entry, evicting LRU
// entries if the cache is over capacity.
func (c *Cache) PutLocation(volume string, addr model.ClusterAddress, payload []byte) {
	c.put(locationKey(volume, addr), payload)
}

// PutContent inserts or refreshes a ContentBased entry keyed by hash,
// deduplicating identical payloads across volumes.
func (c *Cache) PutContent(hash model.Hash, payload []byte) {
	c.put(contentKey(hash), payload)
}

func (c *Cache) put(k Key, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[k]; ok {
		el.Value.(*cacheEntry).payload = payload
		c.touch(el)

		return
	}

	el := c.order.PushFront(&cacheEntry{key: k, payload: payload})
	c.entries[k] = el
	c.size++
	c.evictLocked()
}

// GetContentLocation returns the ClusterLocation a payload with hash was
// first written to, if this cache has seen that hash before (spec.md §4.1
// step 3 ContentBased dedupe).
func (c *Cache) GetContentLocation(hash model.Hash) (model.ClusterLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	loc, ok := c.contentLocations[hash]

	return loc, ok
}

// PutContentLocation records that hash's payload lives at loc, the first
// time a ContentBased write sees that hash.
func (c *Cache) PutContentLocation(hash model.Hash, loc model.ClusterLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.contentLocations[hash]; !ok {
		c.contentLocations[hash] = loc
	}
}

// Invalidate drops a LocationBased entry, used when a cluster location is
// rewritten by a scrub relocation.
func (c *Cache) Invalidate(volume string, addr model.ClusterAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := locationKey(volume, addr)
	if el, ok := c.entries[k]; ok {
		delete(c.entries, k)
		c.order.Remove(el)
		c.size--
	}
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Policy bundles the per-volume cluster cache configuration of spec.md §2.
type Policy struct {
	On    model.CachePolicy
	Mode  model.CacheMode
	Limit uint64
}
