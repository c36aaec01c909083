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

package scocache

import (
	"container/list"
	"errors"
	"os"
	"sync"
)

var errInsufficientResources = errors.New("non-disposable SCO cache quota exceeded")

// fdCache is a bounded path -> *os.File LRU, avoiding a per-read open/close
// for recently touched SCOs (spec.md §4.2: "File descriptors are held in a
// bounded path -> fd LRU (size 32)").
type fdCache struct {
	mu    sync.Mutex
	cap   int
	items map[string]*list.Element
	order *list.List
}

type fdEntry struct {
	path string
	file *os.File
}

func newFDCache(capacity int) *fdCache {
	return &fdCache{
		cap:   capacity,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Open returns an *os.File for path, reusing a cached descriptor if present.
func (c *fdCache) Open(path string) (*os.File, error) {
	c.mu.Lock()
	if el, ok := c.items[path]; ok {
		c.order.MoveToFront(el)
		f := el.Value.(*fdEntry).file
		c.mu.Unlock()

		return f, nil
	}
	c.mu.Unlock()

	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.order.PushFront(&fdEntry{path: path, file: f})
	c.items[path] = el
	if c.order.Len() > c.cap {
		back := c.order.Back()
		evicted := back.Value.(*fdEntry)
		evicted.file.Close()
		delete(c.items, evicted.path)
		c.order.Remove(back)
	}

	return f, nil
}

// evict closes and drops path's cached descriptor, if any.
func (c *fdCache) evict(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[path]
	if !ok {
		return
	}
	el.Value.(*fdEntry).file.Close()
	delete(c.items, path)
	c.order.Remove(el)
}
