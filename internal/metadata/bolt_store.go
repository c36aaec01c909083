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

package metadata

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/nimbusvol/volumedriver/internal/model"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")

	metaKeyCork    = []byte("cork")
	metaKeyScrubID = []byte("scrub_id")
)

// pageSize is the number of consecutive cluster addresses grouped into one
// page cache unit (spec.md §4.4 "page cache (max_pages)").
const pageSize = 512

type page struct {
	number  uint64
	entries map[model.ClusterAddress]model.Entry
}

// BoltStore is a Store backed by a local bbolt database, with an in-memory
// LRU page cache in front of it (spec.md §4.4's "local paged store").
type BoltStore struct {
	db *bbolt.DB

	mu       sync.Mutex
	maxPages int
	pages    map[uint64]*list.Element
	lru      *list.List // front = most recently used
	cork     uuid.UUID
	scrubID  uint64
	stats    Stats
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens (creating if absent) a bbolt database at path with a
// page cache capped at maxPages pages.
func OpenBoltStore(path string, maxPages int) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()

		return nil, err
	}

	s := &BoltStore{
		db:       db,
		maxPages: maxPages,
		pages:    make(map[uint64]*list.Element),
		lru:      list.New(),
	}

	if err := s.loadMeta(); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

func (s *BoltStore) loadMeta() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if v := b.Get(metaKeyCork); len(v) == 16 {
			copy(s.cork[:], v)
		}
		if v := b.Get(metaKeyScrubID); len(v) == 8 {
			s.scrubID = binary.BigEndian.Uint64(v)
		}

		return nil
	})
}

func pageNumber(addr model.ClusterAddress) uint64 {
	return uint64(addr) / pageSize
}

func encodeAddrKey(addr model.ClusterAddress) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(addr))

	return buf
}

func encodeEntryValue(e model.Entry) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], e.Location.SCONumber)
	binary.BigEndian.PutUint32(buf[8:12], e.Location.CloneID)
	binary.BigEndian.PutUint32(buf[12:16], e.Location.Offset)
	copy(buf[16:32], e.Hash[:])

	return buf
}

func decodeEntryValue(addr model.ClusterAddress, buf []byte) model.Entry {
	var e model.Entry
	e.Address = addr
	e.Location.SCONumber = binary.BigEndian.Uint64(buf[0:8])
	e.Location.CloneID = binary.BigEndian.Uint32(buf[8:12])
	e.Location.Offset = binary.BigEndian.Uint32(buf[12:16])
	copy(e.Hash[:], buf[16:32])

	return e
}

// touch records pn as most-recently-used and evicts the LRU tail if the
// cache has grown past maxPages.
func (s *BoltStore) touch(pn uint64, p *page) {
	if el, ok := s.pages[pn]; ok {
		s.lru.MoveToFront(el)

		return
	}
	el := s.lru.PushFront(p)
	s.pages[pn] = el
	if s.maxPages > 0 && len(s.pages) > s.maxPages {
		back := s.lru.Back()
		if back != nil {
			evicted := back.Value.(*page)
			delete(s.pages, evicted.number)
			s.lru.Remove(back)
			s.stats.Evictions++
		}
	}
}

func (s *BoltStore) cachedEntry(addr model.ClusterAddress) (model.Entry, bool) {
	pn := pageNumber(addr)
	el, ok := s.pages[pn]
	if !ok {
		return model.Entry{}, false
	}
	s.lru.MoveToFront(el)
	e, ok := el.Value.(*page).entries[addr]

	return e, ok
}

func (s *BoltStore) cachePut(addr model.ClusterAddress, e model.Entry) {
	pn := pageNumber(addr)
	el, ok := s.pages[pn]
	var p *page
	if ok {
		p = el.Value.(*page)
		s.lru.MoveToFront(el)
	} else {
		p = &page{number: pn, entries: make(map[model.ClusterAddress]model.Entry)}
		s.touch(pn, p)
	}
	p.entries[addr] = e
}

// Get implements Store.
func (s *BoltStore) Get(addr model.ClusterAddress) (model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cachedEntry(addr); ok {
		s.stats.Hits++

		return e, nil
	}
	s.stats.Misses++

	var e model.Entry
	e.Address = addr
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(encodeAddrKey(addr))
		if v != nil {
			e = decodeEntryValue(addr, v)
		}

		return nil
	})
	if err != nil {
		return model.Entry{}, err
	}
	s.cachePut(addr, e)

	return e, nil
}

// MultiSet implements Store.
func (s *BoltStore) MultiSet(entries []model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, e := range entries {
			if err := b.Put(encodeAddrKey(e.Address), encodeEntryValue(e)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.cachePut(e.Address, e)
	}

	return nil
}

// MultiGet implements Store.
func (s *BoltStore) MultiGet(addrs []model.ClusterAddress) ([]model.Entry, error) {
	out := make([]model.Entry, 0, len(addrs))
	for _, a := range addrs {
		e, err := s.Get(a)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	return out, nil
}

// LiveSCONumbers implements Store.
func (s *BoltStore) LiveSCONumbers() (map[uint64]struct{}, error) {
	live := make(map[uint64]struct{})

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			e := decodeEntryValue(model.ClusterAddress(binary.BigEndian.Uint64(k)), v)
			if e.Location.CloneID != 0 {
				return nil
			}
			live[e.Location.SCONumber] = struct{}{}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return live, nil
}

// Cork implements Store.
func (s *BoltStore) Cork(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cork = id

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaKeyCork, id[:])
	})
}

// UncorkUpTo implements Store. It does nothing: BoltStore tags no mutation
// with a cork and writes every MultiSet durably to its local bbolt file, so
// there is no per-cork state to flush or retire; page retirement is driven
// by the normal LRU path.
func (s *BoltStore) UncorkUpTo(_ uuid.UUID) error {
	return nil
}

// CurrentCork implements Store.
func (s *BoltStore) CurrentCork() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cork
}

// ApplyRelocations implements Store.
func (s *BoltStore) ApplyRelocations(scrubID uint64, cloneID uint32, relocations []Relocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scrubID < s.scrubID {
		return errors.New("metadata: stale scrub id, relocation batch superseded")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, r := range relocations {
			v := b.Get(encodeAddrKey(r.Address))
			if v != nil {
				cur := decodeEntryValue(r.Address, v)
				if cur.Location != r.OldLoc {
					continue // already superseded by a newer write, skip
				}
			}
			newEntry := model.Entry{Address: r.Address, Location: r.NewLoc}
			newEntry.Location.CloneID = cloneID
			if err := b.Put(encodeAddrKey(r.Address), encodeEntryValue(newEntry)); err != nil {
				return err
			}
		}

		return tx.Bucket(metaBucket).Put(metaKeyScrubID, encodeScrubID(scrubID+1))
	})
	if err != nil {
		return err
	}

	s.scrubID = scrubID + 1
	if len(relocations) > 0 {
		// conservative: invalidate the whole page cache rather than track
		// which pages the relocated addresses fall in.
		s.pages = make(map[uint64]*list.Element)
		s.lru.Init()
	}

	return nil
}

func encodeScrubID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)

	return buf
}

// ScrubID implements Store.
func (s *BoltStore) ScrubID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scrubID
}

// Clear implements Store.
func (s *BoltStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(entriesBucket)

		return err
	})
	if err != nil {
		return err
	}
	s.pages = make(map[uint64]*list.Element)
	s.lru.Init()

	return nil
}

// CatchUp implements Store. The bolt-backed store is already durable on
// every MultiSet, so catch-up is a read-only count rather than a replay.
func (s *BoltStore) CatchUp(_ bool) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(_, _ []byte) error {
			count++

			return nil
		})
	})

	return count, err
}

// Stats implements Store.
func (s *BoltStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.PagesUsed = len(s.pages)

	return st
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
