// Package sparsecache implements the sparse chapter cache collaborator
// used by the sparse-barrier simulation (spec.md section 4.4) and by
// search's fallback lookup for non-sample names in sparse chapters
// (spec.md section 4.3). Grounded on storage_engine/bufferpool.BufferPool's
// map+access-order LRU eviction discipline, generalized from caching
// pages to caching (name -> chapter) sightings.
package sparsecache

import (
	"math"
	"sync"

	"dedupcore/geometry"
	"dedupcore/record"
)

// AllChapters is the chapter_hint value meaning "search the whole sparse
// window", matching UINT64_MAX in spec.md section 6.
const AllChapters = geometry.VirtualChapterNumber(math.MaxUint64)

// Cache is the sparse-cache collaborator contract.
type Cache interface {
	// SearchInZone implements search_sparse_cache_in_zone.
	SearchInZone(zoneNumber uint32, name record.ChunkName, chapterHint geometry.VirtualChapterNumber) (found bool, chapter geometry.VirtualChapterNumber, err error)

	// ExecuteBarrier implements execute_sparse_cache_barrier_message: it
	// promotes chapter to most-recently-used across every zone so its
	// entries survive eviction long enough to be read.
	ExecuteBarrier(virtualChapter geometry.VirtualChapterNumber) error

	// Record adds a (name -> chapter) sighting for zoneNumber, evicting
	// the least-recently-used entry if the zone's cache is full.
	Record(zoneNumber uint32, name record.ChunkName, chapter geometry.VirtualChapterNumber)

	// Invalidate drops name's entry from every zone, used when a name is
	// deleted or re-homed out of the sparse window.
	Invalidate(name record.ChunkName)
}

type lruEntry struct {
	name       record.ChunkName
	chapter    geometry.VirtualChapterNumber
	prev, next *lruEntry
}

type zoneCache struct {
	mu       sync.Mutex
	capacity int
	byName   map[record.ChunkName]*lruEntry
	head     *lruEntry // most-recently-used
	tail     *lruEntry // least-recently-used
}

func newZoneCache(capacity int) *zoneCache {
	return &zoneCache{capacity: capacity, byName: make(map[record.ChunkName]*lruEntry)}
}

func (z *zoneCache) unlink(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		z.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		z.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (z *zoneCache) pushFront(e *lruEntry) {
	e.prev = nil
	e.next = z.head
	if z.head != nil {
		z.head.prev = e
	}
	z.head = e
	if z.tail == nil {
		z.tail = e
	}
}

func (z *zoneCache) touch(e *lruEntry) {
	if z.head == e {
		return
	}
	z.unlink(e)
	z.pushFront(e)
}

func (z *zoneCache) put(name record.ChunkName, chapter geometry.VirtualChapterNumber) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if e, ok := z.byName[name]; ok {
		e.chapter = chapter
		z.touch(e)
		return
	}

	if z.capacity > 0 && len(z.byName) >= z.capacity && z.tail != nil {
		victim := z.tail
		z.unlink(victim)
		delete(z.byName, victim.name)
	}

	e := &lruEntry{name: name, chapter: chapter}
	z.byName[name] = e
	z.pushFront(e)
}

func (z *zoneCache) get(name record.ChunkName, chapterHint geometry.VirtualChapterNumber) (bool, geometry.VirtualChapterNumber) {
	z.mu.Lock()
	defer z.mu.Unlock()

	e, ok := z.byName[name]
	if !ok {
		return false, 0
	}
	if chapterHint != AllChapters && e.chapter != chapterHint {
		return false, 0
	}
	z.touch(e)
	return true, e.chapter
}

func (z *zoneCache) invalidate(name record.ChunkName) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if e, ok := z.byName[name]; ok {
		z.unlink(e)
		delete(z.byName, name)
	}
}

func (z *zoneCache) promoteChapter(chapter geometry.VirtualChapterNumber) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for e := z.tail; e != nil; {
		prev := e.prev
		if e.chapter == chapter {
			z.unlink(e)
			z.pushFront(e)
		}
		e = prev
	}
}

// LRUCache is the concrete Cache, sharded per zone.
type LRUCache struct {
	zones []*zoneCache
}

// New constructs an LRUCache with capacityPerZone entries per zone.
func New(zoneCount uint32, capacityPerZone int) *LRUCache {
	zones := make([]*zoneCache, zoneCount)
	for i := range zones {
		zones[i] = newZoneCache(capacityPerZone)
	}
	return &LRUCache{zones: zones}
}

func (c *LRUCache) SearchInZone(zoneNumber uint32, name record.ChunkName, chapterHint geometry.VirtualChapterNumber) (bool, geometry.VirtualChapterNumber, error) {
	found, chapter := c.zones[zoneNumber].get(name, chapterHint)
	return found, chapter, nil
}

func (c *LRUCache) ExecuteBarrier(virtualChapter geometry.VirtualChapterNumber) error {
	for _, z := range c.zones {
		z.promoteChapter(virtualChapter)
	}
	return nil
}

func (c *LRUCache) Record(zoneNumber uint32, name record.ChunkName, chapter geometry.VirtualChapterNumber) {
	c.zones[zoneNumber].put(name, chapter)
}

func (c *LRUCache) Invalidate(name record.ChunkName) {
	for _, z := range c.zones {
		z.invalidate(name)
	}
}
