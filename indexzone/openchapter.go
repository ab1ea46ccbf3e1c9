// Package indexzone implements the per-zone request handler: the search
// and remove algorithms of spec.md section 4.3, the sparse-barrier
// simulation of section 4.4, and the OpenChapter buffer each zone owns.
// Grounded on storage_engine/bplustree's buffer-pool map+mutex shape,
// generalized from a page cache into the bounded (ChunkName, Metadata)
// set spec.md section 3 describes.
package indexzone

import (
	"sync"

	"dedupcore/record"
)

// OpenChapter is a bounded set of (ChunkName, Metadata) entries: the
// currently-writable chapter, per spec.md section 3.
type OpenChapter struct {
	mu       sync.Mutex
	capacity int
	entries  map[record.ChunkName]record.Metadata
}

// NewOpenChapter returns an empty OpenChapter with the given capacity.
func NewOpenChapter(capacity int) *OpenChapter {
	return &OpenChapter{capacity: capacity, entries: make(map[record.ChunkName]record.Metadata, capacity)}
}

func (o *OpenChapter) Find(name record.ChunkName) (record.Metadata, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.entries[name]
	return m, ok
}

func (o *OpenChapter) Put(name record.ChunkName, metadata record.Metadata) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[name] = metadata
}

// Remove implements remove_from_open_chapter, reporting whether the name
// was present.
func (o *OpenChapter) Remove(name record.ChunkName) (existed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, existed = o.entries[name]
	delete(o.entries, name)
	return existed
}

func (o *OpenChapter) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *OpenChapter) Full() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries) >= o.capacity
}

func (o *OpenChapter) Capacity() int { return o.capacity }

// Snapshot returns a stable copy of the current entries, used when the
// chapter closes and must be serialized to record pages.
func (o *OpenChapter) Snapshot() map[record.ChunkName]record.Metadata {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[record.ChunkName]record.Metadata, len(o.entries))
	for k, v := range o.entries {
		out[k] = v
	}
	return out
}

// Clear empties the chapter after it has been handed off for
// persistence, in preparation for the next virtual chapter.
func (o *OpenChapter) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = make(map[record.ChunkName]record.Metadata, o.capacity)
}
