// Package masterindex implements the MasterIndex collaborator contract
// from spec.md section 6: a fingerprint -> (virtual chapter, collision
// bit) store, sharded per zone. The real UDS delta-list encoding
// (sparse/dense hash-bucketed lists keyed by a truncated fingerprint) is
// explicitly out of this core's scope (spec.md section 1); this package
// gives the core a concrete, pluggable stand-in so the request path has
// something real to drive. It is grounded on
// storage_engine/bufferpool.BufferPool's map+mutex shape, generalized from
// a page cache into a fingerprint table, plus xxhash (promoted from the
// teacher's indirect dependency) for sample selection.
package masterindex

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"dedupcore/ddcerr"
	"dedupcore/geometry"
	"dedupcore/internal/ioutilx"
	"dedupcore/record"
)

// Record mirrors MasterIndexRecord from spec.md section 3: the result of
// a lookup, plus enough identity to drive a later SetChapter/Put/Remove
// without a second lookup. Unlike the real delta list's private list
// cursor, our map-backed shard can simply re-key by name, since entries
// are addressed by full fingerprint rather than by physical slot.
type Record struct {
	Found        bool
	IsCollision  bool
	Chapter      geometry.VirtualChapterNumber
	name         record.ChunkName
	zone         uint32
}

// Name returns the fingerprint this record was looked up for.
func (r Record) Name() record.ChunkName { return r.name }

// Triage mirrors MasterIndexTriage from spec.md section 3.
type Triage struct {
	InSampledChapter bool
	VirtualChapter   geometry.VirtualChapterNumber
}

// ZoneIndex is the per-zone view of the master index. Per spec.md
// section 5, a zone's handle must not be used outside its owning zone.
type ZoneIndex interface {
	Get(name record.ChunkName) (Record, error)
	SetChapter(rec Record, vcn geometry.VirtualChapterNumber) error
	Put(rec Record, vcn geometry.VirtualChapterNumber) error
	Remove(rec Record) error
	IsSample(name record.ChunkName) bool
	SetOpenChapter(vcn geometry.VirtualChapterNumber)
	LookupTriage(name record.ChunkName) Triage
}

// MasterIndex is the full collaborator: a container of per-zone shards
// sharing one sampling configuration. Save/Load are how the core persists
// and restores it across a clean shutdown (spec.md section 4.1 phase 3
// registers the master index with the state store); they are not part of
// the real delta-list's on-disk format, which is out of this core's scope.
type MasterIndex interface {
	Zone(zoneNumber uint32) ZoneIndex
	Save(path string) error
	Load(path string) error
}

type entry struct {
	chapter     geometry.VirtualChapterNumber
	isCollision bool
}

type shard struct {
	mu          sync.RWMutex
	byName      map[record.ChunkName]entry
	openChapter geometry.VirtualChapterNumber
	maxEntries  int
}

// deltaIndex is the concrete MasterIndex: one shard per zone.
type deltaIndex struct {
	shards     []*shard
	geo        geometry.Geometry
	sampleRate uint64 // 1-in-N sampling; 0 disables sampling entirely
}

// Config configures the concrete delta index.
type Config struct {
	Geometry geometry.Geometry
	ZoneCount uint32
	// SampleRate makes roughly 1-in-N fingerprints a master-index
	// sample, mirroring UDS's sampling function. 0 means "no fingerprint
	// is ever a sample" (only meaningful for non-sparse geometries).
	SampleRate uint64
	// MaxEntriesPerZone bounds each zone's shard, simulating the real
	// delta list's fixed-size-per-zone memory budget. 0 means unbounded.
	MaxEntriesPerZone int
}

// New constructs a deltaIndex per spec.md section 4.1 phase 2
// ("build the master index from (config, zone_count, volume_nonce)").
// The nonce itself only affects the real on-disk delta-list encoding and
// has no bearing on this stand-in's behavior, so it is accepted but
// unused here.
func New(cfg Config, volumeNonce uint64) MasterIndex {
	_ = volumeNonce
	shards := make([]*shard, cfg.ZoneCount)
	for i := range shards {
		shards[i] = &shard{
			byName:     make(map[record.ChunkName]entry),
			maxEntries: cfg.MaxEntriesPerZone,
		}
	}
	return &deltaIndex{shards: shards, geo: cfg.Geometry, sampleRate: cfg.SampleRate}
}

func (d *deltaIndex) Zone(zoneNumber uint32) ZoneIndex {
	return &zoneView{shard: d.shards[zoneNumber], parent: d, zoneNumber: zoneNumber}
}

type onDiskEntry struct {
	Name        record.ChunkName              `json:"name"`
	Chapter     geometry.VirtualChapterNumber `json:"chapter"`
	IsCollision bool                          `json:"is_collision"`
}

type onDiskShard struct {
	Entries     []onDiskEntry                 `json:"entries"`
	OpenChapter geometry.VirtualChapterNumber  `json:"open_chapter"`
}

// Save persists every shard atomically, matching indexpagemap's
// write-temp/fsync/rename durability discipline. Used by a clean Save so
// the next Load can skip replaying chapters already reflected here.
func (d *deltaIndex) Save(path string) error {
	shards := make([]onDiskShard, len(d.shards))
	for i, s := range d.shards {
		s.mu.RLock()
		entries := make([]onDiskEntry, 0, len(s.byName))
		for name, e := range s.byName {
			entries = append(entries, onDiskEntry{Name: name, Chapter: e.chapter, IsCollision: e.isCollision})
		}
		shards[i] = onDiskShard{Entries: entries, OpenChapter: s.openChapter}
		s.mu.RUnlock()
	}

	data, err := json.Marshal(shards)
	if err != nil {
		return fmt.Errorf("master index: marshal: %w", err)
	}
	return ioutilx.WriteFileAtomic(path, data, 0644)
}

// Load restores previously-saved shards. A missing file is not an error:
// it signals there was never a clean save, which the loader interprets as
// "no index yet" rather than "corrupt".
func (d *deltaIndex) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("master index: read: %w", err)
	}

	var shards []onDiskShard
	if err := json.Unmarshal(data, &shards); err != nil {
		return fmt.Errorf("master index: parse: %w: %w", err, ddcerr.ErrCorruptComponent)
	}
	if len(shards) != len(d.shards) {
		return fmt.Errorf("master index: saved zone count %d does not match configured %d: %w", len(shards), len(d.shards), ddcerr.ErrCorruptComponent)
	}

	for i, onDisk := range shards {
		s := d.shards[i]
		s.mu.Lock()
		s.byName = make(map[record.ChunkName]entry, len(onDisk.Entries))
		for _, e := range onDisk.Entries {
			s.byName[e.Name] = entry{chapter: e.Chapter, isCollision: e.IsCollision}
		}
		s.openChapter = onDisk.OpenChapter
		s.mu.Unlock()
	}
	return nil
}

type zoneView struct {
	shard      *shard
	parent     *deltaIndex
	zoneNumber uint32
}

func (z *zoneView) Get(name record.ChunkName) (Record, error) {
	s := z.shard
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byName[name]
	if !ok {
		return Record{Found: false, name: name, zone: z.zoneNumber}, nil
	}
	return Record{
		Found:       true,
		IsCollision: e.isCollision,
		Chapter:     e.chapter,
		name:        name,
		zone:        z.zoneNumber,
	}, nil
}

func (z *zoneView) SetChapter(rec Record, vcn geometry.VirtualChapterNumber) error {
	s := z.shard
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byName[rec.name]
	if !ok {
		return fmt.Errorf("master index: set_record_chapter on absent name %s: %w", rec.name, ddcerr.ErrBadState)
	}
	e.chapter = vcn
	s.byName[rec.name] = e
	return nil
}

func (z *zoneView) Put(rec Record, vcn geometry.VirtualChapterNumber) error {
	s := z.shard
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byName[rec.name]; ok {
		// A redundant insert of a name already present: mark the slot a
		// collision record, matching the real delta list's behavior
		// when two names hash to the same list.
		existing.isCollision = true
		existing.chapter = vcn
		s.byName[rec.name] = existing
		return fmt.Errorf("master index: %w", ddcerr.ErrDuplicateName)
	}

	if s.maxEntries > 0 && len(s.byName) >= s.maxEntries {
		return fmt.Errorf("master index: %w", ddcerr.ErrOverflow)
	}

	s.byName[rec.name] = entry{chapter: vcn}
	return nil
}

func (z *zoneView) Remove(rec Record) error {
	s := z.shard
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byName, rec.name)
	return nil
}

// IsSample hashes the name with xxhash and compares against the
// configured sampling rate, mirroring UDS's sampling function: the
// particular names chosen do not matter for correctness, only that the
// choice is a deterministic function of the name alone.
func (z *zoneView) IsSample(name record.ChunkName) bool {
	if z.parent.sampleRate == 0 {
		return false
	}
	return xxhash.Sum64(name[:])%z.parent.sampleRate == 0
}

// SetOpenChapter records the zone's current open-chapter marker. The real
// delta list uses this to evict the physical-slot-aliased open-chapter
// hash subtable; our shard is keyed by full fingerprint rather than by
// physical slot, so no chapter has a "shadowed" set of stale entries to
// drop here — the bookkeeping is kept only so the replay flush sequence
// in spec.md section 4.2 has something real to call.
func (z *zoneView) SetOpenChapter(vcn geometry.VirtualChapterNumber) {
	s := z.shard
	s.mu.Lock()
	s.openChapter = vcn
	s.mu.Unlock()
}

// LookupTriage answers the cheap "is this name currently indexed as a
// sample" question used by the sparse barrier simulation (spec.md
// section 4.4), without the caller needing a full Get. In real UDS this
// consults a small sample-only structure kept separate from the main
// delta list; our shard keeps everything in one map, so we additionally
// require IsSample(name) to approximate "this entry exists because it is
// a sample", matching what the separate structure would contain.
func (z *zoneView) LookupTriage(name record.ChunkName) Triage {
	if !z.IsSample(name) {
		return Triage{}
	}

	s := z.shard
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byName[name]
	if !ok {
		return Triage{}
	}
	return Triage{InSampledChapter: true, VirtualChapter: e.chapter}
}
