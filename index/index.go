// Package index is the top-level engine container: it owns the volume,
// master index, chapter writer, sparse cache, and index-page-map
// collaborators, and the slice of IndexZones that do the actual request
// handling. It implements the load/replay/rebuild state machine and the
// checkpoint/save path of spec.md sections 4.1, 4.2, and 4.5. Grounded on
// storage_engine/checkpoint_manager's save/rollback shape and
// disk_manager's ownership of the collaborators beneath it.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"dedupcore/chapterwriter"
	"dedupcore/ddcerr"
	"dedupcore/geometry"
	"dedupcore/indexpagemap"
	"dedupcore/indexzone"
	"dedupcore/internal/ioutilx"
	"dedupcore/internal/rlog"
	"dedupcore/loadcontext"
	"dedupcore/masterindex"
	"dedupcore/record"
	"dedupcore/sparsecache"
	"dedupcore/volume"
)

// LoadType records how the index came to be in its current state, mostly
// useful for diagnostics: spec.md section 4.1 distinguishes a fresh
// CREATE, a fast LOAD from a clean checkpoint, and a full REBUILD after an
// unclean shutdown.
type LoadType int

const (
	LoadTypeCreate LoadType = iota
	LoadTypeLoad
	LoadTypeRebuild
	// LoadTypeReplay is LOAD/REBUILD's outcome when some committed
	// chapters not covered by a checkpoint (or every committed chapter,
	// when no checkpoint file exists) had to be replayed back into the
	// master index before the index was usable.
	LoadTypeReplay
)

func (t LoadType) String() string {
	switch t {
	case LoadTypeCreate:
		return "CREATE"
	case LoadTypeLoad:
		return "LOAD"
	case LoadTypeRebuild:
		return "REBUILD"
	case LoadTypeReplay:
		return "REPLAY"
	default:
		return "UNKNOWN"
	}
}

// Checkpoint names one durably-saved high-water mark: every chapter up to
// and including VCN is known to be captured in the saved master index and
// index-page-map. An invalid (zero-value) Checkpoint means no committed
// save covers any chapter yet (none has happened, or the last one was
// taken while newest was still 0).
type Checkpoint struct {
	Valid bool                          `json:"valid"`
	VCN   geometry.VirtualChapterNumber `json:"vcn"`
}

// Config configures a new or reopened Index. It doubles as the engine's
// UserParams: there is no separate CLI/file configuration layer in this
// core (packaging and config loading are explicitly out of scope), so
// every ambient tunable a caller would otherwise set through a config
// file lives here instead.
type Config struct {
	Geometry geometry.Geometry
	ZoneCount uint32

	SampleRate                 uint64
	MaxEntriesPerZone          int
	OpenChapterCapacity        int
	SparseCacheCapacityPerZone int
	MaxConcurrentFlushes       int64
	VolumeNonce                uint64
}

func (c Config) validate() error {
	if c.ZoneCount == 0 {
		return fmt.Errorf("index: zone_count must be positive: %w", ddcerr.ErrInvalidArgument)
	}
	if c.Geometry.IndexPagesPerChapter == 0 || c.Geometry.IndexPagesPerChapter > c.ZoneCount {
		return fmt.Errorf("index: index_pages_per_chapter (%d) must be in [1, zone_count=%d]: %w", c.Geometry.IndexPagesPerChapter, c.ZoneCount, ddcerr.ErrInvalidArgument)
	}
	if c.Geometry.RecordPagesPerChapter < c.ZoneCount {
		return fmt.Errorf("index: record_pages_per_chapter (%d) must be >= zone_count (%d): %w", c.Geometry.RecordPagesPerChapter, c.ZoneCount, ddcerr.ErrInvalidArgument)
	}
	return nil
}

// Index is the engine container.
type Index struct {
	geo    geometry.Geometry
	vol    volume.Volume
	mi     masterindex.MasterIndex
	sparse sparsecache.Cache
	writer chapterwriter.Writer
	ipm    *indexpagemap.IndexPageMap
	zones  []*indexzone.IndexZone

	loadCtx *loadcontext.LoadContext

	statePath string

	mu             sync.Mutex
	oldest, newest geometry.VirtualChapterNumber
	lastCheckpoint Checkpoint
	prevCheckpoint Checkpoint
	loadedType     LoadType
	broken         error

	rotMu sync.Mutex
}

type hostAdapter struct{ idx *Index }

func (h hostAdapter) RotateOpenChapter(triggeringZone uint32) error {
	return h.idx.RotateOpenChapter(triggeringZone)
}

// Open implements make_index (spec.md section 4.1): it constructs every
// collaborator, then branches on the caller-supplied loadType exactly as
// phase 5 specifies: CREATE discards any persistent state, LOAD requires
// a prior instance and fails hard (no rebuild fallback) when a replay is
// needed that the caller hasn't allowed, and REBUILD behaves like LOAD but
// falls through to a full rebuild on any non-out-of-memory failure.
func Open(cfg Config, loadType LoadType, volumePath, statePath string) (*Index, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	lc := loadcontext.New()

	vol, err := volume.Open(volumePath, cfg.Geometry)
	if err != nil {
		return nil, fmt.Errorf("index: open volume: %w", err)
	}

	mi := masterindex.New(masterindex.Config{
		Geometry:          cfg.Geometry,
		ZoneCount:         cfg.ZoneCount,
		SampleRate:        cfg.SampleRate,
		MaxEntriesPerZone: cfg.MaxEntriesPerZone,
	}, cfg.VolumeNonce)

	sparse := sparsecache.New(cfg.ZoneCount, cfg.SparseCacheCapacityPerZone)
	writer := chapterwriter.Make(vol, cfg.MaxConcurrentFlushes)
	ipm := indexpagemap.New()

	idx := &Index{
		geo:       cfg.Geometry,
		vol:       vol,
		mi:        mi,
		sparse:    sparse,
		writer:    writer,
		ipm:       ipm,
		loadCtx:   lc,
		statePath: statePath,
	}

	singleZoneSparse := cfg.ZoneCount == 1 && cfg.Geometry.IsSparse()
	idx.zones = make([]*indexzone.IndexZone, cfg.ZoneCount)
	for z := uint32(0); z < cfg.ZoneCount; z++ {
		idx.zones[z] = indexzone.New(z, cfg.Geometry, vol, mi.Zone(z), sparse, hostAdapter{idx}, cfg.OpenChapterCapacity, singleZoneSparse)
	}

	loadedType, err := idx.restore(loadType)
	if err != nil {
		lc.SetState(loadcontext.Freeing)
		vol.Close()
		writer.Close()
		return nil, err
	}
	idx.loadedType = loadedType

	lc.SetState(loadcontext.Ready)
	return idx, nil
}

// restore implements spec.md section 4.1 phase 5's literal branch on
// load_type: CREATE never looks at persisted state; LOAD calls load with
// allow_replay=false, so a replay-required restore fails hard with
// NOT_SAVED_CLEANLY instead of silently rebuilding; REBUILD calls load
// with allow_replay=true and, on any failure other than OUT_OF_MEMORY,
// falls through to a full rebuild.
func (idx *Index) restore(loadType LoadType) (LoadType, error) {
	switch loadType {
	case LoadTypeCreate:
		idx.oldest, idx.newest = 0, 0
		idx.publishZoneViews()
		return LoadTypeCreate, nil

	case LoadTypeLoad:
		lt, err := idx.load(false)
		if err != nil {
			return LoadTypeCreate, err
		}
		return lt, nil

	case LoadTypeRebuild:
		lt, err := idx.load(true)
		if err == nil {
			return lt, nil
		}
		if errors.Is(err, ddcerr.ErrOutOfMemory) {
			return LoadTypeCreate, err
		}
		rlog.Errorf("index: load failed during rebuild, falling back to full rebuild: %v", err)
		if err := idx.rebuild(); err != nil {
			return LoadTypeCreate, err
		}
		return LoadTypeRebuild, nil

	default:
		return LoadTypeCreate, fmt.Errorf("index: unrecognized load type %v: %w", loadType, ddcerr.ErrInvalidArgument)
	}
}

// load implements spec.md section 4.1's load(index, allow_replay): it
// restores the master index and index-page-map from their last clean save
// and, if the volume holds committed chapters the checkpoint doesn't yet
// cover (replay_required), either replays them or fails with
// NOT_SAVED_CLEANLY depending on allowReplay. A missing checkpoint file on
// a non-empty volume is not itself fatal — it just means no checkpoint
// constrains from_vcn, so replay_required becomes true. A missing
// checkpoint file on an empty volume means no prior index exists, and
// load fails with NO_INDEX.
func (idx *Index) load(allowReplay bool) (LoadType, error) {
	noCheckpoint := false
	cp, err := idx.readCheckpointFile()
	if err != nil {
		if !errors.Is(err, ddcerr.ErrNoIndex) {
			return LoadTypeCreate, err
		}
		cp = onDiskCheckpoints{}
		noCheckpoint = true
	}

	if err := idx.mi.Load(idx.statePath + ".masterindex.json"); err != nil {
		return LoadTypeCreate, fmt.Errorf("index: load master index: %w", err)
	}
	if err := idx.ipm.Load(idx.statePath + ".ipm.json"); err != nil {
		return LoadTypeCreate, fmt.Errorf("index: load index page map: %w", err)
	}

	restoreMode := idx.vol.WithRebuildLookup()
	lowest, highest, isEmpty, err := idx.vol.FindChapterBoundaries()
	restoreMode()
	if err != nil {
		return LoadTypeCreate, fmt.Errorf("index: find chapter boundaries: %w", err)
	}

	if isEmpty {
		if noCheckpoint {
			return LoadTypeCreate, fmt.Errorf("index: load: no saved index: %w", ddcerr.ErrNoIndex)
		}
		idx.oldest, idx.newest = 0, 0
		idx.lastCheckpoint, idx.prevCheckpoint = cp.Last, cp.Prev
		idx.publishZoneViews()
		return LoadTypeLoad, nil
	}

	from := lowest
	if cp.Last.Valid && cp.Last.VCN+1 > from {
		from = cp.Last.VCN + 1
	}
	replayRequired := from <= highest

	if replayRequired && !allowReplay {
		return LoadTypeCreate, fmt.Errorf("index: load: replay required but not allowed: %w", ddcerr.ErrNotSavedCleanly)
	}

	idx.oldest, idx.newest = lowest, highest+1

	loadedType := LoadTypeLoad
	if replayRequired {
		restoreMode := idx.vol.WithRebuildLookup()
		err := idx.replayRange(from, highest, false)
		restoreMode()
		if err != nil {
			return LoadTypeCreate, err
		}
		loadedType = LoadTypeReplay
	}

	idx.lastCheckpoint, idx.prevCheckpoint = cp.Last, cp.Prev
	idx.publishZoneViews()
	return loadedType, nil
}

// rebuild implements spec.md section 4.1's rebuild(index): it resets the
// index-page-map and every zone's master-index open-chapter marker and
// replays every committed chapter, ignoring the checkpoint entirely.
// Master-index entries already restored by a failed load are not cleared;
// replay re-homes the ones it meets. It applies the ring-shadow adjustment
// (oldest += 1 when the rebuilt window spans the whole ring) so oldest
// never points at the chapter the next rotation will alias.
func (idx *Index) rebuild() error {
	idx.ipm.Reset()
	for z := uint32(0); z < uint32(len(idx.zones)); z++ {
		idx.mi.Zone(z).SetOpenChapter(0)
	}

	restoreMode := idx.vol.WithRebuildLookup()
	defer restoreMode()

	lowest, highest, isEmpty, err := idx.vol.FindChapterBoundaries()
	if err != nil {
		return fmt.Errorf("index: find chapter boundaries: %w", err)
	}
	if isEmpty {
		idx.oldest, idx.newest = 0, 0
		idx.lastCheckpoint, idx.prevCheckpoint = Checkpoint{}, Checkpoint{}
		idx.publishZoneViews()
		return nil
	}

	newest := highest + 1
	oldest := lowest
	if newest-oldest == geometry.VirtualChapterNumber(idx.geo.ChaptersPerVolume) {
		oldest++
	}
	idx.oldest, idx.newest = oldest, newest

	if err := idx.replayRange(oldest, highest, true); err != nil {
		return fmt.Errorf("index: rebuild: %w", err)
	}

	idx.lastCheckpoint, idx.prevCheckpoint = Checkpoint{}, Checkpoint{}
	idx.publishZoneViews()
	return nil
}

func (idx *Index) publishZoneViews() {
	for _, z := range idx.zones {
		z.AdvanceView(idx.newest, idx.oldest)
	}
	for zn := uint32(0); zn < uint32(len(idx.zones)); zn++ {
		idx.mi.Zone(zn).SetOpenChapter(idx.newest)
	}
}

// replayRange implements the per-chapter walk of spec.md section 4.2,
// applying every committed chapter in [from, to] in order. It brackets the
// walk with the required master-index open-chapter flush: newest first (so
// any zone whose open chapter already covers part of this range drops it),
// then from (so the replay walk lands on a known-empty open chapter), and
// again at newest once every chapter has been replayed. isRebuild only
// affects logging.
func (idx *Index) replayRange(from, to geometry.VirtualChapterNumber, isRebuild bool) error {
	newest := idx.newest

	for zn := uint32(0); zn < uint32(len(idx.zones)); zn++ {
		idx.mi.Zone(zn).SetOpenChapter(newest)
		idx.mi.Zone(zn).SetOpenChapter(from)
	}

	for vcn := from; vcn <= to; vcn++ {
		if idx.loadCtx.CheckForSuspend() {
			return ddcerr.ErrShuttingDown
		}

		physical := idx.geo.MapToPhysicalChapter(vcn)
		committedVCN, committed := idx.vol.ChapterVCN(physical)
		if !committed || committedVCN != vcn {
			return fmt.Errorf("index: chapter %d missing from volume: %w", vcn, ddcerr.ErrNotSavedCleanly)
		}

		willBeSparse := idx.geo.IsChapterSparse(from, newest, vcn)
		if err := idx.replayChapter(physical, vcn, willBeSparse); err != nil {
			return fmt.Errorf("index: replay chapter %d: %w", vcn, err)
		}
		if isRebuild {
			rlog.Debugf("index: rebuilt chapter %d", vcn)
		}
	}

	for zn := uint32(0); zn < uint32(len(idx.zones)); zn++ {
		idx.mi.Zone(zn).SetOpenChapter(newest)
	}
	return nil
}

// replayChapter implements the section 4.2 per-chapter walk: validate
// index-page list-number continuity, update the index-page-map, then
// fan out the record-page reads with golang.org/x/sync/errgroup before
// replaying every occupied slot into the master index.
func (idx *Index) replayChapter(physical uint32, vcn geometry.VirtualChapterNumber, willBeSparse bool) error {
	expected := uint32(0)
	for p := uint32(0); p < idx.geo.IndexPagesPerChapter; p++ {
		hdr, err := idx.vol.GetIndexPage(physical, p)
		if err != nil {
			return fmt.Errorf("index page %d: %w", p, err)
		}
		if hdr.LowestListNumber != expected {
			return fmt.Errorf("index page %d: expected lowest list %d, got %d: %w", p, expected, hdr.LowestListNumber, ddcerr.ErrCorruptData)
		}
		if err := idx.ipm.Update(uint64(vcn), physical, p, hdr.HighestListNumber); err != nil {
			return fmt.Errorf("update index page map: %w", err)
		}
		expected = hdr.HighestListNumber + 1
	}

	if err := idx.vol.PrefetchPages(physical, idx.geo.IndexPagesPerChapter, idx.geo.RecordPagesPerChapter); err != nil {
		return fmt.Errorf("prefetch record pages: %w", err)
	}

	pages := make([][]volume.RecordSlot, idx.geo.RecordPagesPerChapter)
	g, _ := errgroup.WithContext(context.Background())
	for p := uint32(0); p < idx.geo.RecordPagesPerChapter; p++ {
		p := p
		g.Go(func() error {
			slots, err := idx.vol.GetRecordPage(physical, idx.geo.IndexPagesPerChapter+p)
			if err != nil {
				return fmt.Errorf("record page %d: %w", p, err)
			}
			pages[p] = slots
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, slots := range pages {
		for _, s := range slots {
			if !s.Occupied {
				continue
			}
			if err := idx.replayRecord(s.Name, vcn, willBeSparse); err != nil {
				return fmt.Errorf("replay record: %w", err)
			}
		}
	}
	return nil
}

// replayRecord implements replay_record (spec.md section 4.2): a name from
// a sparse-window chapter is skipped entirely unless it is a sample (the
// sparse cache, not the master index, serves non-sample lookups from that
// window); otherwise it follows update_record's five-way decision on
// whether the existing MasterIndexRecord, if any, should be advanced to
// vcn or left as the basis for a fresh insert. OVERFLOW and DUPLICATE_NAME
// are tolerated as benign: either way the name ends up represented.
func (idx *Index) replayRecord(name record.ChunkName, vcn geometry.VirtualChapterNumber, willBeSparse bool) error {
	zi := idx.mi.Zone(idx.zoneForName(name))

	if willBeSparse && !zi.IsSample(name) {
		return nil
	}

	rec, err := zi.Get(name)
	if err != nil {
		return err
	}

	var update bool
	switch {
	case !rec.Found:
		update = false
	case rec.IsCollision && rec.Chapter == vcn:
		return nil
	case rec.IsCollision:
		update = true
	case rec.Chapter == vcn:
		update = false
	default:
		contains, err := idx.chapterContainsName(name, rec.Chapter)
		if err != nil {
			return err
		}
		update = contains
	}

	if update {
		if err := zi.SetChapter(rec, vcn); err != nil && !errors.Is(err, ddcerr.ErrOverflow) {
			return err
		}
		return nil
	}
	if err := zi.Put(rec, vcn); err != nil && !errors.Is(err, ddcerr.ErrOverflow) && !errors.Is(err, ddcerr.ErrDuplicateName) {
		return err
	}
	return nil
}

// chapterContainsName mirrors indexzone's get_record_from_zone physical
// scan: used only when a caller needs to confirm residency against a
// committed chapter outside the context of a single zone's own state.
func (idx *Index) chapterContainsName(name record.ChunkName, chapter geometry.VirtualChapterNumber) (bool, error) {
	physical := idx.geo.MapToPhysicalChapter(chapter)
	current, committed := idx.vol.ChapterVCN(physical)
	if !committed || current != chapter {
		return false, nil
	}

	for p := uint32(0); p < idx.geo.RecordPagesPerChapter; p++ {
		slots, err := idx.vol.GetRecordPage(physical, idx.geo.IndexPagesPerChapter+p)
		if err != nil {
			return false, fmt.Errorf("index: confirm record (chapter=%d): %w", chapter, err)
		}
		for _, s := range slots {
			if s.Occupied && s.Name.Equal(name) {
				return true, nil
			}
		}
	}
	return false, nil
}

// zoneForName implements get_zone_for_record: a deterministic hash of the
// fingerprint picks the owning zone, used identically by Dispatch and by
// replay so the two never disagree about which shard a name belongs to.
func (idx *Index) zoneForName(name record.ChunkName) uint32 {
	return uint32(xxhash.Sum64(name[:]) % uint64(len(idx.zones)))
}

// Dispatch implements dispatch_request: it routes req to the zone that
// owns its fingerprint and escalates any zone error to "unrecoverable",
// matching spec.md section 4.3's escalation note.
func (idx *Index) Dispatch(req *record.Request) error {
	idx.mu.Lock()
	broken := idx.broken
	idx.mu.Unlock()
	if broken != nil {
		return fmt.Errorf("index: unrecoverable: %w", broken)
	}

	req.ZoneNumber = idx.zoneForName(req.ChunkName)
	zone := idx.zones[req.ZoneNumber]

	if err := zone.Handle(req); err != nil {
		idx.mu.Lock()
		idx.broken = err
		idx.mu.Unlock()
		rlog.Errorf("index: zone %d request failed, marking index unrecoverable: %v", req.ZoneNumber, err)
		return err
	}
	return nil
}

// RotateOpenChapter implements the Host contract indexzone.IndexZone
// calls into when its OpenChapter buffer fills up.
func (idx *Index) RotateOpenChapter(triggeringZone uint32) error {
	idx.rotMu.Lock()
	defer idx.rotMu.Unlock()
	return idx.rotateOpenChapterLocked()
}

// distributeListRanges splits [0, totalLists) evenly across pages,
// matching how rotateOpenChapterLocked assigns each zone's contribution a
// disjoint delta-list range. Config.validate requires
// index_pages_per_chapter <= zone_count, so every page gets at least one
// list and no page is ever empty.
func distributeListRanges(totalLists, pages uint32) []volume.IndexPageHeader {
	headers := make([]volume.IndexPageHeader, pages)
	if pages == 0 {
		return headers
	}
	base := totalLists / pages
	rem := totalLists % pages
	next := uint32(0)
	for i := uint32(0); i < pages; i++ {
		count := base
		if i < rem {
			count++
		}
		headers[i] = volume.IndexPageHeader{LowestListNumber: next, HighestListNumber: next + count - 1}
		next += count
	}
	return headers
}

// rotateOpenChapterLocked implements advance_active_chapters: it closes
// the current open chapter by handing every zone's contribution to the
// chapter writer (one record page per zone, per Config.validate's
// record_pages_per_chapter >= zone_count requirement), then advances the
// shared virtual chapter bounds and republishes them to every zone.
func (idx *Index) rotateOpenChapterLocked() error {
	idx.mu.Lock()
	newest := idx.newest
	idx.mu.Unlock()

	physical := idx.geo.MapToPhysicalChapter(newest)

	recordPages := make([][]volume.RecordSlot, idx.geo.RecordPagesPerChapter)
	for i, z := range idx.zones {
		snap := z.OpenChapter().Snapshot()
		slots := make([]volume.RecordSlot, 0, len(snap))
		for name, md := range snap {
			slots = append(slots, volume.RecordSlot{Occupied: true, Name: name, Metadata: md})
		}
		recordPages[i] = slots
	}
	for i := len(idx.zones); i < len(recordPages); i++ {
		recordPages[i] = nil
	}

	indexPages := distributeListRanges(uint32(len(idx.zones)), idx.geo.IndexPagesPerChapter)

	idx.writer.Submit(physical, newest, indexPages, recordPages)
	idx.writer.WaitForIdle()
	if aw, ok := idx.writer.(*chapterwriter.AsyncWriter); ok {
		if err := aw.LastError(); err != nil {
			return fmt.Errorf("index: chapter %d did not become durable: %w", newest, err)
		}
	}

	idx.mu.Lock()
	idx.newest++
	if uint64(idx.newest-idx.oldest) >= uint64(idx.geo.ChaptersPerVolume) {
		idx.oldest++
	}
	newNewest, newOldest := idx.newest, idx.oldest
	idx.mu.Unlock()

	for i, z := range idx.zones {
		z.OpenChapter().Clear()
		idx.mi.Zone(uint32(i)).SetOpenChapter(newNewest)
		z.AdvanceView(newNewest, newOldest)
	}
	return nil
}

type onDiskCheckpoints struct {
	Last Checkpoint `json:"last"`
	Prev Checkpoint `json:"prev"`
}

func (idx *Index) checkpointPath() string { return idx.statePath + ".checkpoint.json" }

func (idx *Index) readCheckpointFile() (onDiskCheckpoints, error) {
	data, err := os.ReadFile(idx.checkpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return onDiskCheckpoints{}, ddcerr.ErrNoIndex
		}
		return onDiskCheckpoints{}, fmt.Errorf("index: read checkpoint: %w", err)
	}
	var cp onDiskCheckpoints
	if err := json.Unmarshal(data, &cp); err != nil {
		return onDiskCheckpoints{}, fmt.Errorf("index: parse checkpoint: %w: %w", err, ddcerr.ErrNotSavedCleanly)
	}
	return cp, nil
}

// Save implements the section 4.5 checkpoint path: it always closes the
// current open chapter first (this engine keeps no separate saved-open-
// chapter side file, so nothing would otherwise be recoverable from an
// in-memory-only open chapter), then persists the master index and
// index-page-map, and finally commits a new checkpoint. A failure after
// the chapter has closed but before the checkpoint commits rolls the
// checkpoint back to the previous one rather than leaving it half
// written.
func (idx *Index) Save() error {
	idx.rotMu.Lock()
	defer idx.rotMu.Unlock()

	anyOpen := false
	for _, z := range idx.zones {
		if z.OpenChapter().Size() > 0 {
			anyOpen = true
			break
		}
	}
	if anyOpen {
		if err := idx.rotateOpenChapterLocked(); err != nil {
			return fmt.Errorf("index: save: close open chapter: %w", err)
		}
	}
	idx.writer.WaitForIdle()

	idx.mu.Lock()
	prev := idx.lastCheckpoint
	newest := idx.newest
	idx.mu.Unlock()

	newCheckpoint := Checkpoint{}
	if newest > 0 {
		newCheckpoint = Checkpoint{Valid: true, VCN: newest - 1}
	}

	if err := idx.mi.Save(idx.statePath + ".masterindex.json"); err != nil {
		return fmt.Errorf("index: save master index: %w", err)
	}
	if err := idx.ipm.Save(idx.statePath + ".ipm.json"); err != nil {
		return fmt.Errorf("index: save index page map: %w", err)
	}

	data, err := json.MarshalIndent(onDiskCheckpoints{Last: newCheckpoint, Prev: prev}, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal checkpoint: %w", err)
	}
	if err := ioutilx.WriteFileAtomic(idx.checkpointPath(), data, 0644); err != nil {
		// The checkpoint never committed; leave lastCheckpoint as it was
		// so a retried Save (or the next restore) still sees the old,
		// still-valid high-water mark.
		return fmt.Errorf("index: commit checkpoint: %w", err)
	}

	idx.mu.Lock()
	idx.prevCheckpoint = prev
	idx.lastCheckpoint = newCheckpoint
	idx.mu.Unlock()
	return nil
}

// LoadedType reports how the index reached its current state.
func (idx *Index) LoadedType() LoadType { return idx.loadedType }

// Checkpoints returns the last and previous committed checkpoints.
func (idx *Index) Checkpoints() (last, prev Checkpoint) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lastCheckpoint, idx.prevCheckpoint
}

// Bounds returns the current [oldest, newest) virtual chapter window.
func (idx *Index) Bounds() (oldest, newest geometry.VirtualChapterNumber) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.oldest, idx.newest
}

// MemoryAllocated reports the chapter writer's current in-flight byte
// estimate, implementing get_memory_allocated at the index level.
func (idx *Index) MemoryAllocated() uint64 { return idx.writer.MemoryAllocated() }

// OpenChapterSize reports how many entries are currently buffered across
// every zone's open chapter, combined.
func (idx *Index) OpenChapterSize() int {
	total := 0
	for _, z := range idx.zones {
		total += z.OpenChapter().Size()
	}
	return total
}

// ZoneCount reports how many zones the index was configured with.
func (idx *Index) ZoneCount() int { return len(idx.zones) }

// Suspend pauses any in-flight load/replay at the next chapter boundary.
func (idx *Index) Suspend() loadcontext.State { return idx.loadCtx.Suspend() }

// Resume continues a previously suspended load/replay.
func (idx *Index) Resume() { idx.loadCtx.Resume() }

// Free implements free_index: it tears down collaborators in the reverse
// of their construction order (spec.md section 5's resource-release
// ordering note), aborting any in-flight replay first so nothing races
// the volume's Close.
func (idx *Index) Free() error {
	idx.loadCtx.SetState(loadcontext.Freeing)

	var errs []error
	if err := idx.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("chapter writer: %w", err))
	}
	if err := idx.vol.Close(); err != nil {
		errs = append(errs, fmt.Errorf("volume: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("index: free: %w", errors.Join(errs...))
}
