package indexzone

import (
	"errors"
	"fmt"

	"dedupcore/ddcerr"
	"dedupcore/geometry"
	"dedupcore/masterindex"
	"dedupcore/record"
	"dedupcore/sparsecache"
	"dedupcore/volume"
)

// Host is the back-reference an IndexZone uses to trigger the open/closed
// chapter rotation shared across every zone; the zone's copy of the
// newest/oldest virtual chapter is pushed to it through AdvanceView
// instead. It is deliberately narrow (Design Note
// "Collaborator pluggability") so a zone cannot reach into another zone's
// private state directly.
type Host interface {
	// RotateOpenChapter is called when the zone's OpenChapter buffer is
	// full and must close before the new record can be admitted. The host
	// gathers every zone's current open chapter, hands the closed chapter
	// to the chapter writer, and advances the shared virtual chapter
	// counters.
	RotateOpenChapter(triggeringZone uint32) error
}

// IndexZone is the per-zone request handler: it owns one OpenChapter
// buffer and a view of the shared master index and sparse cache, and
// implements the search/remove decision trees and the sparse-barrier
// simulation.
type IndexZone struct {
	zoneNumber uint32
	geo        geometry.Geometry
	vol        volume.Volume
	mi         masterindex.ZoneIndex
	sparse     sparsecache.Cache
	open       *OpenChapter
	host       Host

	// singleZoneSparse is true for a sparse index with exactly one zone.
	// Such an index has no separate triage stage emitting sparse-cache
	// barrier messages, so Handle simulates one before each non-requeued
	// request; multi-zone and dense indexes skip the simulation.
	singleZoneSparse bool

	newestVCN geometry.VirtualChapterNumber
	oldestVCN geometry.VirtualChapterNumber
}

// New constructs an IndexZone. capacity bounds its OpenChapter buffer.
func New(zoneNumber uint32, geo geometry.Geometry, vol volume.Volume, mi masterindex.ZoneIndex, sparse sparsecache.Cache, host Host, capacity int, singleZoneSparse bool) *IndexZone {
	return &IndexZone{
		zoneNumber:       zoneNumber,
		geo:              geo,
		vol:              vol,
		mi:               mi,
		sparse:           sparse,
		open:             NewOpenChapter(capacity),
		host:             host,
		singleZoneSparse: singleZoneSparse,
	}
}

func (z *IndexZone) ZoneNumber() uint32   { return z.zoneNumber }
func (z *IndexZone) OpenChapter() *OpenChapter { return z.open }

// AdvanceView updates the zone's copy of the shared virtual chapter
// bounds. Called by the host after a rotation or during load/rebuild.
func (z *IndexZone) AdvanceView(newest, oldest geometry.VirtualChapterNumber) {
	z.newestVCN = newest
	z.oldestVCN = oldest
}

// Handle dispatches one request through the sparse-barrier simulation (if
// applicable) and then to search or remove, per spec.md section 4.3.
// Correctness relies on the caller serializing requests per zone (the
// dedicated-worker scheduling model, spec.md section 5); Handle takes no
// zone-wide lock of its own so RotateOpenChapter can safely reach every
// zone's OpenChapter without risking self-deadlock against a zone that
// called it.
func (z *IndexZone) Handle(req *record.Request) error {
	if !req.Requeued && z.singleZoneSparse {
		if err := z.simulateSparseBarrier(req); err != nil {
			return err
		}
	}

	req.Location = record.LocationUnavailable

	switch req.Action {
	case record.ActionQuery, record.ActionUpdate, record.ActionIndex:
		return z.search(req)
	case record.ActionDelete:
		return z.remove(req)
	default:
		return fmt.Errorf("index zone: unrecognized action %v: %w", req.Action, ddcerr.ErrInvalidArgument)
	}
}

// triageIndexRequest implements triage_index_request: it answers whether
// name is a master-index sample currently pointing at a chapter inside the
// live sparse window, and if so which one.
func (z *IndexZone) triageIndexRequest(name record.ChunkName) (sparseVCN geometry.VirtualChapterNumber, isSparseHit bool) {
	t := z.mi.LookupTriage(name)
	if !t.InSampledChapter {
		return 0, false
	}
	if !z.geo.IsChapterSparse(z.oldestVCN, z.newestVCN, t.VirtualChapter) {
		return 0, false
	}
	return t.VirtualChapter, true
}

// simulateSparseBarrier implements the section 4.4 simulation: a triage
// lookup followed by a cache-wide barrier that promotes the sampled
// sparse chapter's cache entries to most-recently-used before the search
// reads them.
func (z *IndexZone) simulateSparseBarrier(req *record.Request) error {
	sparseVCN, hit := z.triageIndexRequest(req.ChunkName)
	if !hit {
		return nil
	}
	return z.sparse.ExecuteBarrier(sparseVCN)
}

// computeRegion implements compute_index_region.
func (z *IndexZone) computeRegion(chapter geometry.VirtualChapterNumber) record.Location {
	if chapter == z.newestVCN {
		return record.LocationInOpenChapter
	}
	if z.IsZoneChapterSparse(chapter) {
		return record.LocationInSparse
	}
	return record.LocationInDense
}

// IsZoneChapterSparse implements is_zone_chapter_sparse.
func (z *IndexZone) IsZoneChapterSparse(vcn geometry.VirtualChapterNumber) bool {
	return z.geo.IsChapterSparse(z.oldestVCN, z.newestVCN, vcn)
}

// getRecordFromZone implements get_record_from_zone: confirms that the
// chapter the master index points to still actually holds name, guarding
// against a stale hint left over from a physical chapter slot that has
// since been overwritten by a later virtual chapter in the rotating ring.
func (z *IndexZone) getRecordFromZone(name record.ChunkName, chapter geometry.VirtualChapterNumber) (bool, error) {
	if chapter == z.newestVCN {
		_, ok := z.open.Find(name)
		return ok, nil
	}

	physical := z.geo.MapToPhysicalChapter(chapter)
	current, committed := z.vol.ChapterVCN(physical)
	if !committed || current != chapter {
		return false, nil
	}

	for p := uint32(0); p < z.geo.RecordPagesPerChapter; p++ {
		slots, err := z.vol.GetRecordPage(physical, z.geo.IndexPagesPerChapter+p)
		if err != nil {
			return false, fmt.Errorf("index zone: confirm record (chapter=%d): %w", chapter, err)
		}
		for _, s := range slots {
			if s.Occupied && s.Name.Equal(name) {
				return true, nil
			}
		}
	}
	return false, nil
}

// setChapterTolerant calls SetChapter, treating an overflow response as a
// soft success per the delta-list contract: the record is dropped rather
// than the request failing outright.
func (z *IndexZone) setChapterTolerant(rec masterindex.Record, vcn geometry.VirtualChapterNumber) (overflowed bool, err error) {
	if err := z.mi.SetChapter(rec, vcn); err != nil {
		if errors.Is(err, ddcerr.ErrOverflow) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (z *IndexZone) putTolerant(rec masterindex.Record, vcn geometry.VirtualChapterNumber) (overflowed bool, err error) {
	if err := z.mi.Put(rec, vcn); err != nil {
		if errors.Is(err, ddcerr.ErrOverflow) {
			return true, nil
		}
		if errors.Is(err, ddcerr.ErrDuplicateName) {
			// The name already had a master-index entry whose chapter no
			// longer holds it; Put has re-homed that entry to vcn and
			// marked it a collision, which is fine for our purposes here.
			return false, nil
		}
		return false, err
	}
	return false, nil
}

// search implements the search algorithm of spec.md section 4.3, covering
// QUERY, UPDATE, and INDEX actions.
func (z *IndexZone) search(req *record.Request) error {
	rec, err := z.mi.Get(req.ChunkName)
	if err != nil {
		return fmt.Errorf("index zone: master index lookup: %w", err)
	}

	found := false
	if rec.Found {
		found, err = z.getRecordFromZone(req.ChunkName, rec.Chapter)
		if err != nil {
			return err
		}
		if found {
			req.Location = z.computeRegion(rec.Chapter)
		}
	}
	overflowRecord := rec.Found && rec.IsCollision && !found

	sparseFound := false
	if !found && !overflowRecord && !z.mi.IsSample(req.ChunkName) && z.geo.IsSparse() {
		sf, _, err := z.sparse.SearchInZone(z.zoneNumber, req.ChunkName, sparsecache.AllChapters)
		if err != nil {
			return fmt.Errorf("index zone: sparse cache lookup: %w", err)
		}
		sparseFound = sf
		if sparseFound {
			req.Location = record.LocationInSparse
		}
	}

	// Every branch above is a pure read. A QUERY that will not mutate
	// anything must return here, before the fullness check below can
	// trigger a chapter rotation purely as a side effect of a read.
	if req.Action == record.ActionQuery {
		switch {
		case found || overflowRecord:
			if !req.Update || overflowRecord {
				return nil
			}
		default:
			if !sparseFound || !req.Update {
				return nil
			}
		}
	}

	// A chapter rotation, if one is needed, must happen before any write
	// below that stamps z.newestVCN into the master index: otherwise a
	// record could end up tagged with the chapter number it rotated out
	// of, rather than the one it actually lands in.
	_, alreadyOwned := z.open.Find(req.ChunkName)
	if !alreadyOwned && z.open.Full() {
		if err := z.host.RotateOpenChapter(z.zoneNumber); err != nil {
			return fmt.Errorf("index zone: rotate open chapter: %w", err)
		}
	}

	wasNew := false

	switch {
	case found || overflowRecord:
		switch {
		case rec.Chapter != z.newestVCN:
			overflowed, err := z.setChapterTolerant(rec, z.newestVCN)
			if err != nil {
				return fmt.Errorf("index zone: set record chapter: %w", err)
			}
			if overflowed {
				return nil
			}
		case req.Action != record.ActionUpdate:
			// Already resident in the open chapter and no update is being
			// applied: nothing more to do.
			return nil
		default:
			// Open question, resolved: an UPDATE that targets a record
			// already in the open chapter still reaffirms its chapter
			// (a no-op set) and falls through to refresh its metadata.
			overflowed, err := z.setChapterTolerant(rec, z.newestVCN)
			if err != nil {
				return fmt.Errorf("index zone: set record chapter: %w", err)
			}
			if overflowed {
				return nil
			}
		}

	default:
		overflowed, err := z.putTolerant(rec, z.newestVCN)
		if err != nil {
			return fmt.Errorf("index zone: insert record: %w", err)
		}
		if overflowed {
			return nil
		}
		if sparseFound {
			// The name is moving from the sparse window into the open
			// (dense) chapter; its sparse-cache sighting is now stale.
			z.sparse.Invalidate(req.ChunkName)
		}
		wasNew = true
	}

	// Promote into the open chapter unless it is already there.
	if _, alreadyOwned := z.open.Find(req.ChunkName); !alreadyOwned {
		metadata := req.OldMetadata
		if wasNew || req.Action == record.ActionUpdate {
			metadata = req.NewMetadata
		}
		z.open.Put(req.ChunkName, metadata)
	}
	return nil
}

// remove implements the remove algorithm of spec.md section 4.3.
func (z *IndexZone) remove(req *record.Request) error {
	rec, err := z.mi.Get(req.ChunkName)
	if err != nil {
		return fmt.Errorf("index zone: master index lookup: %w", err)
	}
	if !rec.Found {
		return nil
	}

	if !rec.IsCollision {
		found, err := z.getRecordFromZone(req.ChunkName, rec.Chapter)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
	}

	req.Location = z.computeRegion(rec.Chapter)

	if err := z.mi.Remove(rec); err != nil {
		return fmt.Errorf("index zone: remove record: %w", err)
	}

	if req.Location == record.LocationInOpenChapter {
		if existed := z.open.Remove(req.ChunkName); !existed {
			return fmt.Errorf("index zone: open chapter missing a record the master index said was resident: %w", ddcerr.ErrBadState)
		}
	}

	z.sparse.Invalidate(req.ChunkName)
	return nil
}
