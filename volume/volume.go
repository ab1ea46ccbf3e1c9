// Package volume implements the Volume collaborator contract from
// spec.md section 6: page I/O, a page cache, chapter boundary discovery,
// and the scoped LOOKUP_FOR_REBUILD mode (Design Note). Grounded on
// storage_engine/disk_manager's fixed-size-page ReadAt/WriteAt file
// layout and storage_engine/checkpoint_manager's atomic-write pattern for
// the durable chapter-commit ledger; the page cache itself is
// github.com/dgraph-io/ristretto/v2, giving the teacher's previously
// unwired dependency a home.
package volume

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"dedupcore/ddcerr"
	"dedupcore/geometry"
	"dedupcore/internal/ioutilx"
)

// LookupMode controls whether reads populate the shared page cache.
type LookupMode int

const (
	// LookupNormal is steady-state operation: reads populate the cache.
	LookupNormal LookupMode = iota
	// LookupForRebuild is the scoped mode used during rebuild/replay's
	// volume traversal, which reads every page exactly once and should
	// not evict the steady-state working set from the cache.
	LookupForRebuild
)

// Volume is the concrete page-addressable store the core drives.
type Volume interface {
	// FindChapterBoundaries implements find_volume_chapter_boundaries.
	FindChapterBoundaries() (lowest, highest geometry.VirtualChapterNumber, isEmpty bool, err error)

	// GetRecordPage and GetIndexPage together implement get_page: each
	// call uses exactly one of the two, split here into separate
	// methods rather than a single call with two out-parameters.
	GetRecordPage(physicalChapter, pageNumber uint32) ([]RecordSlot, error)
	GetIndexPage(physicalChapter, pageNumber uint32) (IndexPageHeader, error)

	// PrefetchPages implements prefetch_volume_pages.
	PrefetchPages(physicalChapter, startPage, count uint32) error

	// WriteChapter durably commits one chapter's index and record pages
	// and records it in the chapter-boundary ledger. Called by the
	// chapter writer collaborator, not by the core directly.
	WriteChapter(physicalChapter uint32, vcn geometry.VirtualChapterNumber, indexPages []IndexPageHeader, recordPages [][]RecordSlot) error

	// IsSparse implements is_sparse.
	IsSparse() bool

	// ChapterVCN reports the virtual chapter currently committed at
	// physicalChapter, if any. A zone's search path uses this to detect a
	// stale chapter hint: the physical slot has since been overwritten by
	// a later virtual chapter in the rotating ring.
	ChapterVCN(physicalChapter uint32) (vcn geometry.VirtualChapterNumber, committed bool)

	// WithRebuildLookup implements the scoped LOOKUP_FOR_REBUILD guard
	// (Design Note): it switches to LookupForRebuild and returns a
	// restore function that must be deferred to reinstate the prior
	// mode on every exit path, including error.
	WithRebuildLookup() (restore func())

	Close() error
}

type pageKind uint64

const (
	kindIndex  pageKind = 0
	kindRecord pageKind = 1
)

type pageKey struct {
	kind    pageKind
	chapter uint32
	page    uint32
}

// cacheKey encodes pageKey as a fixed-width byte string so it satisfies
// ristretto.Key's type constraint (ristretto/v2's generic Cache does not
// accept arbitrary struct keys).
func (k pageKey) cacheKey() string {
	var buf [9]byte
	buf[0] = byte(k.kind)
	binary.BigEndian.PutUint32(buf[1:5], k.chapter)
	binary.BigEndian.PutUint32(buf[5:9], k.page)
	return string(buf[:])
}

// chapterLedgerEntry is one physical slot's committed state, persisted as
// the durable sidecar the real UDS derives by scanning on-disk chapter
// headers directly. Keeping it as a small JSON side file lets
// FindChapterBoundaries answer without re-parsing every page on open,
// while still surviving a process restart.
type chapterLedgerEntry struct {
	Committed bool                         `json:"committed"`
	VCN       geometry.VirtualChapterNumber `json:"vcn"`
}

// FileVolume is the concrete Volume: one growable file of fixed-size
// pages, fronted by a ristretto page cache.
type FileVolume struct {
	geo  geometry.Geometry
	path string

	mu   sync.RWMutex
	file *os.File

	cache *ristretto.Cache[string, []byte]

	modeMu sync.Mutex
	mode   LookupMode

	ledgerMu sync.Mutex
	ledger   []chapterLedgerEntry // len == ChaptersPerVolume
	ledgerPath string
}

// Open creates or reopens a FileVolume at path with the given geometry.
func Open(path string, geo geometry.Geometry) (*FileVolume, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("volume: open %s: %w", path, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10_000,
		MaxCost:     int64(geo.PagesPerChapter()) * int64(geo.ChaptersPerVolume) * int64(geo.BytesPerPage),
		BufferItems: 64,
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: create page cache: %w", err)
	}

	v := &FileVolume{
		geo:        geo,
		path:       path,
		file:       f,
		cache:      cache,
		ledger:     make([]chapterLedgerEntry, geo.ChaptersPerVolume),
		ledgerPath: path + ".chapters.json",
	}

	if err := v.loadLedger(); err != nil {
		f.Close()
		return nil, err
	}

	return v, nil
}

func (v *FileVolume) loadLedger() error {
	data, err := os.ReadFile(v.ledgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("volume: read chapter ledger: %w", err)
	}
	var entries []chapterLedgerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("volume: parse chapter ledger: %w: %w", err, ddcerr.ErrCorruptComponent)
	}
	if len(entries) != len(v.ledger) {
		return fmt.Errorf("volume: chapter ledger size mismatch: %w", ddcerr.ErrCorruptComponent)
	}
	v.ledger = entries
	return nil
}

func (v *FileVolume) saveLedgerLocked() error {
	data, err := json.Marshal(v.ledger)
	if err != nil {
		return fmt.Errorf("volume: marshal chapter ledger: %w", err)
	}
	return ioutilx.WriteFileAtomic(v.ledgerPath, data, 0644)
}

func (v *FileVolume) IsSparse() bool { return v.geo.IsSparse() }

func (v *FileVolume) currentMode() LookupMode {
	v.modeMu.Lock()
	defer v.modeMu.Unlock()
	return v.mode
}

func (v *FileVolume) WithRebuildLookup() func() {
	v.modeMu.Lock()
	prior := v.mode
	v.mode = LookupForRebuild
	v.modeMu.Unlock()

	return func() {
		v.modeMu.Lock()
		v.mode = prior
		v.modeMu.Unlock()
	}
}

func (v *FileVolume) offsetOf(physicalChapter, pageNumber uint32) int64 {
	pagesPerChapter := int64(v.geo.PagesPerChapter())
	return (int64(physicalChapter)*pagesPerChapter + int64(pageNumber)) * int64(v.geo.BytesPerPage)
}

func (v *FileVolume) readPage(kind pageKind, physicalChapter, pageNumber uint32) ([]byte, error) {
	key := pageKey{kind: kind, chapter: physicalChapter, page: pageNumber}

	if v.currentMode() == LookupNormal {
		if data, found := v.cache.Get(key.cacheKey()); found {
			return data, nil
		}
	}

	buf := make([]byte, v.geo.BytesPerPage)
	v.mu.RLock()
	_, err := v.file.ReadAt(buf, v.offsetOf(physicalChapter, pageNumber))
	v.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("volume: read page (chapter=%d page=%d): %w", physicalChapter, pageNumber, err)
	}

	if v.currentMode() == LookupNormal {
		v.cache.Set(key.cacheKey(), buf, int64(len(buf)))
	}
	return buf, nil
}

func (v *FileVolume) GetRecordPage(physicalChapter, pageNumber uint32) ([]RecordSlot, error) {
	data, err := v.readPage(kindRecord, physicalChapter, pageNumber)
	if err != nil {
		return nil, err
	}
	return decodeRecordPage(data, v.geo.RecordsPerPage), nil
}

func (v *FileVolume) GetIndexPage(physicalChapter, pageNumber uint32) (IndexPageHeader, error) {
	data, err := v.readPage(kindIndex, physicalChapter, pageNumber)
	if err != nil {
		return IndexPageHeader{}, err
	}
	return decodeIndexPage(data)
}

func (v *FileVolume) PrefetchPages(physicalChapter, startPage, count uint32) error {
	for p := startPage; p < startPage+count; p++ {
		kind := kindIndex
		if p >= v.geo.IndexPagesPerChapter {
			kind = kindRecord
		}
		if _, err := v.readPage(kind, physicalChapter, p); err != nil {
			return fmt.Errorf("volume: prefetch (chapter=%d page=%d): %w", physicalChapter, p, err)
		}
	}
	return nil
}

func (v *FileVolume) WriteChapter(physicalChapter uint32, vcn geometry.VirtualChapterNumber, indexPages []IndexPageHeader, recordPages [][]RecordSlot) error {
	if uint32(len(indexPages)) != v.geo.IndexPagesPerChapter {
		return fmt.Errorf("volume: expected %d index pages, got %d: %w", v.geo.IndexPagesPerChapter, len(indexPages), ddcerr.ErrInvalidArgument)
	}
	if uint32(len(recordPages)) != v.geo.RecordPagesPerChapter {
		return fmt.Errorf("volume: expected %d record pages, got %d: %w", v.geo.RecordPagesPerChapter, len(recordPages), ddcerr.ErrInvalidArgument)
	}

	v.mu.Lock()
	for i, h := range indexPages {
		buf := encodeIndexPage(h, v.geo.BytesPerPage)
		if _, err := v.file.WriteAt(buf, v.offsetOf(physicalChapter, uint32(i))); err != nil {
			v.mu.Unlock()
			return fmt.Errorf("volume: write index page %d: %w", i, err)
		}
		v.cache.Set(pageKey{kind: kindIndex, chapter: physicalChapter, page: uint32(i)}.cacheKey(), buf, int64(len(buf)))
	}
	for i, slots := range recordPages {
		buf := encodeRecordPage(slots, v.geo.BytesPerPage)
		pageNum := v.geo.IndexPagesPerChapter + uint32(i)
		if _, err := v.file.WriteAt(buf, v.offsetOf(physicalChapter, pageNum)); err != nil {
			v.mu.Unlock()
			return fmt.Errorf("volume: write record page %d: %w", i, err)
		}
		v.cache.Set(pageKey{kind: kindRecord, chapter: physicalChapter, page: pageNum}.cacheKey(), buf, int64(len(buf)))
	}
	if err := v.file.Sync(); err != nil {
		v.mu.Unlock()
		return fmt.Errorf("volume: sync chapter %d: %w", physicalChapter, err)
	}
	v.mu.Unlock()

	v.cache.Wait()

	v.ledgerMu.Lock()
	v.ledger[physicalChapter] = chapterLedgerEntry{Committed: true, VCN: vcn}
	err := v.saveLedgerLocked()
	v.ledgerMu.Unlock()
	if err != nil {
		return fmt.Errorf("volume: persist chapter ledger: %w", err)
	}
	return nil
}

// FindChapterBoundaries scans the durable chapter ledger for the lowest
// and highest committed virtual chapter numbers, implementing
// find_volume_chapter_boundaries.
func (v *FileVolume) FindChapterBoundaries() (lowest, highest geometry.VirtualChapterNumber, isEmpty bool, err error) {
	v.ledgerMu.Lock()
	defer v.ledgerMu.Unlock()

	first := true
	for _, e := range v.ledger {
		if !e.Committed {
			continue
		}
		if first {
			lowest, highest = e.VCN, e.VCN
			first = false
			continue
		}
		if e.VCN < lowest {
			lowest = e.VCN
		}
		if e.VCN > highest {
			highest = e.VCN
		}
	}
	return lowest, highest, first, nil
}

func (v *FileVolume) ChapterVCN(physicalChapter uint32) (geometry.VirtualChapterNumber, bool) {
	v.ledgerMu.Lock()
	defer v.ledgerMu.Unlock()
	if physicalChapter >= uint32(len(v.ledger)) {
		return 0, false
	}
	e := v.ledger[physicalChapter]
	return e.VCN, e.Committed
}

func (v *FileVolume) Close() error {
	v.cache.Close()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.file.Close()
}
