// Package geometry defines the immutable chapter/page/record arithmetic
// shared by every other package in the deduplication index: virtual-to-
// physical chapter mapping and the sparse-chapter predicate. Grounded on
// storage_engine/page.Page's fixed-size-page layout, generalized from one
// page size constant into the full chapter geometry of spec.md section 3.
package geometry

import "fmt"

// VirtualChapterNumber is a monotonically increasing 64-bit counter
// identifying one logical chapter over the life of the index.
type VirtualChapterNumber uint64

// Geometry is immutable once constructed. All arithmetic on chapters,
// pages, and records is a pure function of these fields.
type Geometry struct {
	// ChaptersPerVolume is the size of the physical ring.
	ChaptersPerVolume uint32

	// BytesPerPage is the fixed page size used for both index and
	// record pages.
	BytesPerPage uint32

	// RecordPagesPerChapter and IndexPagesPerChapter partition the
	// chapter's pages; PagesPerChapter is their sum.
	RecordPagesPerChapter uint32
	IndexPagesPerChapter  uint32

	// RecordsPerPage is the number of (ChunkName, Metadata) slots
	// packed into one record page.
	RecordsPerPage uint32

	// SparseChaptersPerVolume is the trailing window within
	// [oldest, newest) treated as sparse. Zero means a dense-only
	// (non-sparse) geometry.
	SparseChaptersPerVolume uint32
}

// New validates and returns a Geometry, mirroring the
// "index_pages + record_pages = pages_per_chapter" invariant from
// spec.md section 3.
func New(chaptersPerVolume, bytesPerPage, recordPagesPerChapter, indexPagesPerChapter, recordsPerPage, sparseChaptersPerVolume uint32) (Geometry, error) {
	if chaptersPerVolume == 0 {
		return Geometry{}, fmt.Errorf("geometry: chapters_per_volume must be positive")
	}
	if recordsPerPage == 0 {
		return Geometry{}, fmt.Errorf("geometry: records_per_page must be positive")
	}
	if sparseChaptersPerVolume >= chaptersPerVolume {
		return Geometry{}, fmt.Errorf("geometry: sparse_chapters_per_volume (%d) must be less than chapters_per_volume (%d)", sparseChaptersPerVolume, chaptersPerVolume)
	}
	return Geometry{
		ChaptersPerVolume:       chaptersPerVolume,
		BytesPerPage:            bytesPerPage,
		RecordPagesPerChapter:   recordPagesPerChapter,
		IndexPagesPerChapter:    indexPagesPerChapter,
		RecordsPerPage:          recordsPerPage,
		SparseChaptersPerVolume: sparseChaptersPerVolume,
	}, nil
}

// PagesPerChapter is IndexPagesPerChapter + RecordPagesPerChapter.
func (g Geometry) PagesPerChapter() uint32 {
	return g.IndexPagesPerChapter + g.RecordPagesPerChapter
}

// IsSparse reports whether this geometry has a nonzero sparse window.
func (g Geometry) IsSparse() bool {
	return g.SparseChaptersPerVolume > 0
}

// MapToPhysicalChapter implements map_to_physical_chapter: vcn mod
// chapters_per_volume.
func (g Geometry) MapToPhysicalChapter(vcn VirtualChapterNumber) uint32 {
	return uint32(uint64(vcn) % uint64(g.ChaptersPerVolume))
}

// AreSamePhysicalChapter implements are_same_physical_chapter.
func (g Geometry) AreSamePhysicalChapter(a, b VirtualChapterNumber) bool {
	return g.MapToPhysicalChapter(a) == g.MapToPhysicalChapter(b)
}

// IsChapterSparse implements is_chapter_sparse: true iff vcn falls in the
// trailing sparse_chapters_per_volume window of [from, upto) and vcn < upto.
//
//	upto - vcn <= sparse_chapters_per_volume  AND  vcn < upto
func (g Geometry) IsChapterSparse(from, upto, vcn VirtualChapterNumber) bool {
	if !g.IsSparse() {
		return false
	}
	if vcn >= upto {
		return false
	}
	distance := uint64(upto) - uint64(vcn)
	return distance <= uint64(g.SparseChaptersPerVolume)
}
