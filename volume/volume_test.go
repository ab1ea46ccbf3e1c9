package volume

import (
	"path/filepath"
	"testing"

	"dedupcore/geometry"
	"dedupcore/record"
)

func testGeometry(t *testing.T) geometry.Geometry {
	t.Helper()
	geo, err := geometry.New(4, 256, 1, 1, 8, 0)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	return geo
}

func nameOf(b byte) record.ChunkName {
	var n record.ChunkName
	n[0] = b
	return n
}

func TestRecordPageEncodeDecodeRoundTrip(t *testing.T) {
	slots := []RecordSlot{
		{Occupied: true, Name: nameOf(1), Metadata: record.Metadata{PhysicalBlock: 42}},
		{},
		{Occupied: true, Name: nameOf(3), Metadata: record.Metadata{PhysicalBlock: 7}},
	}
	buf := encodeRecordPage(slots, 256)
	got := decodeRecordPage(buf, 8)

	if !got[0].Occupied || !got[0].Name.Equal(nameOf(1)) || got[0].Metadata.PhysicalBlock != 42 {
		t.Fatalf("slot 0 mismatch: %+v", got[0])
	}
	if got[1].Occupied {
		t.Fatalf("slot 1 should be unoccupied")
	}
	if !got[2].Occupied || !got[2].Name.Equal(nameOf(3)) || got[2].Metadata.PhysicalBlock != 7 {
		t.Fatalf("slot 2 mismatch: %+v", got[2])
	}
}

func TestIndexPageEncodeDecodeRoundTrip(t *testing.T) {
	h := IndexPageHeader{LowestListNumber: 3, HighestListNumber: 9}
	buf := encodeIndexPage(h, 256)
	got, err := decodeIndexPage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("expected %+v, got %+v", h, got)
	}
}

func TestWriteChapterThenFindChapterBoundaries(t *testing.T) {
	geo := testGeometry(t)
	path := filepath.Join(t.TempDir(), "vol.dat")
	v, err := Open(path, geo)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	indexPages := []IndexPageHeader{{LowestListNumber: 0, HighestListNumber: 0}}
	recordPages := [][]RecordSlot{{{Occupied: true, Name: nameOf(1), Metadata: record.Metadata{PhysicalBlock: 1}}}}

	if err := v.WriteChapter(0, 5, indexPages, recordPages); err != nil {
		t.Fatalf("write chapter: %v", err)
	}
	if err := v.WriteChapter(1, 6, indexPages, recordPages); err != nil {
		t.Fatalf("write chapter: %v", err)
	}

	lowest, highest, isEmpty, err := v.FindChapterBoundaries()
	if err != nil {
		t.Fatalf("find boundaries: %v", err)
	}
	if isEmpty {
		t.Fatalf("expected a non-empty volume after writing chapters")
	}
	if lowest != 5 || highest != 6 {
		t.Fatalf("expected bounds [5,6], got [%d,%d]", lowest, highest)
	}

	vcn, committed := v.ChapterVCN(0)
	if !committed || vcn != 5 {
		t.Fatalf("expected physical chapter 0 committed at vcn 5, got committed=%v vcn=%d", committed, vcn)
	}
}

func TestFindChapterBoundariesEmptyVolume(t *testing.T) {
	geo := testGeometry(t)
	path := filepath.Join(t.TempDir(), "vol.dat")
	v, err := Open(path, geo)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	_, _, isEmpty, err := v.FindChapterBoundaries()
	if err != nil {
		t.Fatalf("find boundaries: %v", err)
	}
	if !isEmpty {
		t.Fatalf("expected a fresh volume to report empty")
	}
}

func TestChapterLedgerSurvivesReopen(t *testing.T) {
	geo := testGeometry(t)
	path := filepath.Join(t.TempDir(), "vol.dat")

	v, err := Open(path, geo)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	indexPages := []IndexPageHeader{{}}
	recordPages := [][]RecordSlot{{}}
	if err := v.WriteChapter(2, 11, indexPages, recordPages); err != nil {
		t.Fatalf("write chapter: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, geo)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	vcn, committed := reopened.ChapterVCN(2)
	if !committed || vcn != 11 {
		t.Fatalf("expected the chapter ledger to survive reopen, got committed=%v vcn=%d", committed, vcn)
	}
}

func TestGetRecordPageRoundTripsThroughCache(t *testing.T) {
	geo := testGeometry(t)
	path := filepath.Join(t.TempDir(), "vol.dat")
	v, err := Open(path, geo)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	indexPages := []IndexPageHeader{{}}
	recordPages := [][]RecordSlot{{{Occupied: true, Name: nameOf(9), Metadata: record.Metadata{PhysicalBlock: 77}}}}
	if err := v.WriteChapter(0, 1, indexPages, recordPages); err != nil {
		t.Fatalf("write chapter: %v", err)
	}

	slots, err := v.GetRecordPage(0, geo.IndexPagesPerChapter)
	if err != nil {
		t.Fatalf("get record page: %v", err)
	}
	if len(slots) == 0 || !slots[0].Occupied || !slots[0].Name.Equal(nameOf(9)) {
		t.Fatalf("expected the written record slot to round-trip, got %+v", slots)
	}
}

func TestWithRebuildLookupRestoresPriorMode(t *testing.T) {
	geo := testGeometry(t)
	path := filepath.Join(t.TempDir(), "vol.dat")
	v, err := Open(path, geo)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	if v.currentMode() != LookupNormal {
		t.Fatalf("expected a fresh volume to start in LookupNormal")
	}

	restore := v.WithRebuildLookup()
	if v.currentMode() != LookupForRebuild {
		t.Fatalf("expected WithRebuildLookup to switch to LookupForRebuild")
	}
	restore()
	if v.currentMode() != LookupNormal {
		t.Fatalf("expected restore to reinstate LookupNormal")
	}
}

func TestWriteChapterRejectsWrongPageCounts(t *testing.T) {
	geo := testGeometry(t)
	path := filepath.Join(t.TempDir(), "vol.dat")
	v, err := Open(path, geo)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	if err := v.WriteChapter(0, 1, []IndexPageHeader{{}, {}}, [][]RecordSlot{{}}); err == nil {
		t.Fatalf("expected a mismatched index page count to be rejected")
	}
}
