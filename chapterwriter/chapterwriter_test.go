package chapterwriter

import (
	"errors"
	"sync"
	"testing"

	"dedupcore/geometry"
	"dedupcore/volume"
)

// stubVolume is a minimal volume.Volume double recording every
// WriteChapter call, optionally failing on a chosen chapter.
type stubVolume struct {
	mu       sync.Mutex
	written  []geometry.VirtualChapterNumber
	failOn   geometry.VirtualChapterNumber
	hasFail  bool
	inFlight int
	maxInFlight int
}

func (s *stubVolume) WriteChapter(physicalChapter uint32, vcn geometry.VirtualChapterNumber, indexPages []volume.IndexPageHeader, recordPages [][]volume.RecordSlot) error {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, vcn)
	if s.hasFail && vcn == s.failOn {
		return errors.New("simulated flush failure")
	}
	return nil
}

func (s *stubVolume) FindChapterBoundaries() (geometry.VirtualChapterNumber, geometry.VirtualChapterNumber, bool, error) {
	return 0, 0, true, nil
}
func (s *stubVolume) GetRecordPage(uint32, uint32) ([]volume.RecordSlot, error)    { return nil, nil }
func (s *stubVolume) GetIndexPage(uint32, uint32) (volume.IndexPageHeader, error)  { return volume.IndexPageHeader{}, nil }
func (s *stubVolume) PrefetchPages(uint32, uint32, uint32) error                   { return nil }
func (s *stubVolume) IsSparse() bool                                               { return false }
func (s *stubVolume) ChapterVCN(uint32) (geometry.VirtualChapterNumber, bool)      { return 0, false }
func (s *stubVolume) WithRebuildLookup() func()                                   { return func() {} }
func (s *stubVolume) Close() error                                                { return nil }

func TestSubmitThenWaitForIdleFlushesEverything(t *testing.T) {
	vol := &stubVolume{}
	w := Make(vol, 2)

	for vcn := geometry.VirtualChapterNumber(0); vcn < 5; vcn++ {
		w.Submit(uint32(vcn), vcn, []volume.IndexPageHeader{{}}, [][]volume.RecordSlot{{}})
	}
	w.WaitForIdle()

	vol.mu.Lock()
	defer vol.mu.Unlock()
	if len(vol.written) != 5 {
		t.Fatalf("expected 5 chapters flushed, got %d", len(vol.written))
	}
}

func TestSubmitRespectsConcurrencyBound(t *testing.T) {
	vol := &stubVolume{}
	w := Make(vol, 2)

	for vcn := geometry.VirtualChapterNumber(0); vcn < 20; vcn++ {
		w.Submit(uint32(vcn), vcn, []volume.IndexPageHeader{{}}, [][]volume.RecordSlot{{}})
	}
	w.WaitForIdle()

	vol.mu.Lock()
	defer vol.mu.Unlock()
	if vol.maxInFlight > 2 {
		t.Fatalf("expected at most 2 concurrent flushes, observed %d", vol.maxInFlight)
	}
}

func TestMemoryAllocatedDrainsAfterIdle(t *testing.T) {
	vol := &stubVolume{}
	w := Make(vol, 4)

	w.Submit(0, 0, []volume.IndexPageHeader{{}}, [][]volume.RecordSlot{{{Occupied: true}}})
	w.WaitForIdle()

	if got := w.MemoryAllocated(); got != 0 {
		t.Fatalf("expected memory accounting to drain to 0 once idle, got %d", got)
	}
}

func TestLastErrorSurfacesFlushFailure(t *testing.T) {
	vol := &stubVolume{failOn: 3, hasFail: true}
	w := Make(vol, 1)

	for vcn := geometry.VirtualChapterNumber(0); vcn < 5; vcn++ {
		w.Submit(uint32(vcn), vcn, []volume.IndexPageHeader{{}}, [][]volume.RecordSlot{{}})
	}
	w.WaitForIdle()

	if err := w.LastError(); err == nil {
		t.Fatalf("expected LastError to surface the simulated failure")
	}
}
