// Package chapterwriter implements the ChapterWriter collaborator from
// spec.md section 6: asynchronous persistence of a closed chapter.
// Grounded on storage_engine/wal_manager.WALSegment's append/sync split
// (a write is only durable after an explicit sync phase), generalized
// from one file into a bounded pool of background flush workers. The
// concurrency bound uses golang.org/x/sync/semaphore, the same primitive
// hupe1980-vecgo/internal/cache.DiskBlockCache uses to cap background
// disk writes.
package chapterwriter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"dedupcore/geometry"
	"dedupcore/internal/rlog"
	"dedupcore/volume"
)

// Writer is the ChapterWriter collaborator contract.
type Writer interface {
	// Submit hands off a closed chapter for asynchronous persistence.
	// It does not block on the write completing.
	Submit(physicalChapter uint32, vcn geometry.VirtualChapterNumber, indexPages []volume.IndexPageHeader, recordPages [][]volume.RecordSlot)

	// WaitForIdle implements wait_for_idle: block until every submitted
	// chapter has been durably written.
	WaitForIdle()

	// MemoryAllocated implements get_memory_allocated: an estimate of
	// the bytes currently held by in-flight (not yet durable) chapters.
	MemoryAllocated() uint64

	// Close stops accepting new work after draining what's in flight.
	Close() error
}

// AsyncWriter is the concrete Writer. It bounds concurrent background
// flushes with a weighted semaphore and tracks completion with a
// WaitGroup, mirroring WALSegment's append-then-sync durability contract
// at chapter granularity instead of per-append.
type AsyncWriter struct {
	vol volume.Volume

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	memAllocated atomic.Uint64

	mu     sync.Mutex
	closed bool

	// lastErr records the most recent flush failure so a caller can
	// notice a chapter never made it to disk; the real UDS escalates
	// such a failure to "unrecoverable" via the index, mirrored here by
	// exposing it through LastError.
	lastErr error
}

// Make constructs a chapter writer bound to vol, allowing up to
// maxConcurrentFlushes chapters to be written in parallel.
func Make(vol volume.Volume, maxConcurrentFlushes int64) *AsyncWriter {
	if maxConcurrentFlushes <= 0 {
		maxConcurrentFlushes = 1
	}
	return &AsyncWriter{vol: vol, sem: semaphore.NewWeighted(maxConcurrentFlushes)}
}

func chapterByteSize(indexPages []volume.IndexPageHeader, recordPages [][]volume.RecordSlot) uint64 {
	// Rough accounting: count occupied record slots plus a fixed
	// per-page overhead, enough to make MemoryAllocated a meaningful
	// (if approximate) figure rather than a placeholder constant.
	total := uint64(len(indexPages)) * 64
	for _, page := range recordPages {
		for _, s := range page {
			if s.Occupied {
				total += 32
			}
		}
	}
	return total
}

func (w *AsyncWriter) Submit(physicalChapter uint32, vcn geometry.VirtualChapterNumber, indexPages []volume.IndexPageHeader, recordPages [][]volume.RecordSlot) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		rlog.Errorf("[ChapterWriter] Submit called after Close, dropping chapter %d", vcn)
		return
	}

	size := chapterByteSize(indexPages, recordPages)
	w.memAllocated.Add(size)

	if err := w.sem.Acquire(context.Background(), 1); err != nil {
		rlog.Errorf("[ChapterWriter] semaphore acquire failed for chapter %d: %v", vcn, err)
		w.memAllocated.Add(-size)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		defer w.memAllocated.Add(-size)

		if err := w.vol.WriteChapter(physicalChapter, vcn, indexPages, recordPages); err != nil {
			rlog.Errorf("[ChapterWriter] flush chapter %d (physical %d) failed: %v", vcn, physicalChapter, err)
			w.mu.Lock()
			w.lastErr = fmt.Errorf("chapter %d: %w", vcn, err)
			w.mu.Unlock()
			return
		}
		rlog.Debugf("[ChapterWriter] chapter %d (physical %d) durable", vcn, physicalChapter)
	}()
}

func (w *AsyncWriter) WaitForIdle() {
	w.wg.Wait()
}

func (w *AsyncWriter) MemoryAllocated() uint64 {
	return w.memAllocated.Load()
}

// LastError returns the most recent flush error observed, or nil.
func (w *AsyncWriter) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *AsyncWriter) Close() error {
	w.WaitForIdle()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}
