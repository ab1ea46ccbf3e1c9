// Package stats is a read-only aggregation over the running engine,
// analogous to get_index_stats: it never mutates any collaborator, only
// reads the counters each already maintains. Formatting uses
// github.com/dustin/go-humanize, the teacher's dependency for
// human-readable byte counts, previously unwired.
package stats

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"dedupcore/geometry"
	"dedupcore/index"
)

// Snapshot is a point-in-time read of the engine's state.
type Snapshot struct {
	LoadedType      string
	Oldest, Newest  geometry.VirtualChapterNumber
	ChaptersInUse   uint64
	OpenChapterSize int
	ZoneCount       int
	MemoryAllocated uint64

	LastCheckpointValid bool
	LastCheckpointVCN   geometry.VirtualChapterNumber
}

// Collect reads a Snapshot from idx.
func Collect(idx *index.Index) Snapshot {
	oldest, newest := idx.Bounds()
	last, _ := idx.Checkpoints()

	return Snapshot{
		LoadedType:          idx.LoadedType().String(),
		Oldest:               oldest,
		Newest:               newest,
		ChaptersInUse:       uint64(newest) - uint64(oldest),
		OpenChapterSize:     idx.OpenChapterSize(),
		ZoneCount:           idx.ZoneCount(),
		MemoryAllocated:     idx.MemoryAllocated(),
		LastCheckpointValid: last.Valid,
		LastCheckpointVCN:   last.VCN,
	}
}

// String renders a human-readable one-line summary, the dedup-engine
// analogue of a "du -h"-style report.
func (s Snapshot) String() string {
	checkpoint := "none"
	if s.LastCheckpointValid {
		checkpoint = fmt.Sprintf("%d", s.LastCheckpointVCN)
	}
	return fmt.Sprintf(
		"loaded=%s chapters=[%d,%d) (%d in use) open_chapter=%d zones=%d memory=%s last_checkpoint=%s",
		s.LoadedType, s.Oldest, s.Newest, s.ChaptersInUse, s.OpenChapterSize, s.ZoneCount,
		humanize.Bytes(s.MemoryAllocated), checkpoint,
	)
}
