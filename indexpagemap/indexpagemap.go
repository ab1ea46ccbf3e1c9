// Package indexpagemap implements the index-page-map collaborator from
// spec.md section 6: it remembers, for each chapter's index pages, the
// highest delta-list number that page covers. It only records and
// persists those entries; it offers no lookup over them.
// Grounded on storage_engine/checkpoint_manager's persisted-JSON-plus-
// atomic-rename pattern, since the index-page-map is one of the two
// components spec.md section 4.1 phase 3 says the core registers with
// the state store.
package indexpagemap

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"dedupcore/ddcerr"
	"dedupcore/internal/ioutilx"
)

// PageEntry records one index page's delta-list coverage.
type PageEntry struct {
	Chapter           uint32 `json:"chapter"`
	Page              uint32 `json:"page"`
	HighestListNumber uint32 `json:"highest_list_number"`
}

// IndexPageMap is safe for concurrent use.
type IndexPageMap struct {
	mu         sync.Mutex
	entries    []PageEntry
	lastUpdate uint64
}

// New returns an empty index-page-map.
func New() *IndexPageMap {
	return &IndexPageMap{}
}

// Update implements update_index_page_map: it records the page's highest
// list number and advances the last-update sequence. vcn is accepted for
// parity with the collaborator contract in spec.md section 6 but is not
// stored: each call appends one physical (chapter, page) entry, and a
// repeated (chapter, page) adds another entry rather than replacing one.
func (m *IndexPageMap) Update(vcn uint64, chapter, page uint32, highestListNumber uint32) error {
	_ = vcn
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, PageEntry{Chapter: chapter, Page: page, HighestListNumber: highestListNumber})
	m.lastUpdate++
	return nil
}

// LastUpdate implements get_last_update.
func (m *IndexPageMap) LastUpdate() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// Reset clears the map, used when the loader restarts replay from a
// chapter earlier than any previously accumulated entries.
func (m *IndexPageMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

type onDiskState struct {
	Entries    []PageEntry `json:"entries"`
	LastUpdate uint64      `json:"last_update"`
}

// Save persists the map atomically, matching checkpoint_manager's
// write-temp/fsync/rename durability discipline.
func (m *IndexPageMap) Save(path string) error {
	m.mu.Lock()
	state := onDiskState{Entries: append([]PageEntry(nil), m.entries...), LastUpdate: m.lastUpdate}
	m.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("indexpagemap: marshal: %w", err)
	}
	return ioutilx.WriteFileAtomic(path, data, 0644)
}

// Load restores a previously-saved map. A missing file is not an error:
// it means no index-page-map was ever saved (fresh CREATE).
func (m *IndexPageMap) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("indexpagemap: read: %w", err)
	}

	var state onDiskState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("indexpagemap: parse: %w: %w", err, ddcerr.ErrCorruptComponent)
	}

	m.mu.Lock()
	m.entries = state.Entries
	m.lastUpdate = state.LastUpdate
	m.mu.Unlock()
	return nil
}
