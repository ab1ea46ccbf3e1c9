package indexpagemap

import (
	"path/filepath"
	"testing"
)

func TestUpdateAdvancesLastUpdate(t *testing.T) {
	m := New()
	if m.LastUpdate() != 0 {
		t.Fatalf("expected a fresh map to start at 0")
	}
	if err := m.Update(0, 2, 0, 99); err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.LastUpdate() != 1 {
		t.Fatalf("expected last update 1, got %d", m.LastUpdate())
	}
}

func TestResetClearsEntries(t *testing.T) {
	m := New()
	m.Update(0, 0, 0, 10)
	m.Reset()
	if len(m.entries) != 0 {
		t.Fatalf("expected no entries after Reset, got %d", len(m.entries))
	}
	if err := m.Save(filepath.Join(t.TempDir(), "ipm.json")); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipm.json")

	m := New()
	m.Update(0, 1, 0, 5)
	m.Update(0, 1, 1, 9)
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := New()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.LastUpdate() != 2 {
		t.Fatalf("expected last update 2 after reload, got %d", loaded.LastUpdate())
	}
	if len(loaded.entries) != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", len(loaded.entries))
	}
	if loaded.entries[1].HighestListNumber != 9 {
		t.Fatalf("expected second entry's highest list number 9, got %d", loaded.entries[1].HighestListNumber)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	m := New()
	if err := m.Load(filepath.Join(t.TempDir(), "missing.json")); err != nil {
		t.Fatalf("expected a missing file to load as empty, got %v", err)
	}
	if m.LastUpdate() != 0 {
		t.Fatalf("expected no entries after loading a missing file")
	}
}
