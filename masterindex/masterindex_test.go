package masterindex

import (
	"errors"
	"testing"

	"dedupcore/ddcerr"
	"dedupcore/geometry"
	"dedupcore/record"
)

func nameOf(b byte) record.ChunkName {
	var n record.ChunkName
	n[0] = b
	return n
}

func TestPutGetRemove(t *testing.T) {
	geo, err := geometry.New(10, 4096, 6, 1, 64, 4)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	mi := New(Config{Geometry: geo, ZoneCount: 1}, 1)
	zone := mi.Zone(0)

	name := nameOf(1)
	rec, err := zone.Get(name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Found {
		t.Fatalf("expected not found before insert")
	}

	if err := zone.Put(rec, 5); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, err = zone.Get(name)
	if err != nil || !rec.Found || rec.Chapter != 5 {
		t.Fatalf("Get after Put = %+v, err=%v", rec, err)
	}

	if err := zone.Remove(rec); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	rec, _ = zone.Get(name)
	if rec.Found {
		t.Fatalf("expected gone after Remove")
	}
}

func TestPutDuplicateMarksCollision(t *testing.T) {
	geo, _ := geometry.New(10, 4096, 6, 1, 64, 4)
	mi := New(Config{Geometry: geo, ZoneCount: 1}, 1)
	zone := mi.Zone(0)

	name := nameOf(7)
	rec, _ := zone.Get(name)
	if err := zone.Put(rec, 1); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	rec, _ = zone.Get(name)
	if err := zone.Put(rec, 2); !errors.Is(err, ddcerr.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	rec, _ = zone.Get(name)
	if !rec.IsCollision {
		t.Fatalf("expected collision bit set after duplicate insert")
	}
	if rec.Chapter != 2 {
		t.Fatalf("expected chapter updated to 2 on duplicate insert, got %d", rec.Chapter)
	}
}

func TestPutOverflow(t *testing.T) {
	geo, _ := geometry.New(10, 4096, 6, 1, 64, 4)
	mi := New(Config{Geometry: geo, ZoneCount: 1, MaxEntriesPerZone: 1}, 1)
	zone := mi.Zone(0)

	rec, _ := zone.Get(nameOf(1))
	if err := zone.Put(rec, 1); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	rec, _ = zone.Get(nameOf(2))
	if err := zone.Put(rec, 1); !errors.Is(err, ddcerr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestIsSampleDeterministic(t *testing.T) {
	geo, _ := geometry.New(10, 4096, 6, 1, 64, 4)
	mi := New(Config{Geometry: geo, ZoneCount: 1, SampleRate: 8}, 1)
	zone := mi.Zone(0)

	name := nameOf(42)
	first := zone.IsSample(name)
	for i := 0; i < 10; i++ {
		if zone.IsSample(name) != first {
			t.Fatalf("IsSample must be a deterministic function of the name")
		}
	}
}

func TestIsSampleZeroRateNeverSamples(t *testing.T) {
	geo, _ := geometry.New(10, 4096, 6, 1, 64, 4)
	mi := New(Config{Geometry: geo, ZoneCount: 1, SampleRate: 0}, 1)
	zone := mi.Zone(0)

	for i := 0; i < 32; i++ {
		if zone.IsSample(nameOf(byte(i))) {
			t.Fatalf("sample rate 0 must never sample")
		}
	}
}
