package geometry

import "testing"

func mustGeometry(t *testing.T) Geometry {
	g, err := New(10, 4096, 6, 1, 64, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestMapToPhysicalChapter(t *testing.T) {
	g := mustGeometry(t)
	cases := []struct {
		vcn  VirtualChapterNumber
		want uint32
	}{
		{0, 0},
		{9, 9},
		{10, 0},
		{23, 3},
	}
	for _, c := range cases {
		if got := g.MapToPhysicalChapter(c.vcn); got != c.want {
			t.Errorf("MapToPhysicalChapter(%d) = %d, want %d", c.vcn, got, c.want)
		}
	}
}

func TestIsChapterSparse(t *testing.T) {
	g := mustGeometry(t) // sparse window = 4
	// S4 scenario: oldest=2, newest=12. Sparse window is [8, 12).
	from := VirtualChapterNumber(2)
	upto := VirtualChapterNumber(12)

	for vcn := VirtualChapterNumber(2); vcn < 8; vcn++ {
		if g.IsChapterSparse(from, upto, vcn) {
			t.Errorf("chapter %d should be dense", vcn)
		}
	}
	for vcn := VirtualChapterNumber(8); vcn < 12; vcn++ {
		if !g.IsChapterSparse(from, upto, vcn) {
			t.Errorf("chapter %d should be sparse", vcn)
		}
	}
	if g.IsChapterSparse(from, upto, upto) {
		t.Errorf("chapter at upto itself must not be sparse")
	}
}

func TestIsChapterSparseNonSparseGeometry(t *testing.T) {
	g, err := New(10, 4096, 6, 1, 64, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.IsSparse() {
		t.Fatalf("expected non-sparse geometry")
	}
	if g.IsChapterSparse(0, 10, 9) {
		t.Errorf("non-sparse geometry must never report a sparse chapter")
	}
}

func TestNewRejectsBadSparseWindow(t *testing.T) {
	if _, err := New(10, 4096, 6, 1, 64, 10); err == nil {
		t.Fatalf("expected error when sparse window equals chapters_per_volume")
	}
}
