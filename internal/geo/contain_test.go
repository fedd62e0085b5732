package geo

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"
)

func TestIntersectionArea(t *testing.T) {
	mp := square(0, 0, 2, 2)
	cases := []struct {
		b    orb.Bound
		want float64
	}{
		{orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{3, 3}}, 1},
		{orb.Bound{Min: orb.Point{0.5, 0.5}, Max: orb.Point{1, 1}}, 0.25},
		{orb.Bound{Min: orb.Point{5, 5}, Max: orb.Point{6, 6}}, 0},
	}
	for _, tc := range cases {
		if got := IntersectionArea(mp, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("IntersectionArea(%v) = %v, want %v", tc.b, got, tc.want)
		}
	}
}

func TestCoveredBy(t *testing.T) {
	outer := square(0, 0, 10, 10)
	if !CoveredBy(square(1, 1, 2, 2), outer) {
		t.Error("inner square should be covered")
	}
	if CoveredBy(square(9, 9, 11, 11), outer) {
		t.Error("straddling square should not be covered")
	}
	if !CoveredBy(square(0, 0, 10, 10), outer) {
		t.Error("identical square should be covered (boundary counts)")
	}
}

func TestInteriorPoint(t *testing.T) {
	// U 形：质心落在缺口处
	u := orb.MultiPolygon{{{{0, 0}, {3, 0}, {3, 3}, {2, 3}, {2, 1}, {1, 1}, {1, 3}, {0, 3}, {0, 0}}}}
	p, ok := InteriorPoint(u)
	if !ok || !Contains(u, p) {
		t.Fatalf("interior point %v not inside", p)
	}
}

func TestProbeBound(t *testing.T) {
	center := orb.Point{2.35, 48.85}
	b := ProbeBound("not-a-cell", center, 0.5)
	near := func(a, b float64) bool { return math.Abs(a-b) < 1e-9 }
	if !near(b.Min[0], 1.85) || !near(b.Min[1], 48.35) || !near(b.Max[0], 2.85) || !near(b.Max[1], 49.35) {
		t.Errorf("padded bound = %v", b)
	}

	c, err := h3.LatLngToCell(h3.NewLatLng(center[1], center[0]), 7)
	if err != nil {
		t.Fatal(err)
	}
	parsed, ok := ParseCell(c.String())
	if !ok || parsed != c {
		t.Fatalf("ParseCell(%s) = %v, %v", c.String(), parsed, ok)
	}
	if parsed.Resolution() != 7 {
		t.Errorf("resolution = %d", parsed.Resolution())
	}
	hb := ProbeBound(c.String(), center, 0.5)
	if !hb.Contains(center) {
		t.Errorf("hex bound %v does not contain center", hb)
	}
	if hb.Max[0]-hb.Min[0] > 0.1 {
		t.Errorf("hex bound too wide for res 7: %v", hb)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	fc := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"id":1,"level":"province","name":"A"},
	   "geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
	  {"type":"Feature","properties":{"id":9},"geometry":{"type":"Point","coordinates":[0,0]}}
	]}`
	if err := os.WriteFile(filepath.Join(dir, "a.geojson"), []byte(fc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 {
		t.Fatalf("features = %d, want 1", len(fs))
	}
	if fs[0].Properties.MustString("name", "") != "A" || fs[0].Source != "a.geojson" {
		t.Errorf("unexpected feature %+v", fs[0])
	}
}
