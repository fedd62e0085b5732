package memstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cell-admin/internal/fixup"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/store"

	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"
)

func rect(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

func TestLoadBoundaries(t *testing.T) {
	dir := t.TempDir()
	fc := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"id":1,"level":"province","name":"A","parent_id":null},
	   "geometry":{"type":"Polygon","coordinates":[[[0,0],[4,0],[4,4],[0,4],[0,0]]]}},
	  {"type":"Feature","properties":{"id":2,"level":"settlement-tier-b","name":"T","parent_id":1,"area":1.5},
	   "geometry":{"type":"MultiPolygon","coordinates":[[[[1,1],[2,1],[2,2],[1,2],[1,1]]]]}}
	]}`
	if err := os.WriteFile(filepath.Join(dir, "units.geojson"), []byte(fc), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New()
	n, err := s.LoadBoundaries(dir)
	if err != nil || n != 2 {
		t.Fatalf("loaded %d, %v", n, err)
	}
	ctx := context.Background()
	p, err := s.Unit(ctx, 1)
	if err != nil || p.ParentID != nil || p.Name != "A" {
		t.Errorf("province = %+v, %v", p, err)
	}
	u, _ := s.Unit(ctx, 2)
	if u.Level != hierarchy.SettlementB || u.ParentID == nil || *u.ParentID != 1 || u.Area != 1.5 {
		t.Errorf("settlement = %+v", u)
	}
	if _, err := s.Unit(ctx, 3); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing unit err = %v", err)
	}
	within, _ := s.UnitsWithin(ctx, orb.Bound{Min: orb.Point{1.5, 1.5}, Max: orb.Point{1.6, 1.6}})
	if len(within) != 2 {
		t.Errorf("units within = %d", len(within))
	}
}

func TestReadCellsCSV(t *testing.T) {
	c, err := h3.LatLngToCell(h3.NewLatLng(45, 5), 8)
	if err != nil {
		t.Fatal(err)
	}
	in := "cell_id,resolution,lat,lng\n" +
		"x-1,7,1.5,2.5\n" +
		c.String() + ",,,\n"
	cells, err := ReadCellsCSV(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 2 {
		t.Fatalf("cells = %d", len(cells))
	}
	if cells[0].Resolution != 7 || cells[0].Center != (orb.Point{2.5, 1.5}) {
		t.Errorf("plain cell = %+v", cells[0])
	}
	if cells[1].Resolution != 8 || cells[1].Center[1] < 44.9 || cells[1].Center[1] > 45.1 {
		t.Errorf("h3 cell = %+v", cells[1])
	}

	if _, err := ReadCellsCSV(strings.NewReader("cell_id\nx-2\n")); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("missing resolution err = %v", err)
	}
	if _, err := ReadCellsCSV(strings.NewReader("id,lat\n")); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("missing cell_id err = %v", err)
	}
}

func TestPartitionRollback(t *testing.T) {
	s := New()
	ctx := context.Background()
	row := hierarchy.Mapping{CellID: "a", Resolution: 7, Province: hierarchy.Ref{ID: 1}}
	err := s.InPartition(ctx, func(tx store.MappingTx) error {
		if n, err := tx.Insert(ctx, []hierarchy.Mapping{row, row}); err != nil || n != 1 {
			t.Fatalf("insert = %d, %v", n, err)
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected abort error")
	}
	if _, ok := s.Mapping("a"); ok {
		t.Fatal("rolled back row visible")
	}
	_ = s.InPartition(ctx, func(tx store.MappingTx) error {
		_, err := tx.Insert(ctx, []hierarchy.Mapping{row})
		return err
	})
	other := row
	other.Province.ID = 2
	_ = s.InPartition(ctx, func(tx store.MappingTx) error {
		n, err := tx.Insert(ctx, []hierarchy.Mapping{other})
		if n != 0 {
			t.Errorf("existing row re-inserted")
		}
		return err
	})
	if m, _ := s.Mapping("a"); m.Province.ID != 1 {
		t.Errorf("first writer lost: %+v", m)
	}
}

func TestPartitionCommitClearsGaps(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.RecordGaps(ctx, 7, []string{"a", "b"})
	row := hierarchy.Mapping{CellID: "a", Resolution: 7, Province: hierarchy.Ref{ID: 1}}
	_ = s.InPartition(ctx, func(tx store.MappingTx) error {
		_, _ = tx.Insert(ctx, []hierarchy.Mapping{{CellID: "b", Resolution: 7, Province: hierarchy.Ref{ID: 1}}})
		return errors.New("abort")
	})
	if err := s.InPartition(ctx, func(tx store.MappingTx) error {
		_, err := tx.Insert(ctx, []hierarchy.Mapping{row})
		return err
	}); err != nil {
		t.Fatal(err)
	}
	gaps, _ := s.Gaps(ctx, 7)
	if len(gaps) != 1 || gaps[0] != "b" {
		t.Errorf("gaps = %v, want [b] (rolled back partition keeps its gap)", gaps)
	}
}

func TestCheckConsistencyInfersMissingParent(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AddUnits(
		hierarchy.Unit{ID: 1, Level: hierarchy.Province, Geom: rect(0, 0, 10, 10)},
		hierarchy.Unit{ID: 10, Level: hierarchy.District, Geom: rect(0, 0, 5, 5)},
	)
	s.AddCells(hierarchy.GridCell{ID: "a", Resolution: 7, Center: orb.Point{1, 1}})
	_ = s.ApplyOverrides(ctx, []hierarchy.Mapping{
		{CellID: "a", Resolution: 7, Province: hierarchy.Ref{ID: 1}, District: &hierarchy.Ref{ID: 10}},
	})
	c, err := s.CheckConsistency(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if c.HierarchyViolations != 0 || !c.OK() {
		t.Errorf("consistency = %+v", c)
	}
}

func TestCheckConsistencyCountsRejected(t *testing.T) {
	c8, err := h3.LatLngToCell(h3.NewLatLng(1, 1), 8)
	if err != nil {
		t.Fatal(err)
	}
	s := New()
	s.AddCells(
		hierarchy.GridCell{ID: c8.String(), Resolution: 7, Center: orb.Point{1, 1}},
		hierarchy.GridCell{ID: "lost", Resolution: 7, Center: orb.Point{2, 2}},
	)
	c, _ := s.CheckConsistency(context.Background(), 7)
	if c.Rejected != 1 || c.Unaccounted != 1 {
		t.Errorf("consistency = %+v", c)
	}
}

func TestCheckConsistency(t *testing.T) {
	s := New()
	p1 := int64(1)
	s.AddUnits(
		hierarchy.Unit{ID: 1, Level: hierarchy.Province, Geom: rect(0, 0, 10, 10)},
		hierarchy.Unit{ID: 2, Level: hierarchy.Province, Geom: rect(10, 0, 20, 10)},
		hierarchy.Unit{ID: 10, Level: hierarchy.District, ParentID: &p1, Geom: rect(0, 0, 5, 5)},
		hierarchy.Unit{ID: 50, Level: hierarchy.SettlementB, Geom: rect(1, 1, 2, 2)},
	)
	for _, id := range []string{"ok", "bad", "enclave", "gap", "lost"} {
		s.AddCells(hierarchy.GridCell{ID: id, Resolution: 7})
	}
	ctx := context.Background()
	_ = s.ApplyOverrides(ctx, []hierarchy.Mapping{
		{CellID: "ok", Resolution: 7, Province: hierarchy.Ref{ID: 1}, District: &hierarchy.Ref{ID: 10}},
		{CellID: "bad", Resolution: 7, Province: hierarchy.Ref{ID: 2}, District: &hierarchy.Ref{ID: 10}},
		{CellID: "enclave", Resolution: 7, Province: hierarchy.Ref{ID: 2}, Settlement: &hierarchy.Ref{ID: 50}, SettlementLevel: hierarchy.SettlementB},
	})
	_ = s.RecordGaps(ctx, 7, []string{"gap"})
	_, _ = s.UpsertExceptions(ctx, []fixup.Exception{{UnitID: 50, Rule: fixup.Enclave}})

	c, err := s.CheckConsistency(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	want := store.Consistency{Resolution: 7, Cells: 5, Rows: 3, Gaps: 1, Unaccounted: 1, HierarchyViolations: 1}
	if c != want {
		t.Errorf("consistency = %+v, want %+v", c, want)
	}
	if c.OK() {
		t.Error("report with violations should not be OK")
	}
}
