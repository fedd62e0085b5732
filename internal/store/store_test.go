package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"cell-admin/internal/fixup"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/migrate"

	"github.com/paulmach/orb"
)

// openTestStore：需要带 PostGIS 的测试库，未设置 TEST_POSTGRES_DSN 时跳过
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	s := AttachDB(db)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := migrate.EnsureSchema(ctx, s.DB()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().ExecContext(ctx, `TRUNCATE admin_units, grid_cells, cell_admin_mapping, cell_admin_gaps, cell_admin_progress, admin_exceptions`); err != nil {
		t.Fatal(err)
	}
	return s
}

func rect(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

func TestUnitsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := int64(1)
	if _, err := s.UpsertUnits(ctx, []hierarchy.Unit{
		{ID: 1, Level: hierarchy.Province, Name: "A", Geom: rect(0, 0, 2, 2)},
		{ID: 10, Level: hierarchy.District, ParentID: &p, Name: "DA", Geom: rect(0, 0, 1, 1)},
	}); err != nil {
		t.Fatal(err)
	}
	provs, err := s.Provinces(ctx)
	if err != nil || len(provs) != 1 || provs[0].Name != "A" {
		t.Fatalf("provinces = %+v, %v", provs, err)
	}
	if got := provs[0].Geom.Bound(); got != rect(0, 0, 2, 2).Bound() {
		t.Errorf("bound = %v", got)
	}
	units, err := s.UnitsWithin(ctx, orb.Bound{Min: orb.Point{0.5, 0.5}, Max: orb.Point{0.6, 0.6}})
	if err != nil || len(units) != 2 {
		t.Fatalf("units within = %d, %v", len(units), err)
	}

	if _, err := s.UpsertExceptions(ctx, []fixup.Exception{{UnitID: 10, Rule: fixup.Within}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDerivedParent(ctx, 10, 1); err != nil {
		t.Fatal(err)
	}
	u, err := s.Unit(ctx, 10)
	if err != nil || u.ParentID == nil || *u.ParentID != 1 {
		t.Errorf("unit 10 = %+v, %v", u, err)
	}
}

func TestMappingLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.InsertCells(ctx, []hierarchy.GridCell{
		{ID: "a", Resolution: 7, Center: orb.Point{0.5, 0.5}},
		{ID: "b", Resolution: 7, Center: orb.Point{1.5, 0.5}},
		{ID: "c", Resolution: 7, Center: orb.Point{9, 9}},
	}); err != nil {
		t.Fatal(err)
	}
	var seen []string
	err := s.CellsInBound(ctx, 7, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 2}}, func(c hierarchy.GridCell) error {
		seen = append(seen, c.ID)
		return nil
	})
	if err != nil || len(seen) != 2 {
		t.Fatalf("cells in bound = %v, %v", seen, err)
	}

	row := hierarchy.Mapping{CellID: "a", Resolution: 7, Province: hierarchy.Ref{ID: 1, Name: "A"},
		Settlement: &hierarchy.Ref{ID: 5, Name: "S"}, SettlementLevel: hierarchy.SettlementA}
	var first int64
	err = s.InPartition(ctx, func(tx MappingTx) error {
		n, err := tx.Insert(ctx, []hierarchy.Mapping{row})
		first = n
		return err
	})
	if err != nil || first != 1 {
		t.Fatalf("first insert = %d, %v", first, err)
	}
	if err := s.RecordGaps(ctx, 7, []string{"b"}); err != nil {
		t.Fatal(err)
	}
	var second int64
	_ = s.InPartition(ctx, func(tx MappingTx) error {
		n, err := tx.Insert(ctx, []hierarchy.Mapping{row, {CellID: "b", Resolution: 7, Province: hierarchy.Ref{ID: 1}}})
		second = n
		return err
	})
	if second != 1 {
		t.Errorf("second insert = %d, want 1 (a skipped)", second)
	}
	if gaps, _ := s.Gaps(ctx, 7); len(gaps) != 0 {
		t.Errorf("mapped cell still recorded as gap: %v", gaps)
	}

	if err := s.RecordGaps(ctx, 7, []string{"c"}); err != nil {
		t.Fatal(err)
	}
	c, err := s.CheckConsistency(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if c.Cells != 3 || c.Rows != 2 || c.Gaps != 1 || c.Unaccounted != 0 {
		t.Errorf("consistency = %+v", c)
	}

	if err := s.ApplyOverrides(ctx, []hierarchy.Mapping{{CellID: "c", Resolution: 7, Province: hierarchy.Ref{ID: 2}}}); err != nil {
		t.Fatal(err)
	}
	ms, err := s.Mappings(ctx, []string{"a", "c", "zz"})
	if err != nil || len(ms) != 2 {
		t.Fatalf("mappings = %+v, %v", ms, err)
	}
	if ms["a"].Settlement == nil || ms["a"].SettlementLevel != hierarchy.SettlementA || ms["c"].Province.ID != 2 {
		t.Errorf("mappings = %+v", ms)
	}
	if gaps, _ := s.Gaps(ctx, 7); len(gaps) != 0 {
		t.Errorf("override did not clear gap: %v", gaps)
	}

	n, err := s.ClearTier(ctx, 7)
	if err != nil || n != 3 {
		t.Errorf("cleared %d, %v", n, err)
	}
}
