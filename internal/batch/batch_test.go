package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"cell-admin/internal/hierarchy"
	"cell-admin/internal/progress"
	"cell-admin/internal/store/memstore"

	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func rect(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

// 两个 L 形省份覆盖 3×3 网格：A(1) 5 格，B(2) 4 格
func fixture(resolutions ...int) *memstore.Store {
	s := memstore.New()
	s.AddUnits(
		hierarchy.Unit{ID: 1, Level: hierarchy.Province, Name: "A",
			Geom: orb.MultiPolygon{{{{0, 0}, {3, 0}, {3, 1}, {2, 1}, {2, 2}, {0, 2}, {0, 0}}}}},
		hierarchy.Unit{ID: 2, Level: hierarchy.Province, Name: "B",
			Geom: orb.MultiPolygon{{{{2, 1}, {3, 1}, {3, 3}, {0, 3}, {0, 2}, {2, 2}, {2, 1}}}}},
	)
	for _, res := range resolutions {
		for j := 0; j < 3; j++ {
			for i := 0; i < 3; i++ {
				s.AddCells(hierarchy.GridCell{
					ID:         fmt.Sprintf("r%d-%d-%d", res, i, j),
					Resolution: res,
					Center:     orb.Point{0.5 + float64(i), 0.5 + float64(j)},
				})
			}
		}
	}
	return s
}

func newOrch(s *memstore.Store, opts Options) *Orchestrator {
	opts.Logger = quiet
	if opts.ProbeRadius == 0 {
		opts.ProbeRadius = 0.25
	}
	return New(s, s, s, s, opts)
}

func countByProvince(rows []hierarchy.Mapping) map[int64]int {
	out := map[int64]int{}
	for _, m := range rows {
		out[m.Province.ID]++
	}
	return out
}

func TestRunTierSplitsGrid(t *testing.T) {
	s := fixture(7)
	rep, err := newOrch(s, Options{}).RunTier(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Partitions != 2 || rep.Failed != 0 || rep.Inserted != 9 || rep.Gaps != 0 || rep.Pending != 0 {
		t.Fatalf("report = %+v", rep)
	}
	got := countByProvince(s.Rows(7))
	if got[1] != 5 || got[2] != 4 {
		t.Errorf("rows by province = %v", got)
	}
	if rep.RunID == "" {
		t.Error("run id not set")
	}
}

func TestRunTierCountsCoverageGap(t *testing.T) {
	s := fixture(7)
	s.AddCells(hierarchy.GridCell{ID: "outside", Resolution: 7, Center: orb.Point{20, 20}})
	rep, err := newOrch(s, Options{}).RunTier(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Gaps != 1 || rep.Inserted != 9 {
		t.Fatalf("gaps = %d inserted = %d", rep.Gaps, rep.Inserted)
	}
	if _, ok := s.Mapping("outside"); ok {
		t.Error("gap cell must not get a mapping row")
	}
	gaps, _ := s.Gaps(context.Background(), 7)
	if len(gaps) != 1 || gaps[0] != "outside" {
		t.Errorf("recorded gaps = %v", gaps)
	}
}

func TestRunTierIdempotent(t *testing.T) {
	s := fixture(7)
	o := newOrch(s, Options{})
	ctx := context.Background()
	if _, err := o.RunTier(ctx, 7); err != nil {
		t.Fatal(err)
	}
	before := s.Rows(7)
	rep, err := o.RunTier(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Inserted != 0 || rep.Skipped != 9 {
		t.Errorf("second run inserted=%d skipped=%d", rep.Inserted, rep.Skipped)
	}
	after := s.Rows(7)
	if len(after) != len(before) {
		t.Fatalf("rows %d → %d", len(before), len(after))
	}
	for i := range after {
		if after[i].CellID != before[i].CellID || after[i].Province != before[i].Province {
			t.Errorf("row %d changed: %+v → %+v", i, before[i], after[i])
		}
	}
}

func TestClearTierThenRerun(t *testing.T) {
	s := fixture(7, 8)
	s.AddCells(hierarchy.GridCell{ID: "outside", Resolution: 7, Center: orb.Point{20, 20}})
	o := newOrch(s, Options{})
	ctx := context.Background()
	if _, err := o.RunAll(ctx, []int{7, 8}); err != nil {
		t.Fatal(err)
	}
	n, err := o.ClearTier(ctx, 7)
	if err != nil || n != 9 {
		t.Fatalf("cleared %d, %v", n, err)
	}
	if len(s.Rows(7)) != 0 || len(s.Rows(8)) != 9 {
		t.Fatalf("after clear: tier7=%d tier8=%d", len(s.Rows(7)), len(s.Rows(8)))
	}
	if gaps, _ := s.Gaps(ctx, 7); len(gaps) != 0 {
		t.Errorf("gaps not cleared: %v", gaps)
	}
	rep, err := o.RunTier(ctx, 7)
	if err != nil || rep.Inserted != 9 {
		t.Fatalf("rerun inserted %d, %v", rep.Inserted, err)
	}
}

func TestPartitionFailureIsolated(t *testing.T) {
	s := fixture(7)
	boom := errors.New("disk full")
	s.FailInsert = func(rows []hierarchy.Mapping) error {
		if rows[0].Province.ID == 2 {
			return boom
		}
		return nil
	}
	rep, err := newOrch(s, Options{}).RunTier(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 || len(rep.FailedPartitions) != 1 || rep.FailedPartitions[0] != 2 {
		t.Fatalf("failed = %d %v", rep.Failed, rep.FailedPartitions)
	}
	if got := countByProvince(s.Rows(7)); got[1] != 5 || got[2] != 0 {
		t.Errorf("rows by province = %v", got)
	}
	if rep.Pending != 4 || rep.Gaps != 0 {
		t.Errorf("pending = %d gaps = %d", rep.Pending, rep.Gaps)
	}
	var failed int
	for _, ev := range s.Events() {
		if ev.Status == progress.StatusFailed {
			failed++
			if ev.PartitionID != 2 || ev.Err == "" {
				t.Errorf("failed event = %+v", ev)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed events = %d", failed)
	}
}

func TestRunAllHaltsOnCoarseFailure(t *testing.T) {
	s := fixture(7, 8)
	s.FailInsert = func(rows []hierarchy.Mapping) error {
		if rows[0].Resolution == 7 && rows[0].Province.ID == 2 {
			return errors.New("boom")
		}
		return nil
	}
	reps, err := newOrch(s, Options{HaltOnCoarseFailure: true}).RunAll(context.Background(), []int{8, 7})
	if !errors.Is(err, ErrCoarseTierFailed) {
		t.Fatalf("err = %v", err)
	}
	if len(reps) != 1 || reps[0].Resolution != 7 {
		t.Fatalf("reports = %+v", reps)
	}
	if len(s.Rows(8)) != 0 {
		t.Error("finer tier must not start")
	}

	s2 := fixture(7, 8)
	s2.FailInsert = s.FailInsert
	reps, err = newOrch(s2, Options{}).RunAll(context.Background(), []int{8, 7})
	if err != nil || len(reps) != 2 {
		t.Fatalf("without halt: %d reports, %v", len(reps), err)
	}
	if len(s2.Rows(8)) != 9 {
		t.Errorf("tier 8 rows = %d", len(s2.Rows(8)))
	}
}

func TestProgressThrottledOnFinestTier(t *testing.T) {
	s := memstore.New()
	for i := 0; i < 5; i++ {
		x := float64(i * 2)
		s.AddUnits(hierarchy.Unit{ID: int64(i + 1), Level: hierarchy.Province, Geom: rect(x, 0, x+1, 1)})
		s.AddCells(hierarchy.GridCell{ID: fmt.Sprintf("c%d", i), Resolution: 9, Center: orb.Point{x + 0.5, 0.5}})
	}
	o := newOrch(s, Options{ProgressEvery: 1, ProgressEveryFinest: 2, FinestTier: 9})
	if _, err := o.RunTier(context.Background(), 9); err != nil {
		t.Fatal(err)
	}
	var parts []int64
	var sweeps int
	for _, ev := range s.Events() {
		if ev.Status == progress.StatusSweep {
			sweeps++
			continue
		}
		parts = append(parts, ev.PartitionID)
	}
	want := []int64{2, 4, 5}
	if fmt.Sprint(parts) != fmt.Sprint(want) || sweeps != 1 {
		t.Errorf("events for partitions %v (sweeps %d), want %v", parts, sweeps, want)
	}
	last := s.Events()[len(s.Events())-2]
	if last.RunningTotal != 5 || last.Done != 5 || last.Total != 5 {
		t.Errorf("last partition event = %+v", last)
	}
}

func TestRunTierSmallInsertBatch(t *testing.T) {
	s := fixture(7)
	var calls int
	s.FailInsert = func(rows []hierarchy.Mapping) error {
		calls++
		if len(rows) > 2 {
			return fmt.Errorf("batch of %d", len(rows))
		}
		return nil
	}
	rep, err := newOrch(s, Options{InsertBatch: 2}).RunTier(context.Background(), 7)
	if err != nil || rep.Failed != 0 || rep.Inserted != 9 {
		t.Fatalf("report = %+v, %v", rep, err)
	}
	if calls < 5 {
		t.Errorf("insert calls = %d", calls)
	}
}

func TestRunTierCancelled(t *testing.T) {
	s := fixture(7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := newOrch(s, Options{}).RunTier(ctx, 7)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if rep.Partitions != 0 || len(s.Rows(7)) != 0 {
		t.Errorf("work done after cancel: %+v", rep)
	}
}

func TestRunTierExcludedProvince(t *testing.T) {
	s := fixture(7)
	bowtie := orb.MultiPolygon{{{{10, 10}, {12, 12}, {12, 10}, {10, 12}, {10, 10}}}}
	s.AddUnits(hierarchy.Unit{ID: 3, Level: hierarchy.Province, Geom: bowtie})
	s.AddCells(hierarchy.GridCell{ID: "in-bowtie", Resolution: 7, Center: orb.Point{10.5, 11}})
	reps, err := newOrch(s, Options{HaltOnCoarseFailure: true}).RunAll(context.Background(), []int{7})
	if !errors.Is(err, ErrCoarseTierFailed) {
		t.Fatalf("err = %v", err)
	}
	if reps[0].ExcludedProvinces != 1 || reps[0].Gaps != 1 || reps[0].Inserted != 9 {
		t.Errorf("report = %+v", reps[0])
	}
}

func TestRerunAfterRepairClearsGap(t *testing.T) {
	ctx := context.Background()
	s := fixture(7)
	bowtie := orb.MultiPolygon{{{{10, 10}, {12, 12}, {12, 10}, {10, 12}, {10, 10}}}}
	s.AddUnits(hierarchy.Unit{ID: 3, Level: hierarchy.Province, Geom: bowtie})
	s.AddCells(hierarchy.GridCell{ID: "in-3", Resolution: 7, Center: orb.Point{10.5, 11}})
	o := newOrch(s, Options{})
	if _, err := o.RunTier(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if gaps, _ := s.Gaps(ctx, 7); len(gaps) != 1 {
		t.Fatalf("gaps before repair = %v", gaps)
	}

	s.AddUnits(hierarchy.Unit{ID: 3, Level: hierarchy.Province, Geom: rect(10, 10, 12, 12)})
	rep, err := o.RunTier(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Inserted != 1 || rep.Gaps != 0 {
		t.Errorf("rerun report = %+v", rep)
	}
	if gaps, _ := s.Gaps(ctx, 7); len(gaps) != 0 {
		t.Errorf("stale gaps = %v", gaps)
	}
	c, _ := s.CheckConsistency(ctx, 7)
	if !c.OK() || c.Overlap != 0 || c.Rows != 10 {
		t.Errorf("consistency = %+v", c)
	}
}

func TestInferredParentIsConsistent(t *testing.T) {
	ctx := context.Background()
	s := fixture(7)
	s.AddUnits(hierarchy.Unit{ID: 10, Level: hierarchy.District, Name: "D", Geom: rect(0, 0, 1, 1)})
	if _, err := newOrch(s, Options{InferParents: true}).RunTier(ctx, 7); err != nil {
		t.Fatal(err)
	}
	m, _ := s.Mapping("r7-0-0")
	if m.Province.ID != 1 || m.District == nil || m.District.ID != 10 {
		t.Fatalf("mapping = %+v", m)
	}
	c, _ := s.CheckConsistency(ctx, 7)
	if c.HierarchyViolations != 0 || !c.OK() {
		t.Errorf("consistency = %+v", c)
	}
}

func TestRejectedCellsNotUnaccounted(t *testing.T) {
	ctx := context.Background()
	h, err := h3.LatLngToCell(h3.NewLatLng(0.5, 0.5), 8)
	if err != nil {
		t.Fatal(err)
	}
	s := fixture(7)
	// 只落在 A 的分区包围盒内，避免被两个分区各计一次
	s.AddCells(hierarchy.GridCell{ID: h.String(), Resolution: 7, Center: orb.Point{0.5, 0.5}})
	rep, err := newOrch(s, Options{}).RunTier(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rejected != 1 || rep.Pending != 0 || rep.Gaps != 0 {
		t.Errorf("report = %+v", rep)
	}
	c, _ := s.CheckConsistency(ctx, 7)
	if c.Rejected != 1 || c.Unaccounted != 0 || !c.OK() {
		t.Errorf("consistency = %+v", c)
	}
}
