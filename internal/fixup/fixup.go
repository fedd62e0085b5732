package fixup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cell-admin/internal/geo"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/logger"
	"cell-admin/internal/metrics"

	"github.com/paulmach/orb"
)

var (
	ErrNoParent   = errors.New("fixup: no enclosing parent")
	ErrIncomplete = errors.New("fixup: some exceptions failed")
)

// Boundaries：修正所需的边界读取
type Boundaries interface {
	Unit(ctx context.Context, id int64) (hierarchy.Unit, error)
	UnitsWithin(ctx context.Context, b orb.Bound) ([]hierarchy.Unit, error)
}

type Cells interface {
	CellsInBound(ctx context.Context, resolution int, b orb.Bound, fn func(hierarchy.GridCell) error) error
}

// Store：映射表的覆盖写入
// 约束：ApplyOverrides 在单个事务内覆盖写入并移出缺口表
type Store interface {
	Mappings(ctx context.Context, cellIDs []string) (map[string]hierarchy.Mapping, error)
	ApplyOverrides(ctx context.Context, rows []hierarchy.Mapping) error
	SetDerivedParent(ctx context.Context, unitID, parentID int64) error
}

type Options struct {
	Repairer geo.Repairer
	Logger   *slog.Logger
}

type Failure struct {
	UnitID int64
	Rule   Rule
	Err    error
}

type Report struct {
	Resolution int
	Applied    int
	Cells      int64
	Failed     []Failure
}

type Fixer struct {
	b    Boundaries
	c    Cells
	m    Store
	opts Options
	log  *slog.Logger
}

func New(b Boundaries, c Cells, m Store, opts Options) *Fixer {
	if opts.Repairer == nil {
		opts.Repairer = geo.DefaultRepairer
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.L()
	}
	return &Fixer{b: b, c: c, m: m, opts: opts, log: lg}
}

// 文档注释：对一个分辨率层应用异常清单
// 背景：主流程以点入面判定，飞地与跨界单元会得到错误的上级；此处按规则覆盖写入。
// 约束：先 within 后 enclave，各自按 unit_id 排序；单条失败记录后继续，全部处理完返回 ErrIncomplete。
func (f *Fixer) Apply(ctx context.Context, resolution int, exs []Exception) (Report, error) {
	rep := Report{Resolution: resolution}
	ordered := append([]Exception(nil), exs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := ordered[i].Rule == Within, ordered[j].Rule == Within
		if ri != rj {
			return ri
		}
		return ordered[i].UnitID < ordered[j].UnitID
	})
	for _, ex := range ordered {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		start := time.Now()
		var n int64
		var err error
		switch ex.Rule {
		case Enclave:
			n, err = f.applyEnclave(ctx, resolution, ex)
		case Within:
			n, err = f.applyWithin(ctx, resolution, ex)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownRule, ex.Rule)
		}
		if err != nil {
			f.log.Error("fixup_failed", "unit_id", ex.UnitID, "rule", string(ex.Rule), "resolution", resolution, "err", err)
			rep.Failed = append(rep.Failed, Failure{UnitID: ex.UnitID, Rule: ex.Rule, Err: err})
			continue
		}
		rep.Applied++
		rep.Cells += n
		metrics.FixupCellsTotal.WithLabelValues(string(ex.Rule)).Add(float64(n))
		f.log.Info("fixup_applied", "unit_id", ex.UnitID, "rule", string(ex.Rule), "resolution", resolution, "cells", n, "elapsed_ms", time.Since(start).Milliseconds())
	}
	if len(rep.Failed) > 0 {
		return rep, fmt.Errorf("%w: %d of %d", ErrIncomplete, len(rep.Failed), len(ordered))
	}
	return rep, nil
}

func (f *Fixer) unit(ctx context.Context, id int64) (hierarchy.Unit, error) {
	u, err := f.b.Unit(ctx, id)
	if err != nil {
		return hierarchy.Unit{}, fmt.Errorf("load unit %d: %w", id, err)
	}
	if err := geo.Validate(u.Geom); err != nil {
		fixed, rerr := f.opts.Repairer.Repair(u.Geom)
		if rerr != nil {
			return hierarchy.Unit{}, fmt.Errorf("unit %d geometry: %w", id, rerr)
		}
		u.Geom = fixed
	}
	return u, nil
}

// cellsIn：中心点落在单元几何内的单元格；编号分辨率与层不符的单元格主流程已拒绝，这里同样跳过
func (f *Fixer) cellsIn(ctx context.Context, resolution int, u hierarchy.Unit) ([]hierarchy.GridCell, error) {
	var out []hierarchy.GridCell
	err := f.c.CellsInBound(ctx, resolution, u.Geom.Bound(), func(c hierarchy.GridCell) error {
		if geo.ResolutionMismatch(c.ID, resolution) {
			return nil
		}
		if geo.Contains(u.Geom, c.Center) {
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func (f *Fixer) applyEnclave(ctx context.Context, resolution int, ex Exception) (int64, error) {
	u, err := f.unit(ctx, ex.UnitID)
	if err != nil {
		return 0, err
	}
	prov := u
	if ex.EquivalentID != nil && *ex.EquivalentID != u.ID {
		if prov, err = f.b.Unit(ctx, *ex.EquivalentID); err != nil {
			return 0, fmt.Errorf("load equivalent %d: %w", *ex.EquivalentID, err)
		}
	}
	cells, err := f.cellsIn(ctx, resolution, u)
	if err != nil {
		return 0, err
	}
	if len(cells) == 0 {
		return 0, nil
	}
	self := u.Ref()
	rows := make([]hierarchy.Mapping, 0, len(cells))
	for _, c := range cells {
		m := hierarchy.Mapping{CellID: c.ID, Resolution: resolution, Province: prov.Ref()}
		if u.Level != hierarchy.Province {
			m.Set(u.Level, &self)
		}
		rows = append(rows, m)
	}
	if err := f.m.ApplyOverrides(ctx, rows); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (f *Fixer) applyWithin(ctx context.Context, resolution int, ex Exception) (int64, error) {
	u, err := f.unit(ctx, ex.UnitID)
	if err != nil {
		return 0, err
	}
	if u.Level == hierarchy.Province {
		return 0, fmt.Errorf("unit %d: %w: province has no parent", u.ID, ErrNoParent)
	}
	scope, err := f.b.UnitsWithin(ctx, u.Geom.Bound())
	if err != nil {
		return 0, fmt.Errorf("load scope: %w", err)
	}
	found := false
	for i := range scope {
		if scope[i].ID == u.ID {
			scope[i].Geom = u.Geom
			found = true
		}
	}
	if !found {
		scope = append(scope, u)
	}
	ix, _ := hierarchy.NewIndex(scope, hierarchy.IndexOptions{Repairer: f.opts.Repairer, InferParents: true, Logger: f.log})
	parent, ok := ix.DeriveParent(u.ID)
	if !ok {
		return 0, fmt.Errorf("unit %d: %w", u.ID, ErrNoParent)
	}

	chain := map[hierarchy.Level]hierarchy.Ref{parent.Level: parent.Ref()}
	for l, id := range ix.Ancestors(parent.ID) {
		if a, ok := ix.Unit(id); ok {
			chain[l] = a.Ref()
		}
	}
	if _, ok := chain[hierarchy.Province]; !ok {
		return 0, fmt.Errorf("unit %d parent %d: %w", u.ID, parent.ID, hierarchy.ErrNoProvince)
	}

	cells, err := f.cellsIn(ctx, resolution, u)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(cells))
	for i, c := range cells {
		ids[i] = c.ID
	}
	existing, err := f.m.Mappings(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load mappings: %w", err)
	}

	rank := u.Level.Rank()
	self := u.Ref()
	rows := make([]hierarchy.Mapping, 0, len(cells))
	for _, c := range cells {
		m := hierarchy.Mapping{CellID: c.ID, Resolution: resolution}
		for _, l := range hierarchy.Levels[:rank] {
			if r, ok := chain[l]; ok {
				r := r
				m.Set(l, &r)
			}
		}
		m.Set(u.Level, &self)
		if old, ok := existing[c.ID]; ok {
			for _, l := range hierarchy.Levels[rank+1:] {
				if r := old.Field(l); r != nil && ix.HasAncestor(r.ID, u.ID) {
					m.Set(l, r)
				}
			}
		}
		rows = append(rows, m)
	}
	if len(rows) > 0 {
		if err := f.m.ApplyOverrides(ctx, rows); err != nil {
			return 0, err
		}
	}
	if err := f.m.SetDerivedParent(ctx, u.ID, parent.ID); err != nil {
		return 0, fmt.Errorf("persist derived parent: %w", err)
	}
	f.log.Debug("derived_parent_set", "unit_id", u.ID, "parent_id", parent.ID, "parent_level", string(parent.Level))
	return int64(len(rows)), nil
}
