// 包 memstore：内存实现的存储，供离线演练（DRY_RUN）与测试使用，契约与 store 包一致
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cell-admin/internal/fixup"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/progress"
	"cell-admin/internal/store"

	"github.com/paulmach/orb"
)

type Store struct {
	mu         sync.Mutex
	units      map[int64]hierarchy.Unit
	cells      map[string]hierarchy.GridCell
	mappings   map[string]hierarchy.Mapping
	gaps       map[string]int
	exceptions map[int64]fixup.Exception
	events     []progress.Event

	// FailInsert：测试注入；返回非空错误时该次写入失败，所在分区回滚
	FailInsert func(rows []hierarchy.Mapping) error
}

func New() *Store {
	return &Store{
		units:      map[int64]hierarchy.Unit{},
		cells:      map[string]hierarchy.GridCell{},
		mappings:   map[string]hierarchy.Mapping{},
		gaps:       map[string]int{},
		exceptions: map[int64]fixup.Exception{},
	}
}

func (s *Store) AddUnits(units ...hierarchy.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		s.units[u.ID] = u
	}
}

func (s *Store) AddCells(cells ...hierarchy.GridCell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cells {
		s.cells[c.ID] = c
	}
}

// InsertCells：与 store.InsertCells 相同语义，已存在的单元格不覆盖
func (s *Store) InsertCells(_ context.Context, cells []hierarchy.GridCell) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range cells {
		if _, ok := s.cells[c.ID]; ok {
			continue
		}
		s.cells[c.ID] = c
		n++
	}
	return n, nil
}

// effective：应用 within 规则推导出的上级
func (s *Store) effective(u hierarchy.Unit) hierarchy.Unit {
	if e, ok := s.exceptions[u.ID]; ok && e.DerivedParentID != nil {
		p := *e.DerivedParentID
		u.ParentID = &p
	}
	return u
}

func (s *Store) sortedUnits(keep func(hierarchy.Unit) bool) []hierarchy.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hierarchy.Unit
	for _, u := range s.units {
		if keep(u) {
			out = append(out, s.effective(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Provinces(context.Context) ([]hierarchy.Unit, error) {
	return s.sortedUnits(func(u hierarchy.Unit) bool { return u.Level == hierarchy.Province }), nil
}

func (s *Store) UnitsWithin(_ context.Context, b orb.Bound) ([]hierarchy.Unit, error) {
	return s.sortedUnits(func(u hierarchy.Unit) bool { return u.Geom.Bound().Intersects(b) }), nil
}

func (s *Store) Unit(_ context.Context, id int64) (hierarchy.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return u, fmt.Errorf("unit %d: %w", id, store.ErrNotFound)
	}
	return s.effective(u), nil
}

func (s *Store) sortedCells(keep func(hierarchy.GridCell) bool) []hierarchy.GridCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hierarchy.GridCell
	for _, c := range s.cells {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func each(ctx context.Context, cells []hierarchy.GridCell, fn func(hierarchy.GridCell) error) error {
	for _, c := range cells {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CellsInBound(ctx context.Context, resolution int, b orb.Bound, fn func(hierarchy.GridCell) error) error {
	return each(ctx, s.sortedCells(func(c hierarchy.GridCell) bool {
		return c.Resolution == resolution && b.Contains(c.Center)
	}), fn)
}

func (s *Store) UnmappedCells(ctx context.Context, resolution int, fn func(hierarchy.GridCell) error) error {
	cells := s.sortedCells(func(c hierarchy.GridCell) bool {
		if c.Resolution != resolution {
			return false
		}
		_, mapped := s.mappings[c.ID]
		return !mapped
	})
	return each(ctx, cells, fn)
}

type tx struct {
	s       *Store
	pending map[string]hierarchy.Mapping
}

func (t *tx) Insert(_ context.Context, rows []hierarchy.Mapping) (int64, error) {
	if t.s.FailInsert != nil {
		if err := t.s.FailInsert(rows); err != nil {
			return 0, err
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for _, m := range rows {
		if _, ok := t.s.mappings[m.CellID]; ok {
			continue
		}
		if _, ok := t.pending[m.CellID]; ok {
			continue
		}
		t.pending[m.CellID] = m
		n++
	}
	return n, nil
}

// InPartition：写入先缓存在事务内，fn 成功后一次提交并移出缺口表，失败整体丢弃
func (s *Store) InPartition(_ context.Context, fn func(tx store.MappingTx) error) error {
	t := &tx{s: s, pending: map[string]hierarchy.Mapping{}}
	if err := fn(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range t.pending {
		if _, ok := s.mappings[id]; !ok {
			s.mappings[id] = m
		}
		delete(s.gaps, id)
	}
	return nil
}

func (s *Store) ClearTier(_ context.Context, resolution int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.mappings {
		if m.Resolution == resolution {
			delete(s.mappings, id)
			n++
		}
	}
	for id, r := range s.gaps {
		if r == resolution {
			delete(s.gaps, id)
		}
	}
	return n, nil
}

func (s *Store) RecordGaps(_ context.Context, resolution int, cellIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range cellIDs {
		s.gaps[id] = resolution
	}
	return nil
}

func (s *Store) Gaps(_ context.Context, resolution int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, r := range s.gaps {
		if r == resolution {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Mappings(_ context.Context, cellIDs []string) (map[string]hierarchy.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]hierarchy.Mapping, len(cellIDs))
	for _, id := range cellIDs {
		if m, ok := s.mappings[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

// Mapping：测试便捷读取
func (s *Store) Mapping(cellID string) (hierarchy.Mapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[cellID]
	return m, ok
}

// Rows：该层全部映射行，按 cell_id 排序
func (s *Store) Rows(resolution int) []hierarchy.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hierarchy.Mapping
	for _, m := range s.mappings {
		if m.Resolution == resolution {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CellID < out[j].CellID })
	return out
}

func (s *Store) ApplyOverrides(_ context.Context, rows []hierarchy.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range rows {
		s.mappings[m.CellID] = m
		delete(s.gaps, m.CellID)
	}
	return nil
}

func (s *Store) SetDerivedParent(_ context.Context, unitID, parentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exceptions[unitID]
	if !ok {
		e = fixup.Exception{UnitID: unitID, Rule: fixup.Within}
	}
	p := parentID
	e.DerivedParentID = &p
	s.exceptions[unitID] = e
	return nil
}

func (s *Store) Exceptions(context.Context) ([]fixup.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fixup.Exception, 0, len(s.exceptions))
	for _, e := range s.exceptions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (s *Store) UpsertExceptions(_ context.Context, exs []fixup.Exception) (int, error) {
	for _, e := range exs {
		if err := e.Validate(); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range exs {
		if old, ok := s.exceptions[e.UnitID]; ok && old.Rule == e.Rule && e.DerivedParentID == nil {
			e.DerivedParentID = old.DerivedParentID
		}
		s.exceptions[e.UnitID] = e
	}
	return len(exs), nil
}

// Record：进度 sink
func (s *Store) Record(_ context.Context, ev progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *Store) Events() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Event(nil), s.events...)
}
