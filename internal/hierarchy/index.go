package hierarchy

import (
	"fmt"
	"log/slog"
	"sort"

	"cell-admin/internal/geo"
	"cell-admin/internal/logger"
	"cell-admin/internal/metrics"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
)

const (
	pointEps = 1e-12
	rectEps  = 1e-9
	maxDepth = 16
)

// IndexOptions：索引构建参数
type IndexOptions struct {
	Repairer     geo.Repairer // 为空时使用 geo.DefaultRepairer
	InferParents bool         // 为缺失 parent_id 的单元按几何推断上级
	Logger       *slog.Logger
}

// IndexReport：构建期间的几何修复与上级推断记录
type IndexReport struct {
	Repaired []int64
	Excluded []int64
	Inferred map[int64]int64
}

type entry struct {
	unit  Unit
	bound orb.Bound
	rect  rtreego.Rect
	anc   map[Level]int64 // 有效祖先，不含自身
	root  int64           // 所属省；0 表示链路断开
}

func (e *entry) Bounds() rtreego.Rect { return e.rect }

// ancestorIs：链路中该层祖先为 matched，或该层不存在（回退链）
func (e *entry) ancestorIs(l Level, matched int64) bool {
	a, has := e.anc[l]
	if !has {
		return true
	}
	return matched != 0 && a == matched
}

// Index：一个作用域（全国或单个省的包围盒）内行政单元的只读索引
// 约束：构建后不再修改；按层级各建一棵 R-Tree，候选结果按 id 排序以保证确定性
type Index struct {
	byID     map[int64]*entry
	trees    map[Level]*rtreego.Rtree
	excluded map[int64]*int64 // 被排除单元 → 其 parent_id，用于链路跳过
	report   IndexReport
	log      *slog.Logger
}

// 文档注释：构建层级索引
// 背景：几何先校验，无效则修复；修复失败的单元移出候选并记录日志，落在其中的单元格回退到上一层。
// 约束：相同 id 仅保留首个（按 id 排序后）；未知层级忽略。
func NewIndex(units []Unit, opts IndexOptions) (*Index, IndexReport) {
	rep := opts.Repairer
	if rep == nil {
		rep = geo.DefaultRepairer
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.L()
	}
	sorted := append([]Unit(nil), units...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	ix := &Index{
		byID:     make(map[int64]*entry, len(sorted)),
		trees:    make(map[Level]*rtreego.Rtree),
		excluded: make(map[int64]*int64),
		report:   IndexReport{Inferred: map[int64]int64{}},
		log:      lg,
	}
	for _, u := range sorted {
		if _, dup := ix.byID[u.ID]; dup {
			continue
		}
		if u.Level.Rank() < 0 {
			lg.Warn("unit_level_unknown", "unit_id", u.ID, "level", string(u.Level))
			continue
		}
		if err := geo.Validate(u.Geom); err != nil {
			fixed, rerr := rep.Repair(u.Geom)
			if rerr != nil {
				lg.Warn("geometry_excluded", "unit_id", u.ID, "level", string(u.Level), "name", u.Name, "reason", err.Error(), "repair_err", rerr.Error())
				metrics.GeometryRepairsTotal.WithLabelValues(string(u.Level), "failed").Inc()
				ix.excluded[u.ID] = u.ParentID
				ix.report.Excluded = append(ix.report.Excluded, u.ID)
				continue
			}
			lg.Info("geometry_repaired", "unit_id", u.ID, "level", string(u.Level), "reason", err.Error())
			metrics.GeometryRepairsTotal.WithLabelValues(string(u.Level), "repaired").Inc()
			ix.report.Repaired = append(ix.report.Repaired, u.ID)
			u.Geom = fixed
		}
		b := u.Geom.Bound()
		rect, err := toRect(b)
		if err != nil {
			lg.Warn("geometry_excluded", "unit_id", u.ID, "level", string(u.Level), "reason", err.Error())
			ix.excluded[u.ID] = u.ParentID
			ix.report.Excluded = append(ix.report.Excluded, u.ID)
			continue
		}
		e := &entry{unit: u, bound: b, rect: rect}
		ix.byID[u.ID] = e
		t := ix.trees[u.Level]
		if t == nil {
			t = rtreego.NewTree(2, 25, 50)
			ix.trees[u.Level] = t
		}
		t.Insert(e)
	}
	if opts.InferParents {
		ix.inferParents()
	}
	for _, e := range ix.sortedEntries() {
		ix.chain(e, 0)
	}
	return ix, ix.report
}

func toRect(b orb.Bound) (rtreego.Rect, error) {
	lo := rtreego.Point{b.Min[0], b.Min[1]}
	hi := rtreego.Point{b.Max[0], b.Max[1]}
	for i := range hi {
		if hi[i]-lo[i] < rectEps {
			hi[i] = lo[i] + rectEps
		}
	}
	r, err := rtreego.NewRectFromPoints(lo, hi)
	if err != nil {
		return rtreego.Rect{}, fmt.Errorf("bound %v: %w", b, err)
	}
	return r, nil
}

func (ix *Index) sortedEntries() []*entry {
	out := make([]*entry, 0, len(ix.byID))
	for _, e := range ix.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].unit.ID < out[j].unit.ID })
	return out
}

// 上级推断：取包含单元内部点的最近一层包围单元，多个时取与其包围盒相交面积最大者
func (ix *Index) inferParents() {
	for _, e := range ix.sortedEntries() {
		u := e.unit
		if u.ParentID != nil || u.Level == Province {
			continue
		}
		pt, ok := geo.InteriorPoint(u.Geom)
		if !ok {
			continue
		}
		var best *entry
		bestArea := -1.0
		for r := u.Level.Rank() - 1; r >= 0 && best == nil; r-- {
			for _, c := range ix.containing(Levels[r], pt) {
				if a := geo.IntersectionArea(c.unit.Geom, e.bound); a > bestArea {
					best, bestArea = c, a
				}
			}
		}
		if best == nil {
			continue
		}
		pid := best.unit.ID
		e.unit.ParentID = &pid
		ix.report.Inferred[u.ID] = pid
		ix.log.Debug("parent_inferred", "unit_id", u.ID, "parent_id", pid, "parent_level", string(best.unit.Level))
	}
}

// effectiveParent：沿 parent_id 上溯，跳过被排除的单元；上级不在作用域内返回 0
func (ix *Index) effectiveParent(p *int64) int64 {
	for i := 0; p != nil && i < maxDepth; i++ {
		if _, ok := ix.byID[*p]; ok {
			return *p
		}
		next, ok := ix.excluded[*p]
		if !ok {
			return 0
		}
		p = next
	}
	return 0
}

func (ix *Index) chain(e *entry, depth int) {
	if e.anc != nil {
		return
	}
	e.anc = map[Level]int64{}
	if e.unit.Level == Province {
		e.root = e.unit.ID
		return
	}
	pid := ix.effectiveParent(e.unit.ParentID)
	if pid == 0 || pid == e.unit.ID || depth > maxDepth {
		return
	}
	p := ix.byID[pid]
	ix.chain(p, depth+1)
	for l, id := range p.anc {
		e.anc[l] = id
	}
	e.anc[p.unit.Level] = p.unit.ID
	e.root = p.root
}

// containing：某层中几何包含该点的单元，按 id 升序
func (ix *Index) containing(l Level, pt orb.Point) []*entry {
	t := ix.trees[l]
	if t == nil {
		return nil
	}
	hits := t.SearchIntersect(rtreego.Point{pt[0], pt[1]}.ToRect(pointEps))
	out := make([]*entry, 0, len(hits))
	for _, h := range hits {
		e := h.(*entry)
		if e.bound.Contains(pt) && geo.Contains(e.unit.Geom, pt) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].unit.ID < out[j].unit.ID })
	return out
}

func (ix *Index) intersecting(l Level, b orb.Bound) []*entry {
	t := ix.trees[l]
	if t == nil {
		return nil
	}
	rect, err := toRect(b)
	if err != nil {
		return nil
	}
	hits := t.SearchIntersect(rect)
	out := make([]*entry, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.(*entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].unit.ID < out[j].unit.ID })
	return out
}

func (ix *Index) Len() int { return len(ix.byID) }

func (ix *Index) Report() IndexReport { return ix.report }

// Unit：返回修复后的单元（含推断出的上级）
func (ix *Index) Unit(id int64) (Unit, bool) {
	e, ok := ix.byID[id]
	if !ok {
		return Unit{}, false
	}
	return e.unit, true
}

// Units：某层全部可用单元，按 id 升序
func (ix *Index) Units(l Level) []Unit {
	var out []Unit
	for _, e := range ix.sortedEntries() {
		if e.unit.Level == l {
			out = append(out, e.unit)
		}
	}
	return out
}

// Root：单元所属省 id；链路断开返回 0
func (ix *Index) Root(id int64) int64 {
	if e, ok := ix.byID[id]; ok {
		return e.root
	}
	return 0
}

// Ancestors：有效祖先（层级 → id），不含自身
func (ix *Index) Ancestors(id int64) map[Level]int64 {
	e, ok := ix.byID[id]
	if !ok {
		return nil
	}
	out := make(map[Level]int64, len(e.anc))
	for l, a := range e.anc {
		out[l] = a
	}
	return out
}

// HasAncestor：anc 是否位于 id 的有效祖先链上
func (ix *Index) HasAncestor(id, anc int64) bool {
	e, ok := ix.byID[id]
	if !ok {
		return false
	}
	for _, a := range e.anc {
		if a == anc {
			return true
		}
	}
	return false
}

// Containing：某层中包含该点的单元，按 id 升序
func (ix *Index) Containing(l Level, pt orb.Point) []Unit {
	es := ix.containing(l, pt)
	out := make([]Unit, len(es))
	for i, e := range es {
		out[i] = e.unit
	}
	return out
}

// 文档注释：按“完全在内”重新推导单元的上级
// 背景：边界跨越的单元用“相交/接触”会得到错误上级；此处先找由细到粗第一层完全包含该单元的候选。
// 约束：无完全包含者时退回与单元包围盒相交面积最大的较粗层单元（同面积取更细层，再取小 id）；仅接触不计。
func (ix *Index) DeriveParent(id int64) (Unit, bool) {
	e, ok := ix.byID[id]
	if !ok {
		return Unit{}, false
	}
	rank := e.unit.Level.Rank()
	for r := rank - 1; r >= 0; r-- {
		var best *entry
		bestArea := -1.0
		for _, c := range ix.intersecting(Levels[r], e.bound) {
			if c.unit.ID == id || !geo.CoveredBy(e.unit.Geom, c.unit.Geom) {
				continue
			}
			if a := geo.IntersectionArea(c.unit.Geom, e.bound); a > bestArea {
				best, bestArea = c, a
			}
		}
		if best != nil {
			return best.unit, true
		}
	}
	var best *entry
	bestArea := 0.0
	for r := rank - 1; r >= 0; r-- {
		for _, c := range ix.intersecting(Levels[r], e.bound) {
			if c.unit.ID == id {
				continue
			}
			a := geo.IntersectionArea(c.unit.Geom, e.bound)
			if a > bestArea || (best != nil && a == bestArea && c.unit.Level.Rank() > best.unit.Level.Rank()) {
				best, bestArea = c, a
			}
		}
	}
	if best == nil {
		return Unit{}, false
	}
	return best.unit, true
}
