package hierarchy

import (
	"errors"

	"cell-admin/internal/geo"
	"cell-admin/internal/metrics"

	"github.com/paulmach/orb"
)

// DefaultProbeRadius：非 H3 编号时探测区域的外扩半径（度）
const DefaultProbeRadius = 0.01

// ErrNoProvince：分区省份不在索引中（几何修复失败被排除）
var ErrNoProvince = errors.New("hierarchy: province not in index")

type ResolverOptions struct {
	ProbeRadius float64
}

// Resolver：纯判定函数，不持有可变状态，可在多个分区间复用
type Resolver struct {
	provinces *Index
	scope     *Index
	opts      ResolverOptions
}

// NewResolver：provinces 为全国省级索引，scope 为当前分区范围内的全部层级单元；
// provinces 为空时省级判定也使用 scope
func NewResolver(provinces, scope *Index, opts ResolverOptions) *Resolver {
	if opts.ProbeRadius <= 0 {
		opts.ProbeRadius = DefaultProbeRadius
	}
	if provinces == nil {
		provinces = scope
	}
	return &Resolver{provinces: provinces, scope: scope, opts: opts}
}

// PartitionResult：一个省分区的判定结果
type PartitionResult struct {
	Rows     []Mapping
	Gaps     []string
	Foreign  int // 中心点归属其他省，由该省分区负责
	Rejected int
}

// 文档注释：单个单元格的逐级判定
// 背景：省级点入面决定是否为覆盖缺口；区、社区、聚落只在匹配省的有效后代中选择，
// 社区与聚落还需与已匹配的区/社区在同一链路上（对应层缺失时放行）。
// 约束：同层多个候选按探测区域内相交面积取最大，面积完全相同取较小 id；聚落按 A、B、C 顺序，首个命中即停。
func (r *Resolver) Resolve(cell GridCell) (Mapping, Outcome) {
	m := Mapping{CellID: cell.ID, Resolution: cell.Resolution}
	if geo.ResolutionMismatch(cell.ID, cell.Resolution) {
		return m, Rejected
	}
	pt := cell.Center
	var probe *orb.Bound
	probeFn := func() orb.Bound {
		if probe == nil {
			b := geo.ProbeBound(cell.ID, pt, r.opts.ProbeRadius)
			probe = &b
		}
		return *probe
	}

	prov := pick(r.provinces, Province, pt, probeFn, nil)
	if prov == nil {
		return m, Gap
	}
	pid := prov.unit.ID
	m.Province = prov.unit.Ref()

	var did, cid int64
	if d := pick(r.scope, District, pt, probeFn, func(e *entry) bool {
		return e.root == pid
	}); d != nil {
		did = d.unit.ID
		m.District = refPtr(d.unit.Ref())
	}
	if c := pick(r.scope, Community, pt, probeFn, func(e *entry) bool {
		return e.root == pid && e.ancestorIs(District, did)
	}); c != nil {
		cid = c.unit.ID
		m.Community = refPtr(c.unit.Ref())
	}
	for _, tier := range SettlementTiers {
		s := pick(r.scope, tier, pt, probeFn, func(e *entry) bool {
			return e.root == pid && e.ancestorIs(District, did) && e.ancestorIs(Community, cid)
		})
		if s != nil {
			m.Settlement = refPtr(s.unit.Ref())
			m.SettlementLevel = tier
			break
		}
	}
	return m, Mapped
}

// ResolvePartition：判定一个省分区的单元格，仅产出归属该省的行
func (r *Resolver) ResolvePartition(province Unit, cells []GridCell) PartitionResult {
	var res PartitionResult
	for _, c := range cells {
		m, out := r.Resolve(c)
		switch out {
		case Rejected:
			res.Rejected++
		case Gap:
			res.Gaps = append(res.Gaps, c.ID)
		default:
			if m.Province.ID != province.ID {
				res.Foreign++
				continue
			}
			res.Rows = append(res.Rows, m)
		}
	}
	return res
}

func pick(ix *Index, l Level, pt orb.Point, probe func() orb.Bound, keep func(*entry) bool) *entry {
	if ix == nil {
		return nil
	}
	var cands []*entry
	for _, e := range ix.containing(l, pt) {
		if keep == nil || keep(e) {
			cands = append(cands, e)
		}
	}
	switch len(cands) {
	case 0:
		return nil
	case 1:
		return cands[0]
	}
	metrics.AmbiguousMatchesTotal.WithLabelValues(string(l)).Inc()
	b := probe()
	best := cands[0]
	bestArea := geo.IntersectionArea(best.unit.Geom, b)
	for _, e := range cands[1:] {
		if a := geo.IntersectionArea(e.unit.Geom, b); a > bestArea {
			best, bestArea = e, a
		}
	}
	return best
}
