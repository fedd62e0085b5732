package geo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
)

// Contains：点入多面判定，边界上的点视为命中
func Contains(mp orb.MultiPolygon, pt orb.Point) bool {
	return planar.MultiPolygonContains(mp, pt)
}

// IntersectionArea：多面与探测框相交部分的平面面积
// 背景：同层多个候选同时包含中心点时，以探测区域内的覆盖面积决定归属，与遍历顺序无关
func IntersectionArea(mp orb.MultiPolygon, b orb.Bound) float64 {
	if !mp.Bound().Intersects(b) {
		return 0
	}
	clipped := clip.MultiPolygon(b, mp.Clone())
	if len(clipped) == 0 {
		return 0
	}
	return math.Abs(planar.Area(clipped))
}

// CoveredBy：inner 的全部外环顶点都落在 outer 内（含边界），即“完全在内”
// 约束：以顶点近似，不检测 outer 的洞与 inner 边的交叉
func CoveredBy(inner, outer orb.MultiPolygon) bool {
	if len(inner) == 0 || len(outer) == 0 {
		return false
	}
	ob := outer.Bound()
	ib := inner.Bound()
	if !ob.Contains(ib.Min) || !ob.Contains(ib.Max) {
		return false
	}
	for _, poly := range inner {
		if len(poly) == 0 {
			continue
		}
		for _, p := range poly[0] {
			if !planar.MultiPolygonContains(outer, p) {
				return false
			}
		}
	}
	return true
}

// InteriorPoint：返回保证落在多面内部的一个点
// 先取最大多边形质心；质心落在外面（凹形/有洞）时退回扫描线取首个内部区间中点
func InteriorPoint(mp orb.MultiPolygon) (orb.Point, bool) {
	var best orb.Polygon
	bestArea := -1.0
	for _, poly := range mp {
		if a := math.Abs(planar.Area(poly)); a > bestArea {
			bestArea, best = a, poly
		}
	}
	if len(best) == 0 {
		return orb.Point{}, false
	}
	c, _ := planar.CentroidArea(best)
	if planar.PolygonContains(best, c) {
		return c, true
	}
	y := c[1]
	var xs []float64
	for _, ring := range best {
		for i := 0; i+1 < len(ring); i++ {
			a, b := ring[i], ring[i+1]
			if (a[1] > y) != (b[1] > y) {
				xs = append(xs, a[0]+(y-a[1])*(b[0]-a[0])/(b[1]-a[1]))
			}
		}
	}
	sort.Float64s(xs)
	for i := 0; i+1 < len(xs); i += 2 {
		p := orb.Point{(xs[i] + xs[i+1]) / 2, y}
		if planar.PolygonContains(best, p) {
			return p, true
		}
	}
	return best[0][0], true
}

// Polygons：从任意几何中抽取面要素，非面几何忽略
func Polygons(g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{v}
	case orb.MultiPolygon:
		return v
	case orb.Collection:
		var out orb.MultiPolygon
		for _, it := range v {
			out = append(out, Polygons(it)...)
		}
		return out
	}
	return nil
}
