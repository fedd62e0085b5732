// 包 geo：行政边界几何的校验、修复与包含判定，统一基于 orb 的平面几何
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var (
	ErrEmptyGeometry    = errors.New("geo: empty geometry")
	ErrShortRing        = errors.New("geo: ring has fewer than 4 points")
	ErrOpenRing         = errors.New("geo: ring is not closed")
	ErrNonFinite        = errors.New("geo: non-finite coordinate")
	ErrDuplicatePoint   = errors.New("geo: consecutive duplicate points")
	ErrZeroArea         = errors.New("geo: ring has zero area")
	ErrSelfIntersection = errors.New("geo: ring self-intersects")
	ErrHoleOutside      = errors.New("geo: hole outside shell")
	ErrUnrepairable     = errors.New("geo: geometry cannot be repaired")
)

// MaxSelfIntersectionCheck：自相交检测的环顶点上限
// 约束：检测为 O(n²)，超过上限的环不做检测，依赖库内 ST_IsValid 预处理（见 boundary-repair）
var MaxSelfIntersectionCheck = 4096

// Validate：返回发现的第一个问题；nil 表示可直接作为包含判定谓词使用
func Validate(mp orb.MultiPolygon) error {
	if len(mp) == 0 {
		return ErrEmptyGeometry
	}
	for pi, poly := range mp {
		if len(poly) == 0 {
			return fmt.Errorf("%w: polygon %d", ErrEmptyGeometry, pi)
		}
		for ri, ring := range poly {
			if err := validateRing(ring); err != nil {
				return fmt.Errorf("polygon %d ring %d: %w", pi, ri, err)
			}
			if ri > 0 && !planar.RingContains(poly[0], ring[0]) {
				return fmt.Errorf("polygon %d ring %d: %w", pi, ri, ErrHoleOutside)
			}
		}
	}
	return nil
}

func validateRing(ring orb.Ring) error {
	if len(ring) < 4 {
		return ErrShortRing
	}
	for i, p := range ring {
		if !finite(p) {
			return ErrNonFinite
		}
		if i > 0 && p.Equal(ring[i-1]) {
			return ErrDuplicatePoint
		}
	}
	if !ring.Closed() {
		return ErrOpenRing
	}
	if planar.Area(ring) == 0 {
		return ErrZeroArea
	}
	if len(ring) <= MaxSelfIntersectionCheck && selfIntersects(ring) {
		return ErrSelfIntersection
	}
	return nil
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

// 朴素的两两线段相交检测；相邻线段共享端点不算相交
func selfIntersects(ring orb.Ring) bool {
	n := len(ring) - 1 // 末点与首点重合
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[i+1]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(a1, a2, ring[j], ring[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) ||
		(d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) ||
		(d4 == 0 && onSegment(p1, p2, p4))
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// Repairer：几何修复器；修复失败返回 error，调用方据此将单元移出候选
type Repairer interface {
	Repair(mp orb.MultiPolygon) (orb.MultiPolygon, error)
}

// DefaultRepairer：默认修复器；以 geos 构建标签编译时替换为 GEOS MakeValid
var DefaultRepairer Repairer = NormalizeRepairer{}

// NormalizeRepairer：纯 Go 的规整化修复
// 背景：上游多边形常见问题为未闭合、重复点、退化环与方向错误，均可无损规整
// 约束：不处理自相交；自相交多边形规整后仍校验失败，返回 ErrUnrepairable
type NormalizeRepairer struct{}

func (NormalizeRepairer) Repair(mp orb.MultiPolygon) (orb.MultiPolygon, error) {
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		if len(poly) == 0 {
			continue
		}
		shell := cleanRing(poly[0])
		if shell == nil {
			continue
		}
		if shell.Orientation() == orb.CW {
			shell.Reverse()
		}
		np := orb.Polygon{shell}
		for _, h := range poly[1:] {
			hole := cleanRing(h)
			if hole == nil || !planar.RingContains(shell, hole[0]) {
				continue
			}
			if hole.Orientation() == orb.CCW {
				hole.Reverse()
			}
			np = append(np, hole)
		}
		out = append(out, np)
	}
	if len(out) == 0 {
		return nil, ErrUnrepairable
	}
	if err := Validate(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrepairable, err)
	}
	return out, nil
}

// cleanRing：去除非有限点与连续重复点并闭合；退化（点数不足或零面积）返回 nil
func cleanRing(r orb.Ring) orb.Ring {
	out := make(orb.Ring, 0, len(r)+1)
	for _, p := range r {
		if !finite(p) {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Equal(p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 0 && !out[0].Equal(out[len(out)-1]) {
		out = append(out, out[0])
	}
	if len(out) < 4 || planar.Area(out) == 0 {
		return nil
	}
	return out
}
