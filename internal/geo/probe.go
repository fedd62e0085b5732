package geo

import (
	"fmt"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"
)

// ParseCell：将十六进制文本解析为 H3 索引；非 H3 编号返回 false
func ParseCell(id string) (h3.Cell, bool) {
	v, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return 0, false
	}
	c := h3.Cell(v)
	return c, c.IsValid()
}

// ResolutionMismatch：编号是合法 H3 索引但分辨率不等于 resolution；非 H3 编号总是 false
func ResolutionMismatch(id string, resolution int) bool {
	c, ok := ParseCell(id)
	return ok && c.Resolution() != resolution
}

// ProbeBound：单元格的探测区域，用于同层多候选的面积裁决
// 背景：H3 单元取六边形边界的包围盒；非 H3 编号（测试或外部网格）以中心外扩 radius 度
func ProbeBound(cellID string, center orb.Point, radius float64) orb.Bound {
	if c, ok := ParseCell(cellID); ok {
		if cb, err := c.Boundary(); err == nil && len(cb) > 0 {
			b := orb.Bound{Min: orb.Point{cb[0].Lng, cb[0].Lat}, Max: orb.Point{cb[0].Lng, cb[0].Lat}}
			for _, ll := range cb[1:] {
				b = b.Extend(orb.Point{ll.Lng, ll.Lat})
			}
			return b
		}
	}
	return center.Bound().Pad(radius)
}

// CellCenter：H3 单元中心点（经度, 纬度）
func CellCenter(c h3.Cell) (orb.Point, error) {
	ll, err := c.LatLng()
	if err != nil {
		return orb.Point{}, fmt.Errorf("h3 center %s: %w", c.String(), err)
	}
	return orb.Point{ll.Lng, ll.Lat}, nil
}

// CellsInPolygon：枚举中心落在多边形内的 H3 单元（网格种子工具使用）
func CellsInPolygon(poly orb.Polygon, resolution int) ([]h3.Cell, error) {
	if len(poly) == 0 {
		return nil, nil
	}
	gp := h3.GeoPolygon{GeoLoop: toLoop(poly[0])}
	for _, h := range poly[1:] {
		gp.Holes = append(gp.Holes, toLoop(h))
	}
	return h3.PolygonToCells(gp, resolution)
}

func toLoop(r orb.Ring) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(r))
	for _, p := range r {
		loop = append(loop, h3.LatLng{Lat: p[1], Lng: p[0]})
	}
	return loop
}
