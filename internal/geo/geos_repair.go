//go:build geos

package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/twpayne/go-geos"
)

// GEOSRepairer：使用 GEOS MakeValid 修复自相交等纯 Go 规整化无法处理的几何
// 约束：需 cgo 与系统 libgeos；仅在 -tags geos 构建时启用
type GEOSRepairer struct{}

func init() { DefaultRepairer = GEOSRepairer{} }

func (GEOSRepairer) Repair(mp orb.MultiPolygon) (orb.MultiPolygon, error) {
	// 先做无损规整，能修好则不进入 GEOS
	if out, err := (NormalizeRepairer{}).Repair(mp); err == nil {
		return out, nil
	}
	raw, err := wkb.Marshal(mp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrepairable, err)
	}
	g, err := geos.NewGeomFromWKB(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrepairable, err)
	}
	fixed := g.MakeValid()
	if fixed == nil || fixed.IsEmpty() {
		return nil, ErrUnrepairable
	}
	og, err := wkb.Unmarshal(fixed.ToWKB())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrepairable, err)
	}
	out := Polygons(og)
	if len(out) == 0 {
		return nil, ErrUnrepairable
	}
	if err := Validate(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrepairable, err)
	}
	return out, nil
}
