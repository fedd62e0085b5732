package memstore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cell-admin/internal/geo"
	"cell-admin/internal/hierarchy"

	"github.com/paulmach/orb"
)

var ErrMissingColumn = errors.New("memstore: missing column")

// 文档注释：从 GeoJSON 目录加载行政单元
// 背景：要素属性 id、level 必填；parent_id 缺失或为 null 表示无上级；name、area 可选。
// 约束：层级无法识别或缺少 id 的要素报错返回，避免静默丢失边界。
func (s *Store) LoadBoundaries(dir string) (int, error) {
	units, err := ReadBoundaries(dir)
	if err != nil {
		return 0, err
	}
	s.AddUnits(units...)
	return len(units), nil
}

// ReadBoundaries：解析 GeoJSON 目录为行政单元，不写入任何存储
func ReadBoundaries(dir string) ([]hierarchy.Unit, error) {
	fs, err := geo.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	units := make([]hierarchy.Unit, 0, len(fs))
	for i, f := range fs {
		id := int64(f.Properties.MustFloat64("id", 0))
		if id == 0 {
			return nil, fmt.Errorf("%s feature %d: missing id", f.Source, i)
		}
		l, err := hierarchy.ParseLevel(f.Properties.MustString("level", ""))
		if err != nil {
			return nil, fmt.Errorf("%s unit %d: %w", f.Source, id, err)
		}
		u := hierarchy.Unit{
			ID:    id,
			Level: l,
			Name:  f.Properties.MustString("name", ""),
			Geom:  f.Geom,
			Area:  f.Properties.MustFloat64("area", 0),
		}
		if v, ok := f.Properties["parent_id"]; ok && v != nil {
			p := int64(f.Properties.MustFloat64("parent_id", 0))
			u.ParentID = &p
		}
		units = append(units, u)
	}
	return units, nil
}

// 文档注释：从 CSV 加载网格单元
// 约束：表头需含 cell_id；H3 编号可省略 resolution、lat、lng（由编号推出），其他编号三者必填。
func (s *Store) LoadCellsCSV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	cells, err := ReadCellsCSV(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	s.AddCells(cells...)
	return len(cells), nil
}

func ReadCellsCSV(r io.Reader) ([]hierarchy.GridCell, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, err
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["cell_id"]; !ok {
		return nil, fmt.Errorf("%w: cell_id", ErrMissingColumn)
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	var out []hierarchy.GridCell
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		c := hierarchy.GridCell{ID: get(rec, "cell_id")}
		h3c, isH3 := geo.ParseCell(c.ID)
		if v := get(rec, "resolution"); v != "" {
			if c.Resolution, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("line %d resolution: %w", line, err)
			}
		} else if isH3 {
			c.Resolution = h3c.Resolution()
		} else {
			return nil, fmt.Errorf("line %d: %w: resolution", line, ErrMissingColumn)
		}
		lat, lng := get(rec, "lat"), get(rec, "lng")
		switch {
		case lat != "" && lng != "":
			y, err1 := strconv.ParseFloat(lat, 64)
			x, err2 := strconv.ParseFloat(lng, 64)
			if err := errors.Join(err1, err2); err != nil {
				return nil, fmt.Errorf("line %d center: %w", line, err)
			}
			c.Center = orb.Point{x, y}
		case isH3:
			if c.Center, err = geo.CellCenter(h3c); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		default:
			return nil, fmt.Errorf("line %d: %w: lat/lng", line, ErrMissingColumn)
		}
		out = append(out, c)
	}
	return out, nil
}
