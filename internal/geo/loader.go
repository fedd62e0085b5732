package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
)

// Feature：从 GeoJSON 读取的一个面要素及其属性
type Feature struct {
	Properties geojson.Properties
	Geom       orb.MultiPolygon
	Source     string
}

// 文档注释：从数据目录加载行政边界要素
// 背景：离线演练（DRY_RUN）与测试不依赖数据库，直接读取 *.geojson；多文件并行解析。
// 约束：仅保留 Polygon/MultiPolygon 要素；返回顺序按文件名与文件内顺序稳定排列。
func LoadDir(dir string) ([]Feature, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, ent := range entries {
		name := strings.ToLower(ent.Name())
		if !ent.IsDir() && (strings.HasSuffix(name, ".geojson") || strings.HasSuffix(name, ".json")) {
			files = append(files, filepath.Join(dir, ent.Name()))
		}
	}
	sort.Strings(files)
	perFile := make([][]Feature, len(files))
	var g errgroup.Group
	g.SetLimit(4)
	for i, fp := range files {
		i, fp := i, fp
		g.Go(func() error {
			fs, err := LoadFile(fp)
			if err != nil {
				return err
			}
			perFile[i] = fs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Feature
	for _, fs := range perFile {
		out = append(out, fs...)
	}
	return out, nil
}

// LoadFile：解析单个 FeatureCollection 文件
func LoadFile(path string) ([]Feature, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("geojson %s: %w", path, err)
	}
	out := make([]Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		mp := Polygons(f.Geometry)
		if len(mp) == 0 {
			continue
		}
		out = append(out, Feature{Properties: f.Properties, Geom: mp, Source: filepath.Base(path)})
	}
	return out, nil
}
