// 网格种子：可选导入 GeoJSON 边界，再按省枚举各分辨率的 H3 单元写入 grid_cells
// 背景：开发与测试环境没有上游网格表时使用；生产网格由上游维护
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"cell-admin/internal/app"
	"cell-admin/internal/config"
	"cell-admin/internal/geo"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/logger"
	"cell-admin/internal/store/memstore"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load(".env")
	l := logger.Setup()
	resolutions, err := config.ParseTiers(envOr("SEED_RESOLUTIONS", envOr("TIERS", "6,7,8,9")))
	if err != nil {
		l.Error("config_error", "var", "SEED_RESOLUTIONS", "err", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	st, err := app.OpenStore(ctx, l)
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if dir := os.Getenv("BOUNDARY_DIR"); dir != "" {
		units, err := memstore.ReadBoundaries(dir)
		if err != nil {
			l.Error("boundary_read_error", "dir", dir, "err", err)
			st.Close()
			os.Exit(1)
		}
		n, err := st.UpsertUnits(ctx, units)
		if err != nil {
			l.Error("boundary_upsert_error", "err", err)
			st.Close()
			os.Exit(1)
		}
		l.Info("boundary_upsert_ok", "dir", dir, "units", n)
	}

	provinces, err := st.Provinces(ctx)
	if err != nil {
		l.Error("provinces_error", "err", err)
		st.Close()
		os.Exit(1)
	}
	for _, res := range resolutions {
		var (
			mu    sync.Mutex
			total int64
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.NumCPU())
		for _, p := range provinces {
			p := p
			g.Go(func() error {
				cells, err := provinceCells(p, res)
				if err != nil {
					l.Warn("seed_province_error", "province_id", p.ID, "resolution", res, "err", err)
					return nil
				}
				n, err := st.InsertCells(gctx, cells)
				if err != nil {
					return err
				}
				mu.Lock()
				total += n
				mu.Unlock()
				l.Debug("seed_province_ok", "province_id", p.ID, "resolution", res, "cells", len(cells), "inserted", n)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			l.Error("seed_error", "resolution", res, "err", err)
			st.Close()
			os.Exit(1)
		}
		l.Info("seed_tier_ok", "resolution", res, "provinces", len(provinces), "inserted", total)
	}
}

// provinceCells：省内中心点落入的全部单元格；相邻省的重复单元由 InsertCells 的冲突忽略去重
func provinceCells(p hierarchy.Unit, res int) ([]hierarchy.GridCell, error) {
	var out []hierarchy.GridCell
	for _, poly := range p.Geom {
		cells, err := geo.CellsInPolygon(poly, res)
		if err != nil {
			return nil, err
		}
		for _, c := range cells {
			center, err := geo.CellCenter(c)
			if err != nil {
				return nil, err
			}
			out = append(out, hierarchy.GridCell{ID: c.String(), Resolution: res, Center: center})
		}
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
