// 包 app：命令入口共用的依赖装配（存储后端、进度汇、例外清单来源）
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cell-admin/internal/batch"
	"cell-admin/internal/config"
	"cell-admin/internal/fixup"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/migrate"
	"cell-admin/internal/progress"
	"cell-admin/internal/store"
	"cell-admin/internal/store/memstore"
	"cell-admin/internal/utils"
)

// ErrNeedsDatabase：只能在 Postgres 后端上执行的操作
var ErrNeedsDatabase = errors.New("operation requires the postgres backend")

// Backend：批处理、修正与校验所需的全部存储能力，Postgres 与内存实现均满足
type Backend interface {
	batch.Boundaries
	batch.Cells
	batch.Mappings
	fixup.Boundaries
	fixup.Store
	progress.Sink
	Exceptions(ctx context.Context) ([]fixup.Exception, error)
	UpsertExceptions(ctx context.Context, exs []fixup.Exception) (int, error)
	InsertCells(ctx context.Context, cells []hierarchy.GridCell) (int64, error)
	CheckConsistency(ctx context.Context, resolution int) (store.Consistency, error)
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*memstore.Store)(nil)
)

// 文档注释：按配置打开存储后端
// 背景：DRY_RUN 时从 GeoJSON 目录与网格 CSV 装入内存，不连接数据库；否则连接 Postgres 并确保表结构。
// 约束：返回的 close 函数总是非 nil，调用方在退出前调用。
func OpenBackend(ctx context.Context, cfg config.Config, l *slog.Logger) (Backend, func(), error) {
	if cfg.DryRun {
		m := memstore.New()
		n, err := m.LoadBoundaries(cfg.BoundaryDir)
		if err != nil {
			return nil, func() {}, fmt.Errorf("load boundaries: %w", err)
		}
		c, err := m.LoadCellsCSV(cfg.GridFile)
		if err != nil {
			return nil, func() {}, fmt.Errorf("load grid: %w", err)
		}
		l.Info("dry_run_loaded", "units", n, "cells", c, "boundary_dir", cfg.BoundaryDir, "grid_file", cfg.GridFile)
		return m, func() {}, nil
	}
	st, err := OpenStore(ctx, l)
	if err != nil {
		return nil, func() {}, err
	}
	return st, func() { _ = st.Close() }, nil
}

// OpenStore：连接 Postgres、探活并执行建表迁移
func OpenStore(ctx context.Context, l *slog.Logger) (*store.Store, error) {
	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	l.Info("db_ping_ok")
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	l.Info("db_migrate_ok")
	return store.AttachDB(db), nil
}

// 文档注释：组装进度汇
// 背景：日志与指标始终开启；PROGRESS_TABLE 时写入后端进度表；配置了 REDIS_HOST 时追加 Redis Stream。
// 约束：Redis 探活失败只记录告警并跳过该汇，进度上报不阻断批处理。
func Sinks(ctx context.Context, cfg config.Config, b Backend, l *slog.Logger) progress.Sink {
	sinks := progress.Multi{progress.LogSink{L: l}, progress.MetricsSink{}}
	if cfg.ProgressTable {
		sinks = append(sinks, b)
	}
	rc := utils.OpenRedisFromEnv()
	if rc == nil {
		l.Info("redis_disabled")
		return sinks
	}
	if err := rc.Ping(ctx).Err(); err != nil {
		l.Warn("redis_ping_error", "err", err)
		return sinks
	}
	l.Info("redis_ping_ok", "stream", cfg.RedisStream)
	return append(sinks, progress.RedisSink{Client: rc, Stream: cfg.RedisStream, MaxLen: cfg.RedisStreamMaxLen})
}

// 文档注释：读取例外清单
// 背景：EXCEPTIONS_FILE 优先；文件内容先写入后端例外表，一致性校验的飞地豁免与推导上级都以表为准。
// 约束：未配置文件时直接读取后端例外表。
func LoadExceptions(ctx context.Context, cfg config.Config, b Backend) ([]fixup.Exception, error) {
	if cfg.ExceptionsFile == "" {
		return b.Exceptions(ctx)
	}
	exs, err := fixup.LoadFile(cfg.ExceptionsFile)
	if err != nil {
		return nil, err
	}
	if _, err := b.UpsertExceptions(ctx, exs); err != nil {
		return nil, fmt.Errorf("store exceptions: %w", err)
	}
	return b.Exceptions(ctx)
}

// BatchOptions：配置到编排器参数的映射
func BatchOptions(cfg config.Config, l *slog.Logger) batch.Options {
	return batch.Options{
		ProbeRadius:         cfg.ProbeRadius,
		InsertBatch:         cfg.InsertBatch,
		ProgressEvery:       cfg.ProgressEvery,
		ProgressEveryFinest: cfg.ProgressEveryFinest,
		HaltOnCoarseFailure: cfg.HaltOnCoarseFailure,
		InferParents:        cfg.InferParents,
		Logger:              l,
	}
}

// RunFixup：对每个分辨率依次应用例外清单，返回各层报告
// 约束：某层存在失败条目时继续处理后续分辨率，最终合并返回错误。
func RunFixup(ctx context.Context, b Backend, exs []fixup.Exception, resolutions []int, l *slog.Logger) ([]fixup.Report, error) {
	f := fixup.New(b, b, b, fixup.Options{Logger: l})
	var (
		reports []fixup.Report
		errs    []error
	)
	for _, res := range resolutions {
		rep, err := f.Apply(ctx, res, exs)
		reports = append(reports, rep)
		l.Info("fixup_tier_done", "resolution", res, "applied", rep.Applied, "cells", rep.Cells, "failed", len(rep.Failed))
		if err != nil {
			if ctx.Err() != nil {
				return reports, err
			}
			errs = append(errs, fmt.Errorf("resolution %d: %w", res, err))
		}
	}
	return reports, errors.Join(errs...)
}

// Verify：逐层校验覆盖与层级一致性，返回未通过的分辨率
func Verify(ctx context.Context, b Backend, resolutions []int, l *slog.Logger) ([]int, error) {
	var bad []int
	for _, res := range resolutions {
		c, err := b.CheckConsistency(ctx, res)
		if err != nil {
			return bad, fmt.Errorf("resolution %d: %w", res, err)
		}
		attrs := []any{"resolution", res, "cells", c.Cells, "rows", c.Rows, "gaps", c.Gaps,
			"overlap", c.Overlap, "unaccounted", c.Unaccounted, "hierarchy_violations", c.HierarchyViolations}
		if c.OK() {
			l.Info("consistency_ok", attrs...)
			continue
		}
		l.Warn("consistency_failed", attrs...)
		bad = append(bad, res)
	}
	return bad, nil
}
