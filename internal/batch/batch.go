// 包 batch：按分辨率层、按省分区驱动映射计算，分区事务提交并上报进度
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cell-admin/internal/geo"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/logger"
	"cell-admin/internal/progress"
	"cell-admin/internal/store"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

var ErrCoarseTierFailed = errors.New("batch: coarsest tier incomplete")

type Boundaries interface {
	Provinces(ctx context.Context) ([]hierarchy.Unit, error)
	UnitsWithin(ctx context.Context, b orb.Bound) ([]hierarchy.Unit, error)
}

type Cells interface {
	CellsInBound(ctx context.Context, resolution int, b orb.Bound, fn func(hierarchy.GridCell) error) error
	UnmappedCells(ctx context.Context, resolution int, fn func(hierarchy.GridCell) error) error
}

type Mappings interface {
	InPartition(ctx context.Context, fn func(tx store.MappingTx) error) error
	ClearTier(ctx context.Context, resolution int) (int64, error)
	RecordGaps(ctx context.Context, resolution int, cellIDs []string) error
}

type Options struct {
	ProbeRadius         float64
	InsertBatch         int
	ProgressEvery       int
	ProgressEveryFinest int
	FinestTier          int // 0 时由 RunAll 取本次最高分辨率
	HaltOnCoarseFailure bool
	InferParents        bool
	Repairer            geo.Repairer
	Logger              *slog.Logger
}

// TierReport：单层运行汇总
type TierReport struct {
	RunID             string
	Resolution        int
	Partitions        int
	Failed            int
	FailedPartitions  []int64
	Produced          int64
	Inserted          int64
	Skipped           int64
	Gaps              int64
	Pending           int64
	Rejected          int64
	ExcludedProvinces int
	Elapsed           time.Duration
}

type Orchestrator struct {
	b      Boundaries
	c      Cells
	m      Mappings
	sink   progress.Sink
	opts   Options
	log    *slog.Logger
	finest int
}

func New(b Boundaries, c Cells, m Mappings, sink progress.Sink, opts Options) *Orchestrator {
	if opts.InsertBatch <= 0 {
		opts.InsertBatch = 1000
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 1
	}
	if opts.ProgressEveryFinest <= 0 {
		opts.ProgressEveryFinest = opts.ProgressEvery
	}
	if opts.Repairer == nil {
		opts.Repairer = geo.DefaultRepairer
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.L()
	}
	return &Orchestrator{b: b, c: c, m: m, sink: sink, opts: opts, log: lg, finest: opts.FinestTier}
}

type partitionResult struct {
	produced, inserted, skipped, rejected int64
	gaps                                  []string
}

// 文档注释：运行单个分辨率层
// 背景：按省分区顺序处理，每个分区一个事务；失败分区回滚并记录，其余分区照常提交。
// 约束：
// - 分区之间检查 ctx，取消后返回已完成部分的汇总与 ctx 错误；
// - 行写入为“不存在才插入”，同一层重复运行只补齐缺失行；
// - 分区结束后扫描未映射单元格：不在任何省内的记为缺口，在省内的计为 Pending。
func (o *Orchestrator) RunTier(ctx context.Context, resolution int) (TierReport, error) {
	rep := TierReport{RunID: uuid.NewString(), Resolution: resolution}
	start := time.Now()
	lg := o.log.With("run_id", rep.RunID, "resolution", resolution)

	provs, err := o.b.Provinces(ctx)
	if err != nil {
		return rep, fmt.Errorf("load provinces: %w", err)
	}
	provIx, irep := hierarchy.NewIndex(provs, hierarchy.IndexOptions{Repairer: o.opts.Repairer, Logger: lg})
	rep.ExcludedProvinces = len(irep.Excluded)
	units := provIx.Units(hierarchy.Province)
	lg.Info("tier_start", "partitions", len(units), "excluded_provinces", rep.ExcludedProvinces)

	every := o.opts.ProgressEvery
	if o.finest > 0 && resolution == o.finest {
		every = o.opts.ProgressEveryFinest
	}
	gapSet := map[string]struct{}{}
	for i, p := range units {
		if err := ctx.Err(); err != nil {
			rep.Elapsed = time.Since(start)
			lg.Warn("tier_cancelled", "done", i, "total", len(units), "err", err)
			return rep, err
		}
		pstart := time.Now()
		pr, perr := o.runPartition(ctx, resolution, provIx, p)
		rep.Partitions++
		ev := progress.Event{
			RunID: rep.RunID, Resolution: resolution,
			PartitionID: p.ID, PartitionName: p.Name,
			Done: i + 1, Total: len(units), At: time.Now(),
		}
		if perr != nil {
			rep.Failed++
			rep.FailedPartitions = append(rep.FailedPartitions, p.ID)
			ev.Status, ev.Err = progress.StatusFailed, perr.Error()
			lg.Warn("partition_rollback", "partition_id", p.ID, "partition_name", p.Name, "err", perr)
		} else {
			rep.Produced += pr.produced
			rep.Inserted += pr.inserted
			rep.Skipped += pr.skipped
			rep.Rejected += pr.rejected
			for _, id := range pr.gaps {
				gapSet[id] = struct{}{}
			}
			ev.Status = progress.StatusOK
			ev.Produced, ev.Inserted, ev.Skipped = pr.produced, pr.inserted, pr.skipped
			ev.Gaps, ev.Rejected = int64(len(pr.gaps)), pr.rejected
			if pr.rejected > 0 {
				lg.Warn("cells_rejected", "partition_id", p.ID, "count", pr.rejected)
			}
		}
		ev.Elapsed = time.Since(pstart)
		ev.RunningTotal = rep.Inserted
		if perr != nil || i == len(units)-1 || (i+1)%every == 0 {
			o.emit(ctx, ev)
		}
	}

	pending, err := o.sweep(ctx, resolution, provIx, gapSet)
	if err != nil {
		rep.Elapsed = time.Since(start)
		return rep, fmt.Errorf("gap sweep: %w", err)
	}
	rep.Gaps, rep.Pending = int64(len(gapSet)), pending
	rep.Elapsed = time.Since(start)
	o.emit(ctx, progress.Event{
		RunID: rep.RunID, Resolution: resolution, Status: progress.StatusSweep,
		Gaps: rep.Gaps, Pending: rep.Pending, RunningTotal: rep.Inserted,
		Done: len(units), Total: len(units), Elapsed: rep.Elapsed, At: time.Now(),
	})
	lg.Info("tier_done", "partitions", rep.Partitions, "failed", rep.Failed, "inserted", rep.Inserted,
		"skipped", rep.Skipped, "gaps", rep.Gaps, "pending", rep.Pending, "elapsed_ms", rep.Elapsed.Milliseconds())
	return rep, nil
}

func (o *Orchestrator) runPartition(ctx context.Context, resolution int, provIx *hierarchy.Index, p hierarchy.Unit) (partitionResult, error) {
	var pr partitionResult
	b := p.Geom.Bound()
	scope, err := o.b.UnitsWithin(ctx, b)
	if err != nil {
		return pr, fmt.Errorf("load units: %w", err)
	}
	scopeIx, _ := hierarchy.NewIndex(scope, hierarchy.IndexOptions{
		Repairer: o.opts.Repairer, InferParents: o.opts.InferParents, Logger: o.log,
	})
	if _, ok := scopeIx.Unit(p.ID); !ok {
		return pr, fmt.Errorf("partition %d: %w", p.ID, hierarchy.ErrNoProvince)
	}
	r := hierarchy.NewResolver(provIx, scopeIx, hierarchy.ResolverOptions{ProbeRadius: o.opts.ProbeRadius})
	size := o.opts.InsertBatch

	err = o.m.InPartition(ctx, func(tx store.MappingTx) error {
		cells := make([]hierarchy.GridCell, 0, size)
		flush := func() error {
			if len(cells) == 0 {
				return nil
			}
			res := r.ResolvePartition(p, cells)
			cells = cells[:0]
			pr.produced += int64(len(res.Rows))
			pr.rejected += int64(res.Rejected)
			pr.gaps = append(pr.gaps, res.Gaps...)
			if len(res.Rows) == 0 {
				return nil
			}
			n, err := tx.Insert(ctx, res.Rows)
			if err != nil {
				return fmt.Errorf("insert: %w", err)
			}
			pr.inserted += n
			pr.skipped += int64(len(res.Rows)) - n
			return nil
		}
		err := o.c.CellsInBound(ctx, resolution, b, func(c hierarchy.GridCell) error {
			cells = append(cells, c)
			if len(cells) >= size {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		return flush()
	})
	return pr, err
}

// sweep：扫描未映射单元格，更新 gapSet 并持久化缺口；返回 Pending 数
func (o *Orchestrator) sweep(ctx context.Context, resolution int, provIx *hierarchy.Index, gapSet map[string]struct{}) (int64, error) {
	var pending int64
	err := o.c.UnmappedCells(ctx, resolution, func(c hierarchy.GridCell) error {
		if _, ok := gapSet[c.ID]; ok {
			return nil
		}
		if geo.ResolutionMismatch(c.ID, resolution) {
			return nil
		}
		if len(provIx.Containing(hierarchy.Province, c.Center)) == 0 {
			gapSet[c.ID] = struct{}{}
		} else {
			pending++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(gapSet))
	for id := range gapSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := o.m.RecordGaps(ctx, resolution, ids); err != nil {
		return 0, fmt.Errorf("record gaps: %w", err)
	}
	return pending, nil
}

func (o *Orchestrator) emit(ctx context.Context, ev progress.Event) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Record(ctx, ev); err != nil {
		o.log.Warn("progress_sink_error", "run_id", ev.RunID, "resolution", ev.Resolution, "err", err)
	}
}

// 文档注释：按分辨率由粗到细依次运行
// 约束：HaltOnCoarseFailure 时最粗一层存在失败分区或被排除的省份则不再运行更细的层。
func (o *Orchestrator) RunAll(ctx context.Context, resolutions []int) ([]TierReport, error) {
	tiers := append([]int(nil), resolutions...)
	sort.Ints(tiers)
	tiers = dedupe(tiers)
	if o.opts.FinestTier == 0 && len(tiers) > 0 {
		o.finest = tiers[len(tiers)-1]
	}
	var out []TierReport
	for i, res := range tiers {
		rep, err := o.RunTier(ctx, res)
		out = append(out, rep)
		if err != nil {
			return out, err
		}
		if i == 0 && o.opts.HaltOnCoarseFailure && (rep.Failed > 0 || rep.ExcludedProvinces > 0) {
			o.log.Error("coarse_tier_incomplete", "resolution", res, "failed", rep.Failed, "excluded_provinces", rep.ExcludedProvinces)
			return out, fmt.Errorf("%w: resolution %d failed=%d excluded=%d", ErrCoarseTierFailed, res, rep.Failed, rep.ExcludedProvinces)
		}
	}
	return out, nil
}

func dedupe(xs []int) []int {
	var out []int
	for _, x := range xs {
		if len(out) == 0 || out[len(out)-1] != x {
			out = append(out, x)
		}
	}
	return out
}

// ClearTier：删除该层全部映射与缺口，作为整层重算的前置步骤
func (o *Orchestrator) ClearTier(ctx context.Context, resolution int) (int64, error) {
	n, err := o.m.ClearTier(ctx, resolution)
	if err != nil {
		return 0, fmt.Errorf("clear tier %d: %w", resolution, err)
	}
	o.log.Info("tier_cleared", "resolution", resolution, "rows", n)
	return n, nil
}
