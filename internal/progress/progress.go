// 包 progress：批处理进度事件与多路输出（日志、指标、Redis Stream、进度表）
package progress

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"cell-admin/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
	StatusSweep  = "sweep" // 层末尾的覆盖缺口扫描
)

// Event：一个分区（或层末扫描）的进度记录
type Event struct {
	RunID         string
	Resolution    int
	PartitionID   int64
	PartitionName string
	Produced      int64
	Inserted      int64
	Skipped       int64
	Gaps          int64
	Pending       int64
	Rejected      int64
	Elapsed       time.Duration
	RunningTotal  int64 // 本层累计新增行数
	Done          int
	Total         int
	Status        string
	Err           string
	At            time.Time
}

// Sink：进度输出；错误仅用于记录，不中断批处理
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Multi：依次写入全部 sink，错误合并返回
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink：结构化日志输出
type LogSink struct {
	L *slog.Logger
}

func (s LogSink) Record(_ context.Context, ev Event) error {
	l := s.L
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{
		"run_id", ev.RunID, "resolution", ev.Resolution,
		"produced", ev.Produced, "inserted", ev.Inserted, "skipped", ev.Skipped,
		"gaps", ev.Gaps, "elapsed_ms", ev.Elapsed.Milliseconds(),
	}
	switch ev.Status {
	case StatusSweep:
		l.Info("coverage_gap_sweep_done", append(attrs, "pending", ev.Pending, "running_total", ev.RunningTotal)...)
	case StatusFailed:
		l.Error("partition_failed", append(attrs, "partition_id", ev.PartitionID, "partition_name", ev.PartitionName,
			"done", ev.Done, "total", ev.Total, "err", ev.Err)...)
	default:
		l.Info("partition_done", append(attrs, "partition_id", ev.PartitionID, "partition_name", ev.PartitionName,
			"rejected", ev.Rejected, "running_total", ev.RunningTotal, "done", ev.Done, "total", ev.Total)...)
	}
	return nil
}

// MetricsSink：将进度事件折算为 Prometheus 指标
type MetricsSink struct{}

func (MetricsSink) Record(_ context.Context, ev Event) error {
	res := strconv.Itoa(ev.Resolution)
	if ev.Status == StatusSweep {
		metrics.CoverageGaps.WithLabelValues(res).Set(float64(ev.Gaps))
		metrics.PendingCells.WithLabelValues(res).Set(float64(ev.Pending))
		return nil
	}
	metrics.PartitionsTotal.WithLabelValues(res, ev.Status).Inc()
	metrics.PartitionDurationMs.WithLabelValues(res).Observe(float64(ev.Elapsed.Milliseconds()))
	if ev.Status != StatusOK {
		return nil
	}
	metrics.RowsProducedTotal.WithLabelValues(res).Add(float64(ev.Produced))
	metrics.RowsInsertedTotal.WithLabelValues(res).Add(float64(ev.Inserted))
	metrics.RowsSkippedTotal.WithLabelValues(res).Add(float64(ev.Skipped))
	metrics.RejectedCellsTotal.WithLabelValues(res).Add(float64(ev.Rejected))
	return nil
}

// XAdder：RedisSink 依赖的最小客户端接口，*redis.Client 满足
type XAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink：写入 Redis Stream，供外部看板实时订阅
// 约束：MaxLen 为近似裁剪（MAXLEN ~），0 表示不裁剪
type RedisSink struct {
	Client XAdder
	Stream string
	MaxLen int64
}

func (s RedisSink) Record(ctx context.Context, ev Event) error {
	if s.Client == nil {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: s.Stream,
		Values: map[string]interface{}{
			"run_id":         ev.RunID,
			"resolution":     ev.Resolution,
			"partition_id":   ev.PartitionID,
			"partition_name": ev.PartitionName,
			"produced":       ev.Produced,
			"inserted":       ev.Inserted,
			"skipped":        ev.Skipped,
			"gaps":           ev.Gaps,
			"pending":        ev.Pending,
			"elapsed_ms":     ev.Elapsed.Milliseconds(),
			"running_total":  ev.RunningTotal,
			"done":           ev.Done,
			"total":          ev.Total,
			"status":         ev.Status,
			"error":          ev.Err,
		},
	}
	if s.MaxLen > 0 {
		args.MaxLen = s.MaxLen
		args.Approx = true
	}
	return s.Client.XAdd(ctx, args).Err()
}
