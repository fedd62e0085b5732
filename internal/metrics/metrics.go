package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PartitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celladmin_partitions_total",
		Help: "Partitions processed by resolution and status",
	}, []string{"resolution", "status"})
	RowsProducedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celladmin_rows_produced_total",
		Help: "Mapping rows computed by the resolver",
	}, []string{"resolution"})
	RowsInsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celladmin_rows_inserted_total",
		Help: "Mapping rows newly persisted",
	}, []string{"resolution"})
	RowsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celladmin_rows_skipped_total",
		Help: "Mapping rows skipped because the cell was already mapped",
	}, []string{"resolution"})
	RejectedCellsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celladmin_rejected_cells_total",
		Help: "Cells rejected because their id disagrees with the tier resolution",
	}, []string{"resolution"})
	CoverageGaps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "celladmin_coverage_gaps",
		Help: "Cells without a containing province after the last tier run",
	}, []string{"resolution"})
	PendingCells = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "celladmin_pending_cells",
		Help: "Unmapped cells inside a province after the last tier run (failed partitions)",
	}, []string{"resolution"})
	PartitionDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "celladmin_partition_duration_ms",
		Help:    "Partition wall time in milliseconds",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
	}, []string{"resolution"})
	GeometryRepairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celladmin_geometry_repairs_total",
		Help: "Invalid boundary geometries by level and repair outcome",
	}, []string{"level", "outcome"})
	AmbiguousMatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celladmin_ambiguous_matches_total",
		Help: "Containment tests with more than one candidate, by level",
	}, []string{"level"})
	FixupCellsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "celladmin_fixup_cells_total",
		Help: "Cells rewritten by the exception pass, by rule",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(PartitionsTotal)
	prometheus.MustRegister(RowsProducedTotal)
	prometheus.MustRegister(RowsInsertedTotal)
	prometheus.MustRegister(RowsSkippedTotal)
	prometheus.MustRegister(RejectedCellsTotal)
	prometheus.MustRegister(CoverageGaps)
	prometheus.MustRegister(PendingCells)
	prometheus.MustRegister(PartitionDurationMs)
	prometheus.MustRegister(GeometryRepairsTotal)
	prometheus.MustRegister(AmbiguousMatchesTotal)
	prometheus.MustRegister(FixupCellsTotal)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：批处理运行期间可选暴露 /metrics（METRICS_ADDR），供抓取进度与失败分区数。
func Handler() http.Handler { return promhttp.Handler() }
