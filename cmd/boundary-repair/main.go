// 边界修复：列出并在库内修复 ST_IsValid 为假的行政单元几何
// 背景：自相交等纯 Go 无法修复的问题交给 PostGIS；REPAIR_DRY_RUN=true 时只报告不写入
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"cell-admin/internal/app"
	"cell-admin/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	l := logger.Setup()
	dryRun, _ := strconv.ParseBool(os.Getenv("REPAIR_DRY_RUN"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	st, err := app.OpenStore(ctx, l)
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	res, err := st.RepairInvalid(ctx, dryRun)
	st.Close()
	if err != nil {
		l.Error("repair_error", "err", err)
		os.Exit(1)
	}
	if dryRun {
		for _, r := range res {
			l.Info("geometry_invalid", "unit_id", r.ID, "level", r.Level, "reason", r.Reason)
		}
	}
	l.Info("repair_done", "invalid", len(res), "dry_run", dryRun)
}
