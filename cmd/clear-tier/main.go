// 清空单层：删除指定分辨率的映射行与缺口记录，供整层重算前使用
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"cell-admin/internal/app"
	"cell-admin/internal/batch"
	"cell-admin/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	l := logger.Setup()
	res, err := strconv.Atoi(os.Getenv("CLEAR_RESOLUTION"))
	if err != nil || res < 0 || res > 15 {
		l.Error("env_missing", "var", "CLEAR_RESOLUTION", "value", os.Getenv("CLEAR_RESOLUTION"))
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
	n, err := batch.New(st, st, st, nil, batch.Options{Logger: l}).ClearTier(ctx, res)
	if err != nil {
		l.Error("clear_tier_error", "resolution", res, "err", err)
		st.Close()
		os.Exit(1)
	}
	l.Info("clear_tier_ok", "resolution", res, "deleted", n)
}
