// 一致性校验：逐层检查每个网格单元恰好对应一行映射或一个缺口，并检查层级链
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cell-admin/internal/app"
	"cell-admin/internal/config"
	"cell-admin/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	l := logger.Setup()
	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(2)
	}
	resolutions := cfg.Tiers
	if v := os.Getenv("VERIFY_RESOLUTIONS"); v != "" {
		if resolutions, err = config.ParseTiers(v); err != nil {
			l.Error("config_error", "var", "VERIFY_RESOLUTIONS", "err", err)
			os.Exit(2)
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	st, err := app.OpenStore(ctx, l)
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	bad, err := app.Verify(ctx, st, resolutions, l)
	st.Close()
	if err != nil {
		l.Error("verify_error", "err", err)
		os.Exit(1)
	}
	if len(bad) > 0 {
		l.Error("verify_failed", "resolutions", bad)
		os.Exit(1)
	}
	l.Info("verify_ok", "resolutions", resolutions)
}
