// 例外修正：不重跑批处理，单独对已有映射应用飞地/包含例外
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
	if v := os.Getenv("FIXUP_RESOLUTIONS"); v != "" {
		if resolutions, err = config.ParseTiers(v); err != nil {
			l.Error("config_error", "var", "FIXUP_RESOLUTIONS", "err", err)
			os.Exit(2)
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeFn, err := app.OpenBackend(ctx, cfg, l)
	if err != nil {
		closeFn()
		l.Error("backend_open_error", "err", err)
		os.Exit(1)
	}
	exs, err := app.LoadExceptions(ctx, cfg, b)
	if err != nil {
		closeFn()
		l.Error("exceptions_load_error", "err", err)
		os.Exit(1)
	}
	l.Info("exceptions_loaded", "count", len(exs), "resolutions", resolutions)
	_, err = app.RunFixup(ctx, b, exs, resolutions, l)
	closeFn()
	if err != nil {
		l.Error("fixup_error", "err", err)
		os.Exit(1)
	}
	l.Info("fixup_ok")
}
