// 例外清单导入：将 YAML 清单写入 admin_exceptions，供批处理后的修正步骤读取
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cell-admin/internal/app"
	"cell-admin/internal/fixup"
	"cell-admin/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	l := logger.Setup()
	path := os.Getenv("EXCEPTIONS_FILE")
	if path == "" {
		l.Error("env_missing", "var", "EXCEPTIONS_FILE")
		os.Exit(2)
	}
	exs, err := fixup.LoadFile(path)
	if err != nil {
		l.Error("exceptions_parse_error", "path", path, "err", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	st, err := app.OpenStore(ctx, l)
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	n, err := st.UpsertExceptions(ctx, exs)
	st.Close()
	if err != nil {
		l.Error("exceptions_upsert_error", "err", err)
		os.Exit(1)
	}
	l.Info("exceptions_upsert_ok", "path", path, "count", n)
}
