// 程序入口：读取配置、装配存储与进度汇，按层运行网格到行政区映射，随后应用例外修正
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cell-admin/internal/app"
	"cell-admin/internal/batch"
	"cell-admin/internal/config"
	"cell-admin/internal/logger"
	"cell-admin/internal/metrics"

	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok")

	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		return 2
	}
	l.Info("config_ok", "tiers", cfg.Tiers, "dry_run", cfg.DryRun, "run_fixup", cfg.RunFixup)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: logger.AccessMiddleware(l)(mux), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Error("metrics_listen_error", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		l.Info("metrics_listen", "addr", cfg.MetricsAddr)
	}

	b, closeFn, err := app.OpenBackend(ctx, cfg, l)
	defer closeFn()
	if err != nil {
		l.Error("backend_open_error", "err", err)
		return 1
	}

	o := batch.New(b, b, b, app.Sinks(ctx, cfg, b, l), app.BatchOptions(cfg, l))
	reports, err := o.RunAll(ctx, cfg.Tiers)
	code := 0
	if err != nil {
		l.Error("run_error", "err", err)
		code = 1
	}
	var done []int
	for _, r := range reports {
		if r.Failed > 0 {
			code = 1
		}
		done = append(done, r.Resolution)
	}
	if ctx.Err() != nil {
		return 1
	}

	if cfg.RunFixup && len(done) > 0 {
		exs, err := app.LoadExceptions(ctx, cfg, b)
		if err != nil {
			l.Error("exceptions_load_error", "err", err)
			return 1
		}
		if len(exs) == 0 {
			l.Info("fixup_skipped", "reason", "no exceptions")
		} else if _, err := app.RunFixup(ctx, b, exs, done, l); err != nil {
			l.Error("fixup_error", "err", err)
			code = 1
		}
	}

	// 内存后端随进程结束丢失，在退出前给出一致性结论
	if cfg.DryRun {
		bad, err := app.Verify(ctx, b, done, l)
		if err != nil {
			l.Error("verify_error", "err", err)
			return 1
		}
		if len(bad) > 0 {
			code = 1
		}
	}
	l.Info("run_done", "tiers", done, "exit_code", code)
	return code
}
