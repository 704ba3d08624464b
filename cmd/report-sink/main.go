package main

import (
	"context"
	"conveyor-factory/internal/report"
	"conveyor-factory/internal/web"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// main 是运行报告接收服务的入口
// 与 factory --report-url http://localhost:9090/reports 配合使用
func main() {
	addr := pflag.String("addr", ":9090", "监听地址")
	keep := pflag.Int("keep", 100, "保留的报告数量")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "report-sink")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/reports", report.NewSink(*keep, logger))

	logger.Info("=== 运行报告接收服务启动 ===", "addr", *addr)
	if err := web.Serve(ctx, *addr, mux, logger); err != nil {
		logger.Error("服务启动失败", "error", err)
		os.Exit(1)
	}
}
