package main

import (
	"context"
	"conveyor-factory/internal/config"
	"conveyor-factory/internal/engine"
	"conveyor-factory/internal/event"
	"conveyor-factory/internal/handlers"
	"conveyor-factory/internal/journal"
	"conveyor-factory/internal/report"
	"conveyor-factory/internal/util"
	"conveyor-factory/internal/web"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

// exitConfig 表示配置或输入错误
const exitConfig = 2

// main 是应用程序的主入口
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// newFlagSet 定义命令行参数，名称与配置键一一对应 ("-" 对应 "_")
func newFlagSet(stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("factory", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("config", "", "配置文件路径 (默认 ./factory.yaml)")
	fs.String("input", "", "工厂输入文件路径，也可作为第一个位置参数")
	fs.String("log-level", "info", "日志级别: debug | info | warn | error")
	fs.String("metrics-addr", "", "监控与状态接口地址，例如 :8080")
	fs.String("report-url", "", "运行结果上报地址")
	fs.String("journal-path", "", "运行日志文件路径")
	fs.Int("max-queue-capacity", 1<<20, "单条传送带允许分配的最大容量")
	fs.Int("init-retries", 0, "队列分配失败后的重试次数")
	fs.Bool("strict-input", true, "解析阶段即拒绝非法的容量/数量")
	fs.String("inspection-rule", "", "消费者检验规则 (expr 语法)")
	fs.Int("item-delay-ms", 0, "生产每个元素之前的延时 (毫秒)")
	return fs
}

// run 执行一次完整的工厂运行并返回进程退出码
// 日志写入 stderr，stdout 只输出 JSON 格式的运行报告
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return exitConfig
	}
	configPath, _ := fs.GetString("config")

	// 1. 加载配置并初始化日志
	cfg, err := config.LoadConfig(configPath, fs)
	if err != nil {
		slog.New(slog.NewJSONHandler(stderr, nil)).Error("加载配置失败", "error", err)
		return exitConfig
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	input := cfg.Input
	if fs.NArg() > 0 {
		input = fs.Arg(0)
	}
	if input == "" {
		logger.Error("缺少工厂输入文件", "hint", "factory [flags] <input-file>")
		return exitConfig
	}

	// 2. 解析输入与检验规则，任何错误都不会启动传送带
	spec, err := config.ParseFactoryFile(input, cfg.StrictInput)
	if err != nil {
		logger.Error("解析工厂输入失败", "input", input, "error", err)
		return exitConfig
	}
	inspector, err := engine.NewInspector(cfg.InspectionRule)
	if err != nil {
		logger.Error("编译检验规则失败", "rule", cfg.InspectionRule, "error", err)
		return exitConfig
	}

	// 3. 初始化核心组件
	runID := util.NewRunID()
	ctx = util.ContextWithRunID(ctx, runID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := web.NewHub(logger)
	go hub.Run(ctx)
	stateTracker := web.NewStateTracker(hub)

	eventBus := event.NewBus()
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithEventBus(eventBus),
		engine.WithMaxQueueCapacity(cfg.MaxQueueCapacity),
		engine.WithInitRetries(cfg.InitRetries),
		engine.WithInspector(inspector),
		engine.WithItemDelay(time.Duration(cfg.ItemDelayMs) * time.Millisecond),
		engine.WithBarrierHook(stateTracker.WatchBarrier),
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("无法打开运行日志", "path", cfg.JournalPath, "error", err)
			return exitConfig
		}
		defer j.Close()
		warnInterrupted(j, logger)
		opts = append(opts, engine.WithRecorder(j))
	}

	serverDone := make(chan struct{})
	if cfg.MetricsAddr != "" {
		go func() {
			defer close(serverDone)
			if err := web.Serve(ctx, cfg.MetricsAddr, web.NewMux(hub, stateTracker), logger); err != nil {
				logger.Error("监控与状态接口启动失败", "error", err)
			}
		}()
	} else {
		close(serverDone)
	}

	// 4. 运行工厂
	logger.Info("=== 传送带工厂启动 ===", "run_id", runID, "input", input, "belts", len(spec.Belts))
	rep, err := engine.NewFactory(opts...).Run(ctx, spec.MaxBelts, spec.Belts)
	if err != nil {
		logger.Error("工厂运行被拒绝", "error", err)
		cancel()
		<-serverDone
		return exitConfig
	}

	// 5. 输出并上报结果，上报失败不影响退出码
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		logger.Error("输出运行报告失败", "error", err)
	}
	if cfg.ReportURL != "" {
		if err := report.NewWebhook(cfg.ReportURL, logger).Send(ctx, rep); err != nil {
			logger.Warn("运行结果上报失败", "error", err)
		}
	}

	cancel()
	<-serverDone
	logger.Info("工厂运行结束", "exit_code", rep.ExitCode(), "failed", len(rep.Failures()))
	return rep.ExitCode()
}

// warnInterrupted 报告上一次未正常结束的运行，并将其标记为已放弃
func warnInterrupted(j *journal.Journal, logger *slog.Logger) {
	runs, err := j.Interrupted()
	if err != nil {
		logger.Warn("扫描运行日志失败", "error", err)
		return
	}
	for _, r := range runs {
		pending := make([]string, 0, len(r.Pending()))
		for _, b := range r.Pending() {
			pending = append(pending, fmt.Sprint(b.ID))
		}
		logger.Warn("发现被中断的运行", "run_id", r.RunID, "started_at", r.StartedAt, "pending_belts", pending)
		// 每次中断只报告一次
		if err := j.Abandon(r.RunID); err != nil {
			logger.Warn("写入运行日志失败", "run_id", r.RunID, "error", err)
		}
	}
}
