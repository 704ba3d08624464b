package engine

import (
	"cmp"
	"context"
	"conveyor-factory/internal/barrier"
	"conveyor-factory/internal/event"
	"conveyor-factory/internal/metrics"
	"conveyor-factory/internal/queue"
	"conveyor-factory/internal/types"
	"conveyor-factory/internal/util"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Allocator 为传送带分配队列存储
type Allocator func(belt types.BeltID, capacity int) (*queue.BoundedQueue, error)

// Recorder 记录运行过程，用于事后排查被中断的运行
type Recorder interface {
	RunStarted(runID string, configs []types.BeltConfig) error
	BeltFinished(runID string, outcome types.BeltOutcome) error
	RunFinished(runID string, report types.Report) error
}

// Factory 是工厂协调者
// 它为每条传送带创建工作者，从外部驱动屏障，并汇总所有结果
type Factory struct {
	logger           *slog.Logger
	bus              *event.Bus
	recorder         Recorder
	allocate         Allocator
	inspector        *Inspector
	observer         func(types.Item)
	maxQueueCapacity int
	initRetries      int
	itemDelay        time.Duration
	onBarrier        func(*barrier.FactoryBarrier)
}

// Option 配置 Factory
type Option func(*Factory)

// WithLogger 设置结构化日志记录器
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithEventBus 设置生命周期事件总线
func WithEventBus(bus *event.Bus) Option {
	return func(f *Factory) { f.bus = bus }
}

// WithRecorder 设置运行日志
func WithRecorder(r Recorder) Option {
	return func(f *Factory) { f.recorder = r }
}

// WithAllocator 替换默认的队列分配器
func WithAllocator(a Allocator) Option {
	return func(f *Factory) { f.allocate = a }
}

// WithMaxQueueCapacity 设置默认分配器允许的最大容量
func WithMaxQueueCapacity(n int) Option {
	return func(f *Factory) { f.maxQueueCapacity = n }
}

// WithInitRetries 设置队列分配失败后的重试次数，默认不重试
func WithInitRetries(n int) Option {
	return func(f *Factory) { f.initRetries = max(n, 0) }
}

// WithInspector 设置消费者检验规则
func WithInspector(i *Inspector) Option {
	return func(f *Factory) { f.inspector = i }
}

// WithItemDelay 设置生产者每个元素之前的延时
func WithItemDelay(d time.Duration) Option {
	return func(f *Factory) { f.itemDelay = d }
}

// WithItemObserver 在消费者线程中同步回调每个取出的元素
func WithItemObserver(fn func(types.Item)) Option {
	return func(f *Factory) { f.observer = fn }
}

// WithBarrierHook 在屏障创建后、传送带启动前回调，cmd/factory 用它把屏障状态交给 StateTracker
func WithBarrierHook(fn func(*barrier.FactoryBarrier)) Option {
	return func(f *Factory) { f.onBarrier = fn }
}

// NewFactory 创建一个新的 Factory 实例
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		logger:           slog.Default(),
		maxQueueCapacity: queue.DefaultMaxCapacity,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "factory")
	if f.allocate == nil {
		limit := f.maxQueueCapacity
		f.allocate = func(belt types.BeltID, capacity int) (*queue.BoundedQueue, error) {
			return queue.New(belt, capacity, limit)
		}
	}
	return f
}

// Run 执行一次工厂运行
// maxBelts 为声明的最大传送带数量 (<= 0 表示不限制)。
// 配置为空或超出最大数量时立即返回错误，不启动任何传送带；
// 其余错误只影响对应的传送带，结果按 BeltID 升序返回，每条传送带恰好一个结果。
func (f *Factory) Run(ctx context.Context, maxBelts int, configs []types.BeltConfig) (types.Report, error) {
	runID, ok := util.RunIDFromContext(ctx)
	if !ok {
		runID = util.NewRunID()
	}
	logger := f.logger.With("run_id", runID)

	if len(configs) == 0 {
		return types.Report{RunID: runID}, types.ErrNoBelts
	}
	if maxBelts > 0 && len(configs) > maxBelts {
		return types.Report{RunID: runID}, fmt.Errorf("%w: %d configured, maximum %d", types.ErrTooManyBelts, len(configs), maxBelts)
	}

	preErrs := validateAll(configs)
	b, err := barrier.New(len(configs))
	if err != nil {
		return types.Report{RunID: runID}, err
	}
	if f.onBarrier != nil {
		f.onBarrier(b)
	}
	if f.recorder != nil {
		if err := f.recorder.RunStarted(runID, configs); err != nil {
			logger.Warn("写入运行日志失败", "error", err)
		}
	}

	if f.inspector != nil {
		logger.Info("工厂启动", "belts", len(configs), "inspection_rule", f.inspector.Rule())
	} else {
		logger.Info("工厂启动", "belts", len(configs))
	}
	outcomes := make([]types.BeltOutcome, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		cfg := cfg // go 1.21 循环变量语义下保持每次迭代独立
		w := newBeltWorker(f, b, i, cfg, preErrs[i], runID)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = w.run()
			if f.recorder != nil {
				if err := f.recorder.BeltFinished(runID, outcomes[i]); err != nil {
					logger.Warn("写入运行日志失败", "error", err, "belt_id", int(cfg.ID))
				}
			}
		}(i)
		logger.Info("传送带工作者已创建", "belt_id", int(cfg.ID))
	}

	// 协调者驱动屏障的两个阶段
	b.Drive()
	broadcastAt := b.BroadcastAt()
	logger.Info("所有传送带已同时放行")
	if f.bus != nil {
		f.bus.Publish(event.Event{Type: event.FactoryReleased, RunID: runID, Occurred: broadcastAt})
	}

	wg.Wait()

	// 结果按 BeltID 升序，与完成顺序无关；ID 重复时保持配置顺序
	slices.SortStableFunc(outcomes, func(x, y types.BeltOutcome) int { return cmp.Compare(x.BeltID, y.BeltID) })

	report := types.Report{
		RunID:       runID,
		Outcomes:    outcomes,
		Succeeded:   true,
		BroadcastAt: broadcastAt,
		StartSkew:   startSkew(outcomes),
	}
	for _, o := range outcomes {
		status := "success"
		if !o.Succeeded {
			report.Succeeded = false
			status = "failed"
			logger.Error("传送带以错误结束", "belt_id", int(o.BeltID), "reason", o.Reason)
		} else {
			logger.Info("传送带已结束", "belt_id", int(o.BeltID), "produced", o.Produced)
		}
		metrics.BeltOutcomesTotal.WithLabelValues(status).Inc()
	}
	metrics.StartSkew.Set(report.StartSkew.Seconds())

	if f.recorder != nil {
		if err := f.recorder.RunFinished(runID, report); err != nil {
			logger.Warn("写入运行日志失败", "error", err)
		}
	}
	if f.bus != nil {
		f.bus.Drain()
	}
	logger.Info("工厂运行结束", "succeeded", report.Succeeded, "start_skew", report.StartSkew)
	return report, nil
}

// validateAll 在任何传送带启动前检查配置，返回每条配置对应的错误
// ID 重复时第一条有效，之后的同 ID 配置失败
func validateAll(configs []types.BeltConfig) []error {
	errs := make([]error, len(configs))
	seen := make(map[types.BeltID]bool, len(configs))
	for i, cfg := range configs {
		if seen[cfg.ID] {
			errs[i] = fmt.Errorf("%w (belt %d)", types.ErrDuplicateBelt, cfg.ID)
			continue
		}
		seen[cfg.ID] = true
		errs[i] = cfg.Validate()
	}
	return errs
}

// startSkew 计算成功传送带首次插入时间的最大差值
func startSkew(outcomes []types.BeltOutcome) time.Duration {
	var first, last time.Time
	for _, o := range outcomes {
		if o.FirstPutAt.IsZero() {
			continue
		}
		if first.IsZero() || o.FirstPutAt.Before(first) {
			first = o.FirstPutAt
		}
		if o.FirstPutAt.After(last) {
			last = o.FirstPutAt
		}
	}
	return last.Sub(first)
}
