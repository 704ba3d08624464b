package engine

import (
	"conveyor-factory/internal/barrier"
	"conveyor-factory/internal/event"
	"conveyor-factory/internal/fsm"
	"conveyor-factory/internal/metrics"
	"conveyor-factory/internal/queue"
	"conveyor-factory/internal/types"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// beltStats 由生产者和消费者分别写入，errgroup.Wait 之后才被读取
type beltStats struct {
	produced   int
	consumed   int
	rejected   int
	firstPutAt time.Time
}

// beltWorker 负责一条传送带：参与屏障、运行生产者/消费者、返回结果
type beltWorker struct {
	cfg     types.BeltConfig
	slot    int
	preErr  error // 启动前已确定的配置错误，传送带仍参与屏障
	factory *Factory
	barrier *barrier.FactoryBarrier
	state   *fsm.FSM
	runID   string
	label   string
	logger  *slog.Logger
}

func newBeltWorker(f *Factory, b *barrier.FactoryBarrier, slot int, cfg types.BeltConfig, preErr error, runID string) *beltWorker {
	logger := f.logger.With("belt_id", int(cfg.ID))
	return &beltWorker{
		cfg:     cfg,
		slot:    slot,
		preErr:  preErr,
		factory: f,
		barrier: b,
		state:   fsm.NewFSM(cfg.ID, logger),
		runID:   runID,
		label:   strconv.Itoa(int(cfg.ID)),
		logger:  logger,
	}
}

// run 执行传送带的完整生命周期
// CREATED → AWAITING_READY → AWAITING_RELEASE → RUNNING → TERMINATED
// 任何错误都只记录在本传送带的结果中
func (w *beltWorker) run() types.BeltOutcome {
	w.publish(event.Event{Type: event.BeltCreated, Config: w.cfg})

	// 本地初始化放在登记就绪之前，协调者不会在初始化完成前放行
	var q *queue.BoundedQueue
	err := w.preErr
	if err == nil {
		q, err = w.initQueue()
	}

	w.rendezvous(err == nil)

	if err != nil {
		return w.fail(err, beltStats{})
	}

	w.mustFire(fsm.EventStart)
	w.publish(event.Event{Type: event.BeltStarted})
	w.logger.Info("传送带开始生产", "capacity", w.cfg.Capacity)

	stats, err := w.runPair(q)
	q.Destroy()
	metrics.QueueDepth.WithLabelValues(w.label).Set(0)

	if err == nil && (stats.produced != w.cfg.ItemsToProduce || stats.consumed != w.cfg.ItemsToProduce) {
		err = fmt.Errorf("%w: belt %d produced %d and consumed %d of %d items",
			types.ErrProtocol, w.cfg.ID, stats.produced, stats.consumed, w.cfg.ItemsToProduce)
	}
	if err != nil {
		return w.fail(err, stats)
	}

	w.mustFire(fsm.EventFinish)
	outcome := types.BeltOutcome{
		BeltID:     w.cfg.ID,
		Slot:       w.slot,
		Succeeded:  true,
		Produced:   stats.produced,
		Consumed:   stats.consumed,
		Rejected:   stats.rejected,
		FirstPutAt: stats.firstPutAt,
		FinishedAt: time.Now(),
	}
	w.logger.Info("传送带生产完成", "produced", stats.produced, "rejected", stats.rejected)
	w.publish(event.Event{Type: event.BeltCompleted, Outcome: &outcome})
	return outcome
}

// rendezvous 完成屏障的两个阶段
// 失败的传送带同样要走完两个阶段，否则其他传送带会永远等待
func (w *beltWorker) rendezvous(healthy bool) {
	w.mustFire(fsm.EventRegister)
	start := time.Now()
	w.barrier.RegisterReady()
	w.publish(event.Event{Type: event.BeltReady})

	w.barrier.AwaitRelease()
	released := time.Now()
	w.mustFire(fsm.EventRelease)
	w.publish(event.Event{Type: event.BeltReleased, Waited: released.Sub(start)})
	metrics.BarrierWaitDuration.WithLabelValues("ready").Observe(released.Sub(start).Seconds())
	if healthy {
		w.logger.Info("等待开始生产", "items", w.cfg.ItemsToProduce)
	}

	w.barrier.RegisterStarted()
	w.barrier.AwaitBroadcast()
	metrics.BarrierWaitDuration.WithLabelValues("start").Observe(time.Since(released).Seconds())
}

// initQueue 按配置分配队列，失败时按 init_retries 有限重试
func (w *beltWorker) initQueue() (*queue.BoundedQueue, error) {
	var lastErr error
	for attempt := 0; attempt <= w.factory.initRetries; attempt++ {
		q, err := w.factory.allocate(w.cfg.ID, w.cfg.Capacity)
		if err == nil {
			return q, nil
		}
		lastErr = err
		w.logger.Warn("队列分配失败", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// runPair 并发运行生产者与消费者，两者都结束后返回
func (w *beltWorker) runPair(q *queue.BoundedQueue) (beltStats, error) {
	var stats beltStats
	var g errgroup.Group
	g.Go(func() error { return w.produce(q, &stats) })
	g.Go(func() error { return w.consume(q, &stats) })
	err := g.Wait()
	return stats, err
}

// produce 生产恰好 ItemsToProduce 个元素，随后标记结束
func (w *beltWorker) produce(q *queue.BoundedQueue, stats *beltStats) error {
	// 无论如何都要标记结束，消费者不能被永远阻塞
	defer q.MarkFinished()

	total := w.cfg.ItemsToProduce
	for i := 0; i < total; i++ {
		if d := w.factory.itemDelay; d > 0 {
			time.Sleep(d)
		}
		item, err := q.PutNext(total)
		if err != nil {
			return fmt.Errorf("belt %d producer: %w", w.cfg.ID, err)
		}
		if i == 0 {
			stats.firstPutAt = time.Now()
		}
		stats.produced++
		metrics.ItemsProducedTotal.WithLabelValues(w.label).Inc()
		metrics.QueueDepth.WithLabelValues(w.label).Set(float64(q.Len()))
		w.logger.Debug("插入元素", "edition", item.Edition, "is_last", item.IsLast)
	}
	return nil
}

// consume 取出元素直到队列结束且为空
// 发现顺序异常时记录错误但继续取空队列，避免生产者阻塞
func (w *beltWorker) consume(q *queue.BoundedQueue, stats *beltStats) error {
	var protoErr error
	total := w.cfg.ItemsToProduce
	for {
		item, ok := q.Get()
		if !ok {
			return protoErr
		}
		expected := stats.consumed
		stats.consumed++
		metrics.ItemsConsumedTotal.WithLabelValues(w.label).Inc()
		metrics.QueueDepth.WithLabelValues(w.label).Set(float64(q.Len()))
		w.logger.Debug("取出元素", "edition", item.Edition, "is_last", item.IsLast)

		if protoErr == nil && item != types.NewItem(w.cfg.ID, expected, total) {
			protoErr = fmt.Errorf("%w: belt %d expected edition %d, got %+v", types.ErrProtocol, w.cfg.ID, expected, item)
		}
		if w.factory.observer != nil {
			w.factory.observer(item)
		}
		if w.factory.inspector != nil && !w.inspect(item) {
			stats.rejected++
			metrics.ItemsRejectedTotal.WithLabelValues(w.label).Inc()
		}
	}
}

func (w *beltWorker) inspect(item types.Item) bool {
	ok, err := w.factory.inspector.Accept(item, w.cfg)
	if err != nil {
		w.logger.Warn("检验规则执行失败，按不合格处理", "error", err, "edition", item.Edition)
		return false
	}
	return ok
}

func (w *beltWorker) fail(err error, stats beltStats) types.BeltOutcome {
	w.mustFire(fsm.EventFail)
	w.logger.Error("传送带执行失败", "error", err)
	outcome := types.Failed(w.cfg.ID, err)
	outcome.Slot = w.slot
	outcome.Produced, outcome.Consumed, outcome.Rejected = stats.produced, stats.consumed, stats.rejected
	outcome.FirstPutAt = stats.firstPutAt
	w.publish(event.Event{Type: event.BeltFailed, Outcome: &outcome, Error: err})
	return outcome
}

// mustFire 状态转移由本文件的固定流程驱动，非法转移说明流程本身有误
func (w *beltWorker) mustFire(e fsm.Event) {
	if err := w.state.Fire(e); err != nil {
		panic(fmt.Errorf("%w: %v", types.ErrSynchronization, err))
	}
}

func (w *beltWorker) publish(e event.Event) {
	if w.factory.bus == nil {
		return
	}
	e.RunID = w.runID
	e.BeltID = w.cfg.ID
	e.Slot = w.slot
	w.factory.bus.Publish(e)
}
