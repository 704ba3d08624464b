package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// ItemsProducedTotal 计数器：各传送带生产者插入的元素总数
	ItemsProducedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_items_produced_total",
		Help: "The total number of items inserted by each belt's producer",
	}, []string{"belt_id"})

	// ItemsConsumedTotal 计数器：各传送带消费者取出的元素总数
	ItemsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_items_consumed_total",
		Help: "The total number of items removed by each belt's consumer",
	}, []string{"belt_id"})

	// ItemsRejectedTotal 计数器：检验规则判定不合格的元素
	ItemsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_items_rejected_total",
		Help: "The total number of consumed items rejected by the inspection rule",
	}, []string{"belt_id"})

	// QueueDepth 仪表盘：各传送带队列中的元素数量
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "factory_queue_depth",
		Help: "The number of items currently sitting in a belt's queue",
	}, []string{"belt_id"})

	// BeltOutcomesTotal 计数器：按结果 (success/failed) 统计的传送带数量
	BeltOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factory_belt_outcomes_total",
		Help: "The total number of finished belts by status",
	}, []string{"status"})

	// BarrierWaitDuration 直方图：传送带在屏障各阶段的等待耗时
	// 用于定位初始化缓慢的传送带
	BarrierWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factory_barrier_wait_seconds",
		Help:    "Time a belt spent blocked in each barrier phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	// StartSkew 仪表盘：最近一次运行中各传送带首次插入时间的最大差值
	StartSkew = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "factory_start_skew_seconds",
		Help: "Spread between the earliest and latest first insertion in the last run",
	})
)
