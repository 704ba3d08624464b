package event

import (
	"conveyor-factory/internal/types"
	"sync"
	"time"
)

// EventType 定义事件的类型
type EventType string

// 定义所有传送带生命周期事件
const (
	BeltCreated     EventType = "BeltCreated"     // 传送带工作者已创建
	BeltReady       EventType = "BeltReady"       // 已完成初始化并登记就绪
	BeltReleased    EventType = "BeltReleased"    // 获得放行凭证
	BeltStarted     EventType = "BeltStarted"     // 收到广播，开始生产
	BeltCompleted   EventType = "BeltCompleted"   // 生产者与消费者均正常结束
	BeltFailed      EventType = "BeltFailed"      // 传送带失败
	FactoryReleased EventType = "FactoryReleased" // 协调者完成广播
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type     EventType
	RunID    string
	BeltID   types.BeltID
	Slot     int                // 传送带在配置中的位置
	Config   types.BeltConfig   // 仅 BeltCreated
	Outcome  *types.BeltOutcome // 仅 BeltCompleted / BeltFailed
	Waited   time.Duration      // 仅 BeltReleased，登记就绪到获得凭证的耗时
	Error    error
	Occurred time.Time
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
	inflight sync.WaitGroup
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被异步调用
// 处理器之间互不阻塞，也不会阻塞传送带本身
func (b *Bus) Publish(e Event) {
	if e.Occurred.IsZero() {
		e.Occurred = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[e.Type] {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			h(e)
		}(handler)
	}
}

// Drain 等待所有已发布事件的处理器执行完毕
func (b *Bus) Drain() {
	b.inflight.Wait()
}
