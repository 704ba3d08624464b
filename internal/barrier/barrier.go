package barrier

import (
	"conveyor-factory/internal/types"
	"fmt"
	"sync"
	"time"
)

// SyncError 表示同步协议被破坏 (计数越界、重复放行等)
// 这是编程环境层面的不变量错误，以 panic 形式抛出，不做恢复
type SyncError struct {
	Op     string
	Detail string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("barrier %s: %s", e.Op, e.Detail)
}

func (e *SyncError) Unwrap() error { return types.ErrSynchronization }

// Phase 表示屏障所处的阶段
type Phase string

const (
	PhaseGathering Phase = "GATHERING" // 等待所有传送带就绪
	PhaseReleasing Phase = "RELEASING" // 已逐个放行，等待所有传送带到达第二会合点
	PhaseStarted   Phase = "STARTED"   // 已广播，所有传送带同时开始
)

// FactoryBarrier 是整个工厂共享的两阶段会合屏障
// 阶段一：每条传送带完成初始化后登记就绪，协调者等到全部就绪后按传送带数量逐个发放放行凭证
// 阶段二：传送带拿到凭证后登记到达，协调者等到全部到达后一次性广播，所有传送带同时开始生产
// 屏障只使用一次，每次运行重新创建
type FactoryBarrier struct {
	total int

	mu         sync.Mutex
	allReady   *sync.Cond // 协调者等待 ready == total
	allStarted *sync.Cond // 协调者等待 waiting == total
	startGate  *sync.Cond // 传送带等待 started

	ready   int
	waiting int
	granted bool
	started bool

	release chan struct{} // 放行凭证，容量 = total，发放后不会丢失

	readyAt     time.Time
	broadcastAt time.Time
}

// New 创建一个容纳 total 条传送带的屏障
func New(total int) (*FactoryBarrier, error) {
	if total < 1 {
		return nil, fmt.Errorf("%w: barrier needs at least one belt, got %d", types.ErrConfig, total)
	}
	b := &FactoryBarrier{
		total:   total,
		release: make(chan struct{}, total),
	}
	b.allReady = sync.NewCond(&b.mu)
	b.allStarted = sync.NewCond(&b.mu)
	b.startGate = sync.NewCond(&b.mu)
	return b, nil
}

// --- 传送带侧 ---

// RegisterReady 登记一条传送带已完成本地初始化
// 最后一个登记者唤醒协调者
func (b *FactoryBarrier) RegisterReady() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready == b.total {
		panic(&SyncError{Op: "register_ready", Detail: fmt.Sprintf("more than %d belts registered", b.total)})
	}
	b.ready++
	if b.ready == b.total {
		b.readyAt = time.Now()
		b.allReady.Signal()
	}
}

// AwaitRelease 阻塞直到协调者为本传送带发放一个放行凭证
func (b *FactoryBarrier) AwaitRelease() {
	<-b.release
}

// RegisterStarted 登记一条传送带已被放行、即将开始生产
// 最后一个登记者再次唤醒协调者
func (b *FactoryBarrier) RegisterStarted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiting == b.total {
		panic(&SyncError{Op: "register_started", Detail: fmt.Sprintf("more than %d belts arrived", b.total)})
	}
	b.waiting++
	if b.waiting == b.total {
		b.allStarted.Signal()
	}
}

// AwaitBroadcast 阻塞直到协调者广播开始
// 广播先于等待发生时立即返回
func (b *FactoryBarrier) AwaitBroadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.started {
		b.startGate.Wait()
	}
}

// Arrive 依次执行传送带侧的两个阶段
func (b *FactoryBarrier) Arrive() {
	b.RegisterReady()
	b.AwaitRelease()
	b.RegisterStarted()
	b.AwaitBroadcast()
}

// --- 协调者侧 ---

// WaitAllReady 阻塞直到所有传送带登记就绪
func (b *FactoryBarrier) WaitAllReady() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.ready < b.total {
		b.allReady.Wait()
	}
}

// GrantRelease 为每条传送带发放一个放行凭证
// 凭证可计数，先发放后等待的传送带也不会错过
func (b *FactoryBarrier) GrantRelease() {
	b.mu.Lock()
	if b.granted {
		b.mu.Unlock()
		panic(&SyncError{Op: "grant_release", Detail: "release already granted"})
	}
	if b.ready < b.total {
		b.mu.Unlock()
		panic(&SyncError{Op: "grant_release", Detail: fmt.Sprintf("only %d of %d belts ready", b.ready, b.total)})
	}
	b.granted = true
	b.mu.Unlock()

	for i := 0; i < b.total; i++ {
		b.release <- struct{}{}
	}
}

// WaitAllStarted 阻塞直到所有传送带到达第二会合点
func (b *FactoryBarrier) WaitAllStarted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.waiting < b.total {
		b.allStarted.Wait()
	}
}

// Broadcast 一次性唤醒所有传送带
func (b *FactoryBarrier) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic(&SyncError{Op: "broadcast", Detail: "broadcast already sent"})
	}
	if b.waiting < b.total {
		panic(&SyncError{Op: "broadcast", Detail: fmt.Sprintf("only %d of %d belts arrived", b.waiting, b.total)})
	}
	b.started = true
	b.broadcastAt = time.Now()
	b.startGate.Broadcast()
}

// Drive 依次执行协调者侧的两个阶段
func (b *FactoryBarrier) Drive() {
	b.WaitAllReady()
	b.GrantRelease()
	b.WaitAllStarted()
	b.Broadcast()
}

// Snapshot 是屏障状态的只读副本
type Snapshot struct {
	Total       int       `json:"total"`
	Ready       int       `json:"ready"`
	Waiting     int       `json:"waiting"`
	Phase       Phase     `json:"phase"`
	ReadyAt     time.Time `json:"ready_at,omitzero"`
	BroadcastAt time.Time `json:"broadcast_at,omitzero"`
}

// Snapshot 返回当前计数与阶段
func (b *FactoryBarrier) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	phase := PhaseGathering
	switch {
	case b.started:
		phase = PhaseStarted
	case b.granted:
		phase = PhaseReleasing
	}
	return Snapshot{
		Total:       b.total,
		Ready:       b.ready,
		Waiting:     b.waiting,
		Phase:       phase,
		ReadyAt:     b.readyAt,
		BroadcastAt: b.broadcastAt,
	}
}

// BroadcastAt 返回广播时刻，未广播时为零值
func (b *FactoryBarrier) BroadcastAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcastAt
}
