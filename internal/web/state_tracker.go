package web

import (
	"conveyor-factory/internal/barrier"
	"conveyor-factory/internal/fsm"
	"conveyor-factory/internal/types"
	"strconv"
	"sync"
	"time"
)

// BeltState 定义了用于 UI 展示的传送带状态
type BeltState struct {
	Slot        int           `json:"slot"` // 在配置中的位置
	ID          types.BeltID  `json:"id"`
	Capacity    int           `json:"capacity"`
	Items       int           `json:"items"`
	State       fsm.State     `json:"state"`
	ReleaseWait time.Duration `json:"release_wait"` // 登记就绪到获得放行凭证的耗时
	Produced    int           `json:"produced"`
	Consumed    int           `json:"consumed"`
	Rejected    int           `json:"rejected"`
	Reason      string        `json:"reason,omitempty"`
}

// GlobalState 代表整个工厂的实时状态快照
// Belts 以配置位置为键，ID 重复的传送带各占一项
type GlobalState struct {
	RunID    string               `json:"run_id"`
	Released bool                 `json:"released"` // 屏障是否已广播
	Barrier  *barrier.Snapshot    `json:"barrier,omitempty"`
	Belts    map[string]BeltState `json:"belts"`
}

// stateRank 事件是异步处理的，只允许状态向前推进
var stateRank = map[fsm.State]int{
	fsm.StateCreated:         0,
	fsm.StateAwaitingReady:   1,
	fsm.StateAwaitingRelease: 2,
	fsm.StateRunning:         3,
	fsm.StateTerminated:      4,
	fsm.StateFailed:          4,
}

// Broadcaster 接收状态快照并推送给客户端
type Broadcaster interface {
	BroadcastState(state interface{})
}

// StateTracker 负责追踪所有传送带的实时状态，并通知前端更新
type StateTracker struct {
	mu      sync.RWMutex
	state   GlobalState
	barrier *barrier.FactoryBarrier
	hub     Broadcaster
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 可以为 nil
func NewStateTracker(hub Broadcaster) *StateTracker {
	return &StateTracker{
		state: GlobalState{Belts: make(map[string]BeltState)},
		hub:   hub,
	}
}

func key(slot int) string { return strconv.Itoa(slot) }

// WatchBarrier 让快照附带屏障的阶段与计数，每次运行重新设置
func (st *StateTracker) WatchBarrier(b *barrier.FactoryBarrier) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.barrier = b
	st.broadcast()
}

// AddBelt 登记一条传送带的配置
func (st *StateTracker) AddBelt(runID string, slot int, cfg types.BeltConfig) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.adoptRun(runID)
	belt := st.belt(slot, cfg.ID)
	// 其他事件可能先于 BeltCreated 到达
	belt.Capacity = cfg.Capacity
	belt.Items = cfg.ItemsToProduce
	st.state.Belts[key(slot)] = belt
	st.broadcast()
}

// UpdateBeltState 推进单条传送带的状态，并广播最新的全局状态
// 比当前状态更早的更新会被忽略
func (st *StateTracker) UpdateBeltState(slot int, id types.BeltID, state fsm.State) {
	st.mu.Lock()
	defer st.mu.Unlock()

	belt := st.belt(slot, id)
	if stateRank[state] < stateRank[belt.State] {
		return
	}
	belt.State = state
	st.state.Belts[key(slot)] = belt
	st.broadcast()
}

// RecordRelease 记录传送带获得放行凭证及其在第一阶段的等待时间
func (st *StateTracker) RecordRelease(slot int, id types.BeltID, waited time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	belt := st.belt(slot, id)
	belt.ReleaseWait = waited
	if stateRank[belt.State] < stateRank[fsm.StateAwaitingRelease] {
		belt.State = fsm.StateAwaitingRelease
	}
	st.state.Belts[key(slot)] = belt
	st.broadcast()
}

// RecordOutcome 记录传送带的最终结果
func (st *StateTracker) RecordOutcome(o types.BeltOutcome) {
	st.mu.Lock()
	defer st.mu.Unlock()

	belt := st.belt(o.Slot, o.BeltID)
	belt.State = fsm.StateTerminated
	if !o.Succeeded {
		belt.State = fsm.StateFailed
	}
	belt.Produced, belt.Consumed, belt.Rejected = o.Produced, o.Consumed, o.Rejected
	belt.Reason = o.Reason
	st.state.Belts[key(o.Slot)] = belt
	st.broadcast()
}

// MarkReleased 记录屏障已经广播
func (st *StateTracker) MarkReleased(runID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.adoptRun(runID)
	st.state.Released = true
	st.broadcast()
}

// belt 返回 slot 对应的状态，不存在时创建，调用方必须持有写锁
func (st *StateTracker) belt(slot int, id types.BeltID) BeltState {
	b, ok := st.state.Belts[key(slot)]
	if !ok {
		b = BeltState{Slot: slot, State: fsm.StateCreated}
	}
	b.ID = id
	return b
}

// adoptRun 切换到新的运行时清空上一次运行的状态，调用方必须持有写锁
func (st *StateTracker) adoptRun(runID string) {
	if st.state.RunID == runID {
		return
	}
	if st.state.RunID == "" {
		st.state.RunID = runID
		return
	}
	st.state = GlobalState{RunID: runID, Belts: make(map[string]BeltState)}
}

// broadcast 调用方必须持有写锁
func (st *StateTracker) broadcast() {
	if st.hub != nil {
		st.hub.BroadcastState(st.snapshot())
	}
}

func (st *StateTracker) snapshot() GlobalState {
	// 创建深拷贝以避免并发问题
	newState := GlobalState{RunID: st.state.RunID, Released: st.state.Released, Belts: make(map[string]BeltState, len(st.state.Belts))}
	for id, b := range st.state.Belts {
		newState.Belts[id] = b
	}
	if st.barrier != nil {
		snap := st.barrier.Snapshot()
		newState.Barrier = &snap
	}
	return newState
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshot()
}
