package fsm

import (
	"conveyor-factory/internal/types"
	"fmt"
	"log/slog"
	"sync"
)

// State 定义传送带状态
type State string

// Event 定义触发状态转移的事件
type Event string

const (
	StateCreated         State = "CREATED"
	StateAwaitingReady   State = "AWAITING_READY"   // 已登记就绪，等待放行凭证
	StateAwaitingRelease State = "AWAITING_RELEASE" // 已放行，等待全体广播
	StateRunning         State = "RUNNING"          // 生产者/消费者运行中
	StateTerminated      State = "TERMINATED"
	StateFailed          State = "FAILED"
)

const (
	EventRegister Event = "REGISTER" // 登记到屏障第一阶段
	EventRelease  Event = "RELEASE"  // 获得放行凭证
	EventStart    Event = "START"    // 收到广播
	EventFinish   Event = "FINISH"
	EventFail     Event = "FAIL"
)

// Callback 在进入某个状态后被调用
type Callback func(belt types.BeltID, from, to State)

// FSM 传送带有限状态机
type FSM struct {
	mu      sync.Mutex
	current State
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	callbacks   map[State][]Callback
	belt        types.BeltID
	logger      *slog.Logger
}

// NewFSM 创建处于 CREATED 状态的状态机
// logger 应已携带 belt_id 等上下文字段
func NewFSM(belt types.BeltID, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FSM{
		current:     StateCreated,
		belt:        belt,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State][]Callback),
		logger:      logger,
	}
	f.initTransitions()
	return f
}

func (f *FSM) initTransitions() {
	f.addTransition(StateCreated, EventRegister, StateAwaitingReady)
	f.addTransition(StateAwaitingReady, EventRelease, StateAwaitingRelease)
	f.addTransition(StateAwaitingRelease, EventStart, StateRunning)
	f.addTransition(StateRunning, EventFinish, StateTerminated)

	// 失败的传送带仍然完整参与屏障，因此任何非终止状态都可以失败
	for _, s := range []State{StateCreated, StateAwaitingReady, StateAwaitingRelease, StateRunning} {
		f.addTransition(s, EventFail, StateFailed)
	}
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// OnEnter 注册进入某个状态时的回调
// 回调在持有 FSM 锁时同步执行，回调中不要再调用 Fire
func (f *FSM) OnEnter(state State, cb Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = append(f.callbacks[state], cb)
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, ok := f.transitions[f.current][event]
	if !ok {
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, f.current)
	}

	prev := f.current
	f.current = next
	f.logger.Debug("状态变更", "from", prev, "to", next, "event", event)

	for _, cb := range f.callbacks[next] {
		cb(f.belt, prev, next)
	}
	return nil
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Terminal 报告状态机是否已处于终止状态
func (f *FSM) Terminal() bool {
	s := f.Current()
	return s == StateTerminated || s == StateFailed
}
