package types

import (
	"errors"
	"fmt"
	"time"
)

// BeltID 定义传送带 (tape) ID
// 输入文件中的编号原样保留，便于日志与输出对照
type BeltID int

func (id BeltID) String() string {
	return fmt.Sprintf("belt-%d", int(id))
}

// 错误分类
// 每条传送带的错误都封装在其 BeltOutcome 中，不会跨传送带传播
var (
	ErrConfig          = errors.New("config error")          // 配置错误：容量/数量非法、ID 重复、传送带过多
	ErrResource        = errors.New("resource error")        // 资源错误：队列存储分配失败
	ErrSynchronization = errors.New("synchronization error") // 同步原语错误：进程级致命
	ErrProtocol        = errors.New("protocol error")        // 消费者观察到的顺序或归属异常

	ErrInvalidCapacity  = fmt.Errorf("%w: capacity must be > 0", ErrConfig)
	ErrInvalidItemCount = fmt.Errorf("%w: items_to_produce must be > 0", ErrConfig)
	ErrDuplicateBelt    = fmt.Errorf("%w: duplicate belt id", ErrConfig)
	ErrTooManyBelts     = fmt.Errorf("%w: too many belts", ErrConfig)
	ErrNoBelts          = fmt.Errorf("%w: no belts configured", ErrConfig)
	ErrMalformedInput   = fmt.Errorf("%w: malformed input", ErrConfig)
)

// BeltConfig 描述一条传送带，由输入解析器创建后不可变
type BeltConfig struct {
	ID             BeltID `json:"id" mapstructure:"id"`
	Capacity       int    `json:"capacity" mapstructure:"capacity"`                 // 队列容量，必须 > 0
	ItemsToProduce int    `json:"items_to_produce" mapstructure:"items_to_produce"` // 生产数量，必须 > 0
}

// Validate 检查单条配置的不变量
func (c BeltConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w (belt %d, capacity %d)", ErrInvalidCapacity, c.ID, c.Capacity)
	}
	if c.ItemsToProduce <= 0 {
		return fmt.Errorf("%w (belt %d, items %d)", ErrInvalidItemCount, c.ID, c.ItemsToProduce)
	}
	return nil
}

// Item 表示传送带上的一个元素
// 由生产者在插入时创建，之后只读
type Item struct {
	Edition int    `json:"edition"` // 本传送带内从 0 开始单调递增的编号
	BeltID  BeltID `json:"belt_id"`
	IsLast  bool   `json:"is_last"` // 当且仅当 Edition == ItemsToProduce-1
}

// NewItem 按编号生成元素，并根据生产总数计算 IsLast
func NewItem(belt BeltID, edition, total int) Item {
	return Item{Edition: edition, BeltID: belt, IsLast: edition == total-1}
}

// BeltOutcome 是一条传送带终止时的结果记录
type BeltOutcome struct {
	BeltID     BeltID    `json:"belt_id"`
	Slot       int       `json:"slot"` // 在配置中的位置，ID 重复时用于区分
	Succeeded  bool      `json:"succeeded"`
	Reason     string    `json:"reason,omitempty"`
	Err        error     `json:"-"`
	Produced   int       `json:"produced"`
	Consumed   int       `json:"consumed"`
	Rejected   int       `json:"rejected"` // 检验规则判定不合格的元素数，不影响成功与否
	FirstPutAt time.Time `json:"first_put_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Failed 构造一个失败结果
func Failed(id BeltID, err error) BeltOutcome {
	return BeltOutcome{BeltID: id, Succeeded: false, Reason: err.Error(), Err: err, FinishedAt: time.Now()}
}

// Report 是一次工厂运行的汇总结果
type Report struct {
	RunID       string        `json:"run_id"`
	Outcomes    []BeltOutcome `json:"outcomes"` // 按 BeltID 升序
	Succeeded   bool          `json:"succeeded"`
	BroadcastAt time.Time     `json:"broadcast_at,omitzero"`
	StartSkew   time.Duration `json:"start_skew"` // 各传送带首次插入时间的最大差值
}

// ExitCode 将汇总结果映射为进程退出码
func (r Report) ExitCode() int {
	if r.Succeeded {
		return 0
	}
	return 1
}

// Failures 返回失败的传送带结果
func (r Report) Failures() []BeltOutcome {
	var failed []BeltOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			failed = append(failed, o)
		}
	}
	return failed
}
