package journal

import (
	"bufio"
	"conveyor-factory/internal/types"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// 日志记录类型
const (
	EntryRunStart = "RUN_START"
	EntryOutcome  = "OUTCOME"
	EntryRunEnd   = "RUN_END"
)

// Entry 代表运行日志中的一条记录 (JSON Lines)
type Entry struct {
	Type      string             `json:"type"`
	RunID     string             `json:"run_id"`
	At        time.Time          `json:"at"`
	Belts     []types.BeltConfig `json:"belts,omitempty"`     // RUN_START
	Outcome   *types.BeltOutcome `json:"outcome,omitempty"`   // OUTCOME
	Success   *bool              `json:"success,omitempty"`   // RUN_END
	Abandoned bool               `json:"abandoned,omitempty"` // RUN_END 由后续启动补写，运行本身没有正常结束
}

// Interrupted 描述一次开始后未正常结束的运行
type Interrupted struct {
	RunID     string
	StartedAt time.Time
	Belts     []types.BeltConfig
	Finished  map[int]bool // 已记录结果的传送带，以配置位置为键
}

// Pending 返回没有记录结果的传送带
func (i Interrupted) Pending() []types.BeltConfig {
	var pending []types.BeltConfig
	for slot, b := range i.Belts {
		if !i.Finished[slot] {
			pending = append(pending, b)
		}
	}
	return pending
}

// Journal 是只追加的运行日志，每条记录写入后立即刷盘
type Journal struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证多条传送带并发写入的原子性
}

// Open 创建或打开一个运行日志文件
func Open(path string) (*Journal, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

func (j *Journal) append(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，进程崩溃后仍可识别中断的运行
	return j.file.Sync()
}

// RunStarted 记录一次运行的开始及其全部传送带配置
func (j *Journal) RunStarted(runID string, configs []types.BeltConfig) error {
	return j.append(Entry{Type: EntryRunStart, RunID: runID, Belts: configs})
}

// BeltFinished 记录一条传送带的结果
func (j *Journal) BeltFinished(runID string, outcome types.BeltOutcome) error {
	return j.append(Entry{Type: EntryOutcome, RunID: runID, Outcome: &outcome})
}

// RunFinished 记录一次运行的结束
func (j *Journal) RunFinished(runID string, report types.Report) error {
	ok := report.Succeeded
	return j.append(Entry{Type: EntryRunEnd, RunID: runID, Success: &ok})
}

// Abandon 为已经报告过的中断运行补写结束记录，之后的扫描不再返回它
func (j *Journal) Abandon(runID string) error {
	return j.append(Entry{Type: EntryRunEnd, RunID: runID, Abandoned: true})
}

// Interrupted 扫描日志，返回已开始但没有结束记录的运行
// 损坏的行会被忽略
func (j *Journal) Interrupted() ([]Interrupted, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var order []string
	runs := make(map[string]*Interrupted)
	ended := make(map[string]bool)

	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		switch e.Type {
		case EntryRunStart:
			runs[e.RunID] = &Interrupted{RunID: e.RunID, StartedAt: e.At, Belts: e.Belts, Finished: make(map[int]bool)}
			order = append(order, e.RunID)
		case EntryOutcome:
			if r, ok := runs[e.RunID]; ok && e.Outcome != nil {
				r.Finished[e.Outcome.Slot] = true
			}
		case EntryRunEnd:
			ended[e.RunID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var interrupted []Interrupted
	for _, id := range order {
		if !ended[id] {
			interrupted = append(interrupted, *runs[id])
		}
	}

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return interrupted, nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
