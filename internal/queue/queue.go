package queue

import (
	"conveyor-factory/internal/types"
	"errors"
	"fmt"
	"sync"
)

// DefaultMaxCapacity 单条传送带允许分配的最大槽位数
const DefaultMaxCapacity = 1 << 20

// ErrFinished 表示生产者已经标记结束后仍尝试插入
var ErrFinished = errors.New("queue: put after finished")

// BoundedQueue 是一条传送带上的固定容量环形队列
// 所有字段都由 mu 保护；notFull / notEmpty 两个条件变量共享同一把锁
type BoundedQueue struct {
	belt     types.BeltID
	mu       sync.Mutex
	notFull  *sync.Cond   // 队列从满变为非满时通知生产者
	notEmpty *sync.Cond   // 插入元素或标记结束时通知消费者
	slots    []types.Item // 固定长度 = capacity
	capacity int
	head     int  // 下一个取出的位置
	tail     int  // 下一个插入的位置
	size     int  // 当前元素数量，0 <= size <= capacity
	created  int  // 已插入的元素总数，用于生成编号
	finished bool // 只由生产者设置一次，之后不再重置
}

// New 为传送带分配一个空队列
// capacity 超出 [1, maxCapacity] 时返回 ErrResource
func New(belt types.BeltID, capacity, maxCapacity int) (*BoundedQueue, error) {
	if maxCapacity <= 0 {
		maxCapacity = DefaultMaxCapacity
	}
	if capacity < 1 || capacity > maxCapacity {
		return nil, fmt.Errorf("%w: cannot allocate %d slots for %s (limit %d)", types.ErrResource, capacity, belt, maxCapacity)
	}
	q := &BoundedQueue{
		belt:     belt,
		slots:    make([]types.Item, capacity),
		capacity: capacity,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Put 插入一个已构造好的元素，队列满时阻塞
func (q *BoundedQueue) Put(item types.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == q.capacity && !q.finished {
		q.notFull.Wait()
	}
	if q.finished {
		return ErrFinished
	}
	q.insert(item)
	q.notEmpty.Signal()
	return nil
}

// PutNext 在锁内构造下一个元素并插入，队列满时阻塞
// 编号等于此前已创建的元素数量，total 用于判断是否为最后一个
func (q *BoundedQueue) PutNext(total int) (types.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == q.capacity && !q.finished {
		q.notFull.Wait()
	}
	if q.finished {
		return types.Item{}, ErrFinished
	}
	item := types.NewItem(q.belt, q.created, total)
	q.insert(item)
	q.notEmpty.Signal() // 唤醒一个等待的消费者
	return item, nil
}

// insert 调用方必须持有 mu 且保证队列未满
func (q *BoundedQueue) insert(item types.Item) {
	q.slots[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.size++
	q.created++
}

// Get 取出队首元素，队列为空且未结束时阻塞
// 队列已结束且为空时返回 ok=false，表示流结束
func (q *BoundedQueue) Get() (item types.Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 && !q.finished {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		return types.Item{}, false
	}
	item = q.slots[q.head]
	q.slots[q.head] = types.Item{}
	q.head = (q.head + 1) % q.capacity
	q.size--
	q.notFull.Signal() // 唤醒被阻塞的生产者
	return item, true
}

// MarkFinished 标记不会再有新元素，并唤醒所有等待的消费者
// 重复调用无副作用
func (q *BoundedQueue) MarkFinished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len 返回当前元素数量
func (q *BoundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap 返回队列容量
func (q *BoundedQueue) Cap() int {
	return q.capacity
}

// Created 返回累计插入的元素数量
func (q *BoundedQueue) Created() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.created
}

// Finished 报告生产者是否已经标记结束
func (q *BoundedQueue) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// Destroy 释放存储，只能在生产者和消费者都退出后调用
func (q *BoundedQueue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slots = nil
	q.head, q.tail, q.size = 0, 0, 0
}
