package engine

import (
	"context"
	"conveyor-factory/internal/barrier"
	"conveyor-factory/internal/event"
	"conveyor-factory/internal/queue"
	"conveyor-factory/internal/types"
	"conveyor-factory/internal/util"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// itemLog 按传送带记录消费者观察到的元素序列
type itemLog struct {
	mu    sync.Mutex
	items map[types.BeltID][]types.Item
}

func newItemLog() *itemLog {
	return &itemLog{items: make(map[types.BeltID][]types.Item)}
}

func (l *itemLog) observe(item types.Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[item.BeltID] = append(l.items[item.BeltID], item)
}

func (l *itemLog) editions(id types.BeltID) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, it := range l.items[id] {
		out = append(out, it.Edition)
	}
	return out
}

type outcomeSummary struct {
	ID        types.BeltID
	Succeeded bool
	Produced  int
	Consumed  int
}

func summarize(outcomes []types.BeltOutcome) []outcomeSummary {
	var out []outcomeSummary
	for _, o := range outcomes {
		out = append(out, outcomeSummary{o.BeltID, o.Succeeded, o.Produced, o.Consumed})
	}
	return out
}

func TestRun_FIFOAndConservation(t *testing.T) {
	log := newItemLog()
	f := NewFactory(WithLogger(quietLogger()), WithItemObserver(log.observe))

	configs := []types.BeltConfig{
		{ID: 1, Capacity: 2, ItemsToProduce: 50},
		{ID: 2, Capacity: 7, ItemsToProduce: 13},
		{ID: 3, Capacity: 50, ItemsToProduce: 5},
	}
	report, err := f.Run(context.Background(), 3, configs)
	require.NoError(t, err)
	require.True(t, report.Succeeded)
	assert.Equal(t, 0, report.ExitCode())

	for _, cfg := range configs {
		got := log.editions(cfg.ID)
		want := make([]int, cfg.ItemsToProduce)
		for i := range want {
			want[i] = i
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("belt %d 元素顺序不符 (-want +got):\n%s", cfg.ID, diff)
		}
	}

	want := []outcomeSummary{{1, true, 50, 50}, {2, true, 13, 13}, {3, true, 5, 5}}
	if diff := cmp.Diff(want, summarize(report.Outcomes)); diff != "" {
		t.Errorf("结果不符 (-want +got):\n%s", diff)
	}
}

func TestRun_LastItemFlag(t *testing.T) {
	log := newItemLog()
	f := NewFactory(WithLogger(quietLogger()), WithItemObserver(log.observe))
	_, err := f.Run(context.Background(), 1, []types.BeltConfig{{ID: 9, Capacity: 3, ItemsToProduce: 5}})
	require.NoError(t, err)

	items := log.items[9]
	require.Len(t, items, 5)
	for _, it := range items {
		assert.Equal(t, it.Edition == 4, it.IsLast, "edition %d", it.Edition)
	}
}

func TestRun_CapacityOneDoesNotDeadlock(t *testing.T) {
	f := NewFactory(WithLogger(quietLogger()))
	done := make(chan types.Report, 1)
	go func() {
		report, err := f.Run(context.Background(), 0, []types.BeltConfig{{ID: 1, Capacity: 1, ItemsToProduce: 100}})
		assert.NoError(t, err)
		done <- report
	}()
	select {
	case report := <-done:
		require.True(t, report.Succeeded)
		assert.Equal(t, 100, report.Outcomes[0].Consumed)
	case <-time.After(10 * time.Second):
		t.Fatal("容量为 1 的传送带未能完成")
	}
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	bus := event.NewBus()
	var failedEvents atomic.Int32
	bus.Subscribe(event.BeltFailed, func(e event.Event) {
		if e.BeltID == 2 {
			failedEvents.Add(1)
		}
	})

	f := NewFactory(WithLogger(quietLogger()), WithEventBus(bus))
	report, err := f.Run(context.Background(), 3, []types.BeltConfig{
		{ID: 1, Capacity: 4, ItemsToProduce: 20},
		{ID: 2, Capacity: 0, ItemsToProduce: 20},
		{ID: 3, Capacity: 4, ItemsToProduce: 20},
	})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 3)
	assert.False(t, report.Succeeded)
	assert.Equal(t, 1, report.ExitCode())

	want := []outcomeSummary{{1, true, 20, 20}, {2, false, 0, 0}, {3, true, 20, 20}}
	if diff := cmp.Diff(want, summarize(report.Outcomes)); diff != "" {
		t.Errorf("结果不符 (-want +got):\n%s", diff)
	}
	assert.ErrorIs(t, report.Outcomes[1].Err, types.ErrInvalidCapacity)
	assert.NotEmpty(t, report.Outcomes[1].Reason)
	assert.Len(t, report.Failures(), 1)
	assert.Equal(t, int32(1), failedEvents.Load())
}

func TestRun_OutcomesSortedByBeltID(t *testing.T) {
	f := NewFactory(WithLogger(quietLogger()))
	report, err := f.Run(context.Background(), 0, []types.BeltConfig{
		{ID: 30, Capacity: 1, ItemsToProduce: 1},
		{ID: 10, Capacity: 1, ItemsToProduce: 200},
		{ID: 20, Capacity: 5, ItemsToProduce: 3},
	})
	require.NoError(t, err)
	var ids []types.BeltID
	for _, o := range report.Outcomes {
		ids = append(ids, o.BeltID)
	}
	assert.Equal(t, []types.BeltID{10, 20, 30}, ids)
}

func TestRun_DuplicateBeltFailsSecondOccurrence(t *testing.T) {
	f := NewFactory(WithLogger(quietLogger()))
	report, err := f.Run(context.Background(), 0, []types.BeltConfig{
		{ID: 5, Capacity: 2, ItemsToProduce: 4},
		{ID: 5, Capacity: 2, ItemsToProduce: 4},
	})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.True(t, report.Outcomes[0].Succeeded)
	assert.False(t, report.Outcomes[1].Succeeded)
	assert.ErrorIs(t, report.Outcomes[1].Err, types.ErrDuplicateBelt)
	assert.Equal(t, []int{0, 1}, []int{report.Outcomes[0].Slot, report.Outcomes[1].Slot})
}

func TestRun_ProtocolErrorIsBeltLocal(t *testing.T) {
	tests := []struct {
		name    string
		prefill func(q *queue.BoundedQueue, cfg types.BeltConfig) error
	}{
		{
			// 消费者先看到一个编号错误的元素
			name: "out of order edition",
			prefill: func(q *queue.BoundedQueue, _ types.BeltConfig) error {
				return q.Put(types.Item{Edition: 7, BeltID: 2})
			},
		},
		{
			// 多出一个合法编号的元素，消费数量与生产数量不一致
			name: "conservation",
			prefill: func(q *queue.BoundedQueue, cfg types.BeltConfig) error {
				_, err := q.PutNext(cfg.ItemsToProduce)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			belts := []types.BeltConfig{
				{ID: 1, Capacity: 2, ItemsToProduce: 20},
				{ID: 2, Capacity: 2, ItemsToProduce: 20},
				{ID: 3, Capacity: 1, ItemsToProduce: 20},
			}
			alloc := func(id types.BeltID, capacity int) (*queue.BoundedQueue, error) {
				q, err := queue.New(id, capacity, 0)
				if err != nil || id != 2 {
					return q, err
				}
				return q, tt.prefill(q, belts[1])
			}
			f := NewFactory(WithLogger(quietLogger()), WithAllocator(alloc))

			type result struct {
				report types.Report
				err    error
			}
			done := make(chan result, 1)
			go func() {
				r, err := f.Run(context.Background(), 0, belts)
				done <- result{r, err}
			}()

			var res result
			select {
			case res = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run 未返回，传送带可能被阻塞")
			}
			require.NoError(t, res.err)
			require.Len(t, res.report.Outcomes, 3)

			bad := res.report.Outcomes[1]
			assert.False(t, bad.Succeeded)
			assert.ErrorIs(t, bad.Err, types.ErrProtocol)
			// 消费者一直取到结束，生产者完成了全部插入
			assert.Equal(t, 20, bad.Produced)
			assert.Equal(t, 21, bad.Consumed)

			assert.True(t, res.report.Outcomes[0].Succeeded)
			assert.True(t, res.report.Outcomes[2].Succeeded)
			assert.Equal(t, 1, res.report.ExitCode())
		})
	}
}

func TestRun_RejectsEmptyAndOversizedRuns(t *testing.T) {
	f := NewFactory(WithLogger(quietLogger()))

	_, err := f.Run(context.Background(), 2, nil)
	assert.ErrorIs(t, err, types.ErrNoBelts)

	report, err := f.Run(context.Background(), 1, []types.BeltConfig{
		{ID: 1, Capacity: 1, ItemsToProduce: 1},
		{ID: 2, Capacity: 1, ItemsToProduce: 1},
	})
	assert.ErrorIs(t, err, types.ErrTooManyBelts)
	assert.ErrorIs(t, err, types.ErrConfig)
	assert.Empty(t, report.Outcomes)
}

func TestRun_NoBeltStartsBeforeBroadcast(t *testing.T) {
	var b *barrier.FactoryBarrier
	slowDone := make(chan time.Time, 1)

	// belt 3 的初始化明显慢于其他传送带
	alloc := func(id types.BeltID, capacity int) (*queue.BoundedQueue, error) {
		if id == 3 {
			time.Sleep(100 * time.Millisecond)
			slowDone <- time.Now()
		}
		return queue.New(id, capacity, 0)
	}
	f := NewFactory(
		WithLogger(quietLogger()),
		WithAllocator(alloc),
		WithBarrierHook(func(fb *barrier.FactoryBarrier) { b = fb }),
	)

	report, err := f.Run(context.Background(), 0, []types.BeltConfig{
		{ID: 1, Capacity: 1, ItemsToProduce: 10},
		{ID: 2, Capacity: 3, ItemsToProduce: 10},
		{ID: 3, Capacity: 2, ItemsToProduce: 10},
		{ID: 4, Capacity: 8, ItemsToProduce: 10},
	})
	require.NoError(t, err)
	require.True(t, report.Succeeded)
	require.NotNil(t, b)

	slowReadyAt := <-slowDone
	assert.Equal(t, b.BroadcastAt(), report.BroadcastAt)
	for _, o := range report.Outcomes {
		require.False(t, o.FirstPutAt.IsZero())
		assert.False(t, o.FirstPutAt.Before(report.BroadcastAt), "belt %d 在广播前插入", o.BeltID)
		assert.False(t, o.FirstPutAt.Before(slowReadyAt), "belt %d 在最慢传送带就绪前插入", o.BeltID)
	}
	assert.GreaterOrEqual(t, report.StartSkew, time.Duration(0))
}

func TestRun_ResourceErrorStillJoinsBarrier(t *testing.T) {
	alloc := func(id types.BeltID, capacity int) (*queue.BoundedQueue, error) {
		if id == 2 {
			return nil, errors.Join(types.ErrResource, errors.New("simulated allocation failure"))
		}
		return queue.New(id, capacity, 0)
	}
	f := NewFactory(WithLogger(quietLogger()), WithAllocator(alloc))
	report, err := f.Run(context.Background(), 0, []types.BeltConfig{
		{ID: 1, Capacity: 2, ItemsToProduce: 10},
		{ID: 2, Capacity: 2, ItemsToProduce: 10},
	})
	require.NoError(t, err)
	assert.True(t, report.Outcomes[0].Succeeded)
	assert.False(t, report.Outcomes[1].Succeeded)
	assert.ErrorIs(t, report.Outcomes[1].Err, types.ErrResource)
	assert.Zero(t, report.Outcomes[1].Produced)
}

func TestRun_MaxQueueCapacityIsResourceError(t *testing.T) {
	f := NewFactory(WithLogger(quietLogger()), WithMaxQueueCapacity(8))
	report, err := f.Run(context.Background(), 0, []types.BeltConfig{
		{ID: 1, Capacity: 9, ItemsToProduce: 1},
		{ID: 2, Capacity: 8, ItemsToProduce: 1},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, report.Outcomes[0].Err, types.ErrResource)
	assert.True(t, report.Outcomes[1].Succeeded)
}

func TestRun_InitRetriesAreBounded(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(id types.BeltID, capacity int) (*queue.BoundedQueue, error) {
		if attempts.Add(1) < 3 {
			return nil, types.ErrResource
		}
		return queue.New(id, capacity, 0)
	}

	f := NewFactory(WithLogger(quietLogger()), WithAllocator(flaky), WithInitRetries(1))
	report, err := f.Run(context.Background(), 0, []types.BeltConfig{{ID: 1, Capacity: 1, ItemsToProduce: 1}})
	require.NoError(t, err)
	assert.False(t, report.Succeeded)
	assert.Equal(t, int32(2), attempts.Load())

	attempts.Store(0)
	f = NewFactory(WithLogger(quietLogger()), WithAllocator(flaky), WithInitRetries(2))
	report, err = f.Run(context.Background(), 0, []types.BeltConfig{{ID: 1, Capacity: 1, ItemsToProduce: 1}})
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRun_InspectionRuleCountsRejects(t *testing.T) {
	inspector, err := NewInspector("item.Edition % 2 == 0")
	require.NoError(t, err)

	f := NewFactory(WithLogger(quietLogger()), WithInspector(inspector))
	report, err := f.Run(context.Background(), 0, []types.BeltConfig{{ID: 1, Capacity: 3, ItemsToProduce: 10}})
	require.NoError(t, err)
	// 不合格元素不影响传送带结果
	assert.True(t, report.Succeeded)
	assert.Equal(t, 5, report.Outcomes[0].Rejected)
}

func TestNewInspector(t *testing.T) {
	i, err := NewInspector("")
	require.NoError(t, err)
	assert.Nil(t, i)

	_, err = NewInspector("item.Edition +")
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = NewInspector("item.Edition")
	assert.Error(t, err, "非布尔规则应在编译期被拒绝")

	i, err = NewInspector("!item.IsLast || belt.Capacity > 1")
	require.NoError(t, err)
	assert.Equal(t, "!item.IsLast || belt.Capacity > 1", i.Rule())
	ok, err := i.Accept(types.NewItem(1, 0, 1), types.BeltConfig{ID: 1, Capacity: 1, ItemsToProduce: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	belts    []types.BeltID
	finished []types.Report
}

func (r *fakeRecorder) RunStarted(runID string, _ []types.BeltConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
	return nil
}

func (r *fakeRecorder) BeltFinished(_ string, o types.BeltOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.belts = append(r.belts, o.BeltID)
	return nil
}

func (r *fakeRecorder) RunFinished(_ string, report types.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, report)
	return nil
}

func TestRun_RecorderAndRunID(t *testing.T) {
	rec := &fakeRecorder{}
	f := NewFactory(WithLogger(quietLogger()), WithRecorder(rec))
	ctx := util.ContextWithRunID(context.Background(), "run-42")

	report, err := f.Run(ctx, 0, []types.BeltConfig{
		{ID: 1, Capacity: 1, ItemsToProduce: 3},
		{ID: 2, Capacity: -1, ItemsToProduce: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-42", report.RunID)
	assert.Equal(t, []string{"run-42"}, rec.started)
	assert.ElementsMatch(t, []types.BeltID{1, 2}, rec.belts)
	require.Len(t, rec.finished, 1)
	assert.False(t, rec.finished[0].Succeeded)
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	counts := make(map[event.EventType]int)
	for _, et := range []event.EventType{
		event.BeltCreated, event.BeltReady, event.BeltReleased, event.BeltStarted,
		event.BeltCompleted, event.BeltFailed, event.FactoryReleased,
	} {
		bus.Subscribe(et, func(e event.Event) {
			mu.Lock()
			defer mu.Unlock()
			counts[e.Type]++
		})
	}

	f := NewFactory(WithLogger(quietLogger()), WithEventBus(bus))
	_, err := f.Run(context.Background(), 0, []types.BeltConfig{
		{ID: 1, Capacity: 1, ItemsToProduce: 3},
		{ID: 2, Capacity: 2, ItemsToProduce: 0},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts[event.BeltCreated])
	assert.Equal(t, 2, counts[event.BeltReady])
	assert.Equal(t, 2, counts[event.BeltReleased])
	assert.Equal(t, 1, counts[event.BeltStarted])
	assert.Equal(t, 1, counts[event.BeltCompleted])
	assert.Equal(t, 1, counts[event.BeltFailed])
	assert.Equal(t, 1, counts[event.FactoryReleased])
}
