package handlers

import (
	"conveyor-factory/internal/event"
	"conveyor-factory/internal/fsm"
	"conveyor-factory/internal/web"
	"log/slog"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// UI 与审计日志互相解耦，传送带本身只负责发布事件
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	// --- Web UI 处理器 ---
	if st != nil {
		bus.Subscribe(event.BeltCreated, func(e event.Event) {
			st.AddBelt(e.RunID, e.Slot, e.Config)
		})
		bus.Subscribe(event.BeltReady, func(e event.Event) {
			st.UpdateBeltState(e.Slot, e.BeltID, fsm.StateAwaitingReady)
		})
		bus.Subscribe(event.BeltReleased, func(e event.Event) {
			st.RecordRelease(e.Slot, e.BeltID, e.Waited)
		})
		bus.Subscribe(event.BeltStarted, func(e event.Event) {
			st.UpdateBeltState(e.Slot, e.BeltID, fsm.StateRunning)
		})
		bus.Subscribe(event.BeltCompleted, func(e event.Event) {
			st.RecordOutcome(*e.Outcome)
		})
		bus.Subscribe(event.BeltFailed, func(e event.Event) {
			st.RecordOutcome(*e.Outcome)
		})
		bus.Subscribe(event.FactoryReleased, func(e event.Event) {
			st.MarkReleased(e.RunID)
		})
	}

	// --- 日志处理器 ---
	// 订阅关键事件，记录审计日志
	bus.Subscribe(event.BeltFailed, func(e event.Event) {
		logger.Error("传送带失败", "run_id", e.RunID, "belt_id", int(e.BeltID), "slot", e.Slot, "error", e.Error)
	})
	bus.Subscribe(event.FactoryReleased, func(e event.Event) {
		logger.Info("工厂已同步放行", "run_id", e.RunID, "at", e.Occurred)
	})
}
