package report

import (
	"conveyor-factory/internal/types"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
)

// Sink 接收 Webhook 上报的运行结果，只保留最近的若干条
type Sink struct {
	mu      sync.RWMutex
	reports []types.Report
	limit   int
	logger  *slog.Logger
}

// NewSink 创建一个接收端，limit <= 0 时默认保留 100 条
func NewSink(limit int, logger *slog.Logger) *Sink {
	if limit <= 0 {
		limit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{limit: limit, logger: logger.With("service", "report-sink")}
}

// Reports 返回已接收报告的副本，按接收顺序排列
func (s *Sink) Reports() []types.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// ServeHTTP POST 接收一份报告，GET 返回已接收的全部报告
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Reports())
	case http.MethodPost:
		var rep types.Report
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			s.logger.Warn("解析报告失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logger := s.logger.With("run_id", rep.RunID)
		if runID := r.Header.Get("X-Run-ID"); runID != "" && runID != rep.RunID {
			logger = logger.With("header_run_id", runID)
			logger.Warn("Run ID 与报告内容不一致")
		}

		failed := rep.Failures()
		for _, o := range failed {
			logger.Warn("传送带失败", "belt_id", int(o.BeltID), "reason", o.Reason)
		}
		logger.Info("接收到运行报告", "belts", len(rep.Outcomes), "failed", len(failed), "start_skew", rep.StartSkew)

		s.mu.Lock()
		s.reports = append(s.reports, rep)
		if len(s.reports) > s.limit {
			s.reports = s.reports[len(s.reports)-s.limit:]
		}
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
