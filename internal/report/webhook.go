package report

import (
	"bytes"
	"context"
	"conveyor-factory/internal/types"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Webhook 将运行结果以 JSON 形式 POST 到远程地址
type Webhook struct {
	Endpoint string       // 接收报告的完整 URL
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger // 日志记录器
}

// NewWebhook 创建一个新的上报客户端
func NewWebhook(endpoint string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second}, // 设置 5 秒超时
		logger:   logger.With("component", "report-webhook"),
	}
}

// payload 定义了发送到远程服务的请求体
type payload struct {
	types.Report
	ExitCode int `json:"exit_code"`
	Failed   int `json:"failed"`
}

// Send 上报一次运行的结果，非 2xx 响应视为失败
func (w *Webhook) Send(ctx context.Context, r types.Report) error {
	logger := w.logger.With("run_id", r.RunID)

	body, err := json.Marshal(payload{Report: r, ExitCode: r.ExitCode(), Failed: len(r.Failures())})
	if err != nil {
		return fmt.Errorf("序列化报告失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建上报请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// 将 Run ID 放入 HTTP Header 中，便于接收方关联日志
	req.Header.Set("X-Run-ID", r.RunID)

	resp, err := w.Client.Do(req)
	if err != nil {
		logger.Error("上报运行结果失败", "error", err)
		return fmt.Errorf("上报失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Error("远程服务返回错误状态", "status", resp.Status)
		return fmt.Errorf("远程服务错误: %s", resp.Status)
	}
	logger.Info("运行结果已上报", "endpoint", w.Endpoint)
	return nil
}
