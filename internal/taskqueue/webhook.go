package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"QuantDesk/pkg/logger"
)

// WebhookNotifier 把任务的每次尝试结果 POST 到调用方配置的回调地址。
// 通知是尽力而为的: 失败只记日志，不影响任务状态，也不会重发。
type WebhookNotifier struct {
	client *http.Client
	log    *slog.Logger
}

// NewWebhookNotifier 创建 webhook 通知器。
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		log:    logger.Named("webhook"),
	}
}

// webhookPayload 是回调请求体。
type webhookPayload struct {
	TaskID       string  `json:"task_id"`
	CapabilityID string  `json:"capability_id"`
	Status       string  `json:"status"`
	Result       any     `json:"result,omitempty"`
	Error        string  `json:"error,omitempty"`
	ErrorType    string  `json:"error_type,omitempty"`
	RetryCount   int     `json:"retry_count"`
	MaxRetries   int     `json:"max_retries"`
	WillRetry    bool    `json:"will_retry"`
	CompletedAt  int64   `json:"completed_at,omitempty"`
	DurationMS   float64 `json:"duration_ms"`
}

// Notify 发送任务结果回调。willRetry 标记本次失败后是否还会重试。
func (n *WebhookNotifier) Notify(ctx context.Context, task *Task, willRetry bool) {
	if n == nil || task == nil || task.WebhookURL == "" {
		return
	}
	payload := webhookPayload{
		TaskID:       task.ID,
		CapabilityID: task.CapabilityID,
		Status:       string(task.Status),
		Result:       task.Result,
		Error:        task.Error,
		ErrorType:    task.ErrorType,
		RetryCount:   task.RetryCount,
		MaxRetries:   task.MaxRetries,
		WillRetry:    willRetry,
		CompletedAt:  task.CompletedAt,
	}
	if task.StartedAt > 0 && task.CompletedAt >= task.StartedAt {
		payload.DurationMS = float64(task.CompletedAt - task.StartedAt)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("编码回调载荷失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.WebhookURL, bytes.NewReader(raw))
	if err != nil {
		n.log.Warn("构造回调请求失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("发送回调失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		n.log.Warn("回调地址返回错误状态",
			slog.Int("status", resp.StatusCode),
			slog.String("task_id", task.ID),
		)
	}
}
