package taskqueue

import (
	"context"
	"fmt"
	"time"
)

// ProgressEvent 是进度广播通道上的事件载荷。
type ProgressEvent struct {
	TaskID  string  `json:"task_id"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// Broker 抽象了任务队列的跨进程协调原语: 按优先级排列的待处理列表、
// 延迟执行集合，以及进度广播。原子的阻塞出队是唯一的跨进程互斥手段。
type Broker interface {
	// Push 把任务 ID 追加到 {queue}:{priority} 列表尾部。
	Push(ctx context.Context, queue string, priority Priority, taskID string) error
	// Pop 按优先级顺序阻塞地取出首个可用的任务 ID。等待 wait 后仍无
	// 任务时返回 ("", nil)，以便消费循环保持对关停信号的响应。
	Pop(ctx context.Context, queue string, wait time.Duration) (string, error)
	// Defer 把任务放入按计划执行时间排序的延迟集合，到期前对消费者不可见。
	Defer(ctx context.Context, taskID string, eta time.Time) error
	// DueDeferred 原子地取出并移除已到期的延迟任务 ID。
	DueDeferred(ctx context.Context, now time.Time, limit int64) ([]string, error)
	// PublishProgress 向任务的广播通道发布进度事件，发布失败不回报调用方。
	PublishProgress(ctx context.Context, event ProgressEvent) error
	// SubscribeProgress 订阅任务的进度事件，返回的关闭函数必须被调用。
	SubscribeProgress(ctx context.Context, taskID string) (<-chan ProgressEvent, func(), error)
	Close() error
}

// queueKey 构造优先级列表的键名。
func queueKey(queue string, priority Priority) string {
	return fmt.Sprintf("queue:%s:%s", queue, priority)
}

// queueKeys 返回一个队列按消费顺序排列的全部优先级键。
func queueKeys(queue string) []string {
	keys := make([]string, 0, len(priorityOrder))
	for _, priority := range priorityOrder {
		keys = append(keys, queueKey(queue, priority))
	}
	return keys
}

const (
	// delayedKey 是延迟任务集合的键名。
	delayedKey = "queue:delayed"
	// progressKeyPrefix 是进度广播通道的键前缀。
	progressKeyPrefix = "progress:"
)

func progressKey(taskID string) string {
	return progressKeyPrefix + taskID
}
