package taskqueue

import (
	"time"

	"QuantDesk/internal/capability"
	xerrors "QuantDesk/internal/errors"
	"QuantDesk/internal/execution"
)

// Priority 表示任务所属的优先级队列。同一队列名下按严格优先级消费:
// critical > high > normal > low，不做加权公平调度，饱和的高优先级
// 队列会无限期饿死低优先级队列（已知且不做缓解）。
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityOrder 是消费时的固定排列，高优先级在前。
var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Priorities 返回按消费顺序排列的全部优先级。
func Priorities() []Priority {
	out := make([]Priority, len(priorityOrder))
	copy(out, priorityOrder)
	return out
}

// IsValidPriority 检查优先级是否为支持的枚举值。
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// DefaultQueue 是未显式指定时任务进入的队列名。
const DefaultQueue = "capabilities"

// Config 是调用方为排队任务提供的执行策略。
type Config struct {
	Queue             string   `json:"queue"`
	Priority          Priority `json:"priority"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
	MaxRetries        int      `json:"max_retries"`
	RetryDelaySeconds int      `json:"retry_delay_seconds"`
	WebhookURL        string   `json:"webhook_url,omitempty"`
	// CountdownSeconds 与 ETA 用于延迟执行，ETA 为 Unix 毫秒时间戳，
	// 两者同时给出时 ETA 优先。
	CountdownSeconds int   `json:"countdown_seconds,omitempty"`
	ETA              int64 `json:"eta,omitempty"`
}

// applyDefaults 用能力描述符与服务级默认值补全缺失字段。
func (c *Config) applyDefaults(desc capability.Descriptor, defaults Defaults) {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if !IsValidPriority(c.Priority) {
		c.Priority = PriorityNormal
	}
	if c.TimeoutSeconds <= 0 && desc.Timeout > 0 {
		c.TimeoutSeconds = int(desc.Timeout / time.Second)
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		if desc.MaxRetries > 0 {
			c.MaxRetries = desc.MaxRetries
		} else if defaults.MaxRetries > 0 {
			c.MaxRetries = defaults.MaxRetries
		}
	}
	if c.RetryDelaySeconds < 0 {
		c.RetryDelaySeconds = 0
	}
	if c.RetryDelaySeconds == 0 && c.MaxRetries > 0 {
		if desc.RetryDelay > 0 {
			c.RetryDelaySeconds = int(desc.RetryDelay / time.Second)
		} else if defaults.RetryDelaySeconds > 0 {
			c.RetryDelaySeconds = defaults.RetryDelaySeconds
		}
	}
}

// etaTime 返回任务的计划执行时间；无延迟配置时返回零值。
func (c *Config) etaTime(now time.Time) time.Time {
	if c.ETA > 0 {
		return time.UnixMilli(c.ETA)
	}
	if c.CountdownSeconds > 0 {
		return now.Add(time.Duration(c.CountdownSeconds) * time.Second)
	}
	return time.Time{}
}

// Defaults 是服务级的重试默认值。
type Defaults struct {
	MaxRetries        int
	RetryDelaySeconds int
}

// Task 是任务队列对执行结果的持久化投影，附带重试簿记。
// 记录的变更遵循 last-writer-wins，不做乐观版本控制。
type Task struct {
	ID              string           `json:"id"`
	CapabilityID    string           `json:"capability_id"`
	Status          execution.Status `json:"status"`
	Queue           string           `json:"queue"`
	Priority        Priority         `json:"priority"`
	Result          any              `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorType       string           `json:"error_type,omitempty"`
	ProgressPercent float64          `json:"progress_percent"`
	ProgressMessage string           `json:"progress_message,omitempty"`
	RetryCount      int              `json:"retry_count"`
	MaxRetries      int              `json:"max_retries"`
	NextRetryAt     int64            `json:"next_retry_at,omitempty"`
	WebhookURL      string           `json:"webhook_url,omitempty"`
	CreatedAt       int64            `json:"created_at"`
	StartedAt       int64            `json:"started_at,omitempty"`
	CompletedAt     int64            `json:"completed_at,omitempty"`
	UpdatedAt       int64            `json:"updated_at"`
}

// Clone 返回任务的浅拷贝快照。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// Data 是任务输入与配置的持久化副本，入队时落库，供 worker 重建调用。
type Data struct {
	CapabilityID string         `json:"capability_id"`
	Input        map[string]any `json:"input_data"`
	Config       Config         `json:"config"`
}

// Stats 统计符合过滤条件的任务数量。
type Stats struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Retry     int64 `json:"retry"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Timeout   int64 `json:"timeout"`
	Cancelled int64 `json:"cancelled"`
}

func (s *Stats) count(status execution.Status) {
	s.Total++
	switch status {
	case execution.StatusQueued:
		s.Queued++
	case execution.StatusRunning:
		s.Running++
	case execution.StatusRetry:
		s.Retry++
	case execution.StatusCompleted:
		s.Completed++
	case execution.StatusFailed:
		s.Failed++
	case execution.StatusTimeout:
		s.Timeout++
	case execution.StatusCancelled:
		s.Cancelled++
	}
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeNotFound, "Task not found")
	// ErrTaskConflict 表示任务 ID 已存在。
	ErrTaskConflict = xerrors.New(xerrors.CodeInvalidArgument, "task already exists")
)
