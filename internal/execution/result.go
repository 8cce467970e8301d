package execution

import (
	"time"

	"github.com/google/uuid"
)

// Status 表示一次执行在状态机中的位置。
// 流转: queued → running → {completed, failed, timeout, cancelled}。
// retry 仅由任务队列使用，表示等待重新入队的失败任务。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusRetry     Status = "retry"
)

// Terminal 判断状态是否为终态。终态不再发生任何流转。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的执行状态是否为支持的枚举值。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusRetry:
		return true
	default:
		return false
	}
}

// Context 承载一次调用的身份与路由信息，创建后不可变，
// 在整个执行过程中按引用传递。
type Context struct {
	ExecutionID  string `json:"execution_id"`
	CapabilityID string `json:"capability_id"`
	UserID       string `json:"user_id,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	StartedAt    int64  `json:"started_at"`
}

// NewContext 生成一个新的执行上下文，执行 ID 使用 UUID。
func NewContext(capabilityID, userID string) *Context {
	return &Context{
		ExecutionID:  uuid.NewString(),
		CapabilityID: capabilityID,
		UserID:       userID,
		StartedAt:    time.Now().UnixMilli(),
	}
}

// Result 记录一次执行的可变结果。时间戳为 Unix 毫秒。
// 不变式: CompletedAt 非零 当且仅当 Status 为终态。
type Result struct {
	ExecutionID     string  `json:"execution_id"`
	CapabilityID    string  `json:"capability_id"`
	Status          Status  `json:"status"`
	Result          any     `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorType       string  `json:"error_type,omitempty"`
	StartedAt       int64   `json:"started_at"`
	CompletedAt     int64   `json:"completed_at,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	ProgressMessage string  `json:"progress_message,omitempty"`
}

// Clone 返回结果的浅拷贝快照。Result 载荷被视为只读，不做深拷贝。
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
