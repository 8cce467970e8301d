package execution

import (
	"context"
	"time"
)

// Envelope 是对外调用方（HTTP 层、CLI）消费的统一返回信封，
// 屏蔽内部状态机细节。
type Envelope struct {
	Success     bool   `json:"success"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
	ExecutionID string `json:"execution_id"`
	DurationMS  int64  `json:"duration_ms"`
}

// ExecuteCapability 同步执行能力并返回统一信封。
func (o *Orchestrator) ExecuteCapability(ctx context.Context, capabilityID string, input map[string]any, userID string) Envelope {
	ec := NewContext(capabilityID, userID)
	started := time.Now()
	result := o.Execute(ctx, capabilityID, input, ec)

	env := Envelope{
		ExecutionID: result.ExecutionID,
		DurationMS:  time.Since(started).Milliseconds(),
	}
	if result.Status == StatusCompleted {
		env.Success = true
		env.Data = result.Result
		return env
	}
	env.Error = result.Error
	env.ErrorType = result.ErrorType
	return env
}
