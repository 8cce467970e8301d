package execution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"QuantDesk/internal/capability"
	xerrors "QuantDesk/internal/errors"
	"QuantDesk/pkg/logger"
)

// Orchestrator 负责端到端执行单次能力调用，并保证返回时执行记录
// 必定处于终态。同步、异步与流式三种模式共用同一条执行路径。
type Orchestrator struct {
	registry *capability.Registry
	runs     *RunSet

	mu      sync.Mutex
	results map[string]*Result

	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithRunSet 注入外部在途执行集合，便于与任务队列共享取消句柄。
func WithRunSet(runs *RunSet) Option {
	return func(o *Orchestrator) {
		if runs != nil {
			o.runs = runs
		}
	}
}

// NewOrchestrator 构造编排器。
func NewOrchestrator(registry *capability.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		runs:     NewRunSet(),
		results:  make(map[string]*Result),
		logger:   logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Runs 返回编排器的在途执行集合。
func (o *Orchestrator) Runs() *RunSet {
	return o.runs
}

// ExecOption 定义单次执行的可选参数。
type ExecOption func(*execOptions)

type execOptions struct {
	timeout time.Duration
}

// WithTimeout 覆盖能力描述符声明的超时时间。
func WithTimeout(d time.Duration) ExecOption {
	return func(opts *execOptions) {
		if d > 0 {
			opts.timeout = d
		}
	}
}

// Execute 同步执行一次能力调用并返回终态结果。任何失败都被折叠进
// 结果记录，调用方不会收到 error。
func (o *Orchestrator) Execute(ctx context.Context, capabilityID string, input map[string]any, ec *Context, opts ...ExecOption) *Result {
	if ec == nil {
		ec = NewContext(capabilityID, "")
	}
	record := o.newRecord(capabilityID, ec, StatusRunning)
	o.run(ctx, capabilityID, input, ec, record, opts...)
	return record.Clone()
}

// ExecuteAsync 立即返回 queued 状态的执行记录，并在后台运行真正的执行。
// 调用方通过 GetStatus 轮询；queued→running 的流转在 handler 开始前
// 即对并发轮询可见。
func (o *Orchestrator) ExecuteAsync(ctx context.Context, capabilityID string, input map[string]any, ec *Context, opts ...ExecOption) *Result {
	if ec == nil {
		ec = NewContext(capabilityID, "")
	}
	record := o.newRecord(capabilityID, ec, StatusQueued)

	// 后台执行与调用方的请求生命周期解耦。
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.runs.Track(ec.ExecutionID, cancel)
	go func() {
		defer cancel()
		o.run(runCtx, capabilityID, input, ec, record, opts...)
	}()
	return record.Clone()
}

// Stream 以有限序列的形式返回执行进展。非流式能力只产出一个终态元素；
// 流式能力先产出一个 running 进度元素，再产出终态元素。通道在终态后关闭，
// 序列不可重放。
func (o *Orchestrator) Stream(ctx context.Context, capabilityID string, input map[string]any, ec *Context, opts ...ExecOption) <-chan *Result {
	if ec == nil {
		ec = NewContext(capabilityID, "")
	}
	desc, err := o.registry.Resolve(capabilityID)
	streaming := err == nil && desc.Streaming

	record := o.newRecord(capabilityID, ec, StatusQueued)
	ch := make(chan *Result, 2)
	go func() {
		defer close(ch)
		if streaming {
			o.setRunning(record, "processing")
			ch <- record.Clone()
		}
		o.run(ctx, capabilityID, input, ec, record, opts...)
		ch <- record.Clone()
	}()
	return ch
}

// GetStatus 返回指定执行的最新状态。未知 ID 返回合成的 failed 记录，
// 永远不会返回错误。
func (o *Orchestrator) GetStatus(executionID string) *Result {
	o.mu.Lock()
	record, ok := o.results[executionID]
	var snapshot *Result
	if ok {
		snapshot = record.Clone()
	}
	o.mu.Unlock()
	if snapshot != nil {
		return snapshot
	}
	now := time.Now().UnixMilli()
	return &Result{
		ExecutionID: executionID,
		Status:      StatusFailed,
		Error:       "Execution not found",
		ErrorType:   string(xerrors.CodeNotFound),
		StartedAt:   now,
		CompletedAt: now,
	}
}

// Cancel 请求协作式取消一次在途执行。执行已终态或 ID 未知时返回 false；
// 命中在途执行时立即把记录标记为 cancelled 并返回 true。
func (o *Orchestrator) Cancel(executionID string) bool {
	o.mu.Lock()
	record := o.results[executionID]
	o.mu.Unlock()
	if record == nil {
		// 没有记录也可能存在纯同步调用的在途句柄。
		return o.runs.Cancel(executionID)
	}
	if record.Status.Terminal() {
		return false
	}
	o.runs.Cancel(executionID)
	o.finish(record, StatusCancelled, nil, "execution cancelled", xerrors.CodeCancelled)
	return true
}

// Evict 从结果表移除一条执行记录。任务队列在把结果写入持久存储后
// 调用，避免长期运行的 worker 进程无限累积内存记录。
func (o *Orchestrator) Evict(executionID string) {
	o.mu.Lock()
	delete(o.results, executionID)
	o.mu.Unlock()
}

// newRecord 创建执行记录并登记到结果表。
func (o *Orchestrator) newRecord(capabilityID string, ec *Context, status Status) *Result {
	record := &Result{
		ExecutionID:  ec.ExecutionID,
		CapabilityID: capabilityID,
		Status:       status,
		StartedAt:    time.Now().UnixMilli(),
	}
	o.mu.Lock()
	o.results[ec.ExecutionID] = record
	o.mu.Unlock()
	return record
}

// run 是三种执行模式共用的执行路径。进入时记录可能为 queued 或 running，
// 返回时必定处于终态。
func (o *Orchestrator) run(ctx context.Context, capabilityID string, input map[string]any, ec *Context, record *Result, opts ...ExecOption) {
	desc, err := o.registry.Resolve(capabilityID)
	if err != nil {
		o.finish(record, StatusFailed, nil, fmt.Sprintf("Capability not found: %s", capabilityID), xerrors.CodeNotFound)
		return
	}

	handler, release, err := desc.Acquire()
	if err != nil {
		o.finish(record, StatusFailed, nil, err.Error(), xerrors.CodeOf(err))
		return
	}
	// 工厂实例的清理是强制保证，与执行结果无关。
	defer release()

	input = injectUserID(desc, input, ec.UserID)

	options := execOptions{timeout: desc.Timeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.timeout <= 0 {
		options.timeout = capability.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, options.timeout)
	o.runs.Track(ec.ExecutionID, cancel)
	defer o.runs.Forget(ec.ExecutionID)
	defer cancel()

	o.setRunning(record, "")
	started := time.Now()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, invokeErr := handler.Invoke(runCtx, input)
		done <- outcome{value: value, err: invokeErr}
	}()

	select {
	case <-runCtx.Done():
		// 超时或取消后放弃 handler 调用；其副作用由 handler 自行负责。
		if stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) {
			msg := fmt.Sprintf("capability %s timed out after %s (limit %s)", capabilityID, time.Since(started).Round(time.Millisecond), options.timeout)
			o.finish(record, StatusTimeout, nil, msg, xerrors.CodeTimeout)
			o.logger.Warn("能力执行超时",
				slog.String("execution_id", ec.ExecutionID),
				slog.String("capability_id", capabilityID),
				slog.Duration("timeout", options.timeout),
			)
		} else {
			o.finish(record, StatusCancelled, nil, "execution cancelled", xerrors.CodeCancelled)
		}
	case out := <-done:
		if out.err != nil {
			code := xerrors.CodeOf(out.err)
			if code == xerrors.CodeUnknown {
				code = xerrors.CodeExecutionFailed
			}
			o.finish(record, StatusFailed, nil, out.err.Error(), code)
			o.logger.Warn("能力执行失败",
				slog.String("execution_id", ec.ExecutionID),
				slog.String("capability_id", capabilityID),
				slog.String("error", out.err.Error()),
			)
			return
		}
		o.finish(record, StatusCompleted, out.value, "", "")
	}
}

// setRunning 把记录流转为 running。记录已进入终态时不做任何事。
func (o *Orchestrator) setRunning(record *Result, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if record.Status.Terminal() || record.Status == StatusRunning {
		return
	}
	record.Status = StatusRunning
	if message != "" {
		record.ProgressMessage = message
	}
}

// finish 把记录流转到指定终态。终态只会被设置一次，之后的调用是空操作。
func (o *Orchestrator) finish(record *Result, status Status, value any, errMsg string, code xerrors.Code) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if record.Status.Terminal() {
		return false
	}
	record.Status = status
	record.CompletedAt = time.Now().UnixMilli()
	if record.CompletedAt < record.StartedAt {
		record.CompletedAt = record.StartedAt
	}
	if status == StatusCompleted {
		record.Result = value
		record.ProgressPercent = 100
		record.Error = ""
		record.ErrorType = ""
		return true
	}
	record.Error = errMsg
	record.ErrorType = string(code)
	return true
}

// injectUserID 按描述符声明把调用方身份注入输入，不覆盖调用方已提供的值。
// 为避免污染调用方的 map，注入时做一次浅拷贝。
func injectUserID(desc capability.Descriptor, input map[string]any, userID string) map[string]any {
	if desc.UserIDField == "" || userID == "" {
		return input
	}
	if _, ok := input[desc.UserIDField]; ok {
		return input
	}
	injected := make(map[string]any, len(input)+1)
	for k, v := range input {
		injected[k] = v
	}
	injected[desc.UserIDField] = userID
	return injected
}
