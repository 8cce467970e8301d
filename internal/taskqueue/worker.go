package taskqueue

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "QuantDesk/internal/errors"
	"QuantDesk/internal/execution"
	"QuantDesk/internal/observability/alerting"
	"QuantDesk/pkg/logger"
)

// Executor 定义了 worker 所需的执行能力，由执行编排器实现。
type Executor interface {
	Execute(ctx context.Context, capabilityID string, input map[string]any, ec *execution.Context, opts ...execution.ExecOption) *execution.Result
	Evict(executionID string)
}

// Worker 从队列消费任务并交给编排器执行。并发上限由计数信号量控制，
// 先占坑再出队，保证饱和时不会把任务从队列里取出却无人处理。
type Worker struct {
	executor Executor
	store    Store
	broker   Broker
	notifier *WebhookNotifier
	alerter  alerting.Dispatcher

	queue         string
	concurrency   int
	popWait       time.Duration
	sweepInterval time.Duration
	log           *slog.Logger
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithQueue 指定消费的队列名。
func WithQueue(queue string) WorkerOption {
	return func(w *Worker) {
		if queue != "" {
			w.queue = queue
		}
	}
}

// WithConcurrency 设置并发执行上限。
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPopWait 设置单次阻塞出队的等待时长。
func WithPopWait(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.popWait = d
		}
	}
}

// WithSweepInterval 设置延迟任务清扫间隔。
func WithSweepInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.sweepInterval = d
		}
	}
}

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// WithNotifier 配置任务结果回调通知器。
func WithNotifier(notifier *WebhookNotifier) WorkerOption {
	return func(w *Worker) { w.notifier = notifier }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) { w.alerter = dispatcher }
}

// NewWorker 构造 Worker。
func NewWorker(executor Executor, store Store, broker Broker, opts ...WorkerOption) *Worker {
	w := &Worker{
		executor:      executor,
		store:         store,
		broker:        broker,
		queue:         DefaultQueue,
		concurrency:   4,
		popWait:       time.Second,
		sweepInterval: time.Second,
		log:           logger.Named("worker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动消费循环，阻塞直到 ctx 结束且在途任务全部完成。
func (w *Worker) Start(ctx context.Context) error {
	if w.executor == nil || w.store == nil || w.broker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "worker 未初始化")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sweepDelayed(ctx)
	}()

	sem := make(chan struct{}, w.concurrency)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		taskID, err := w.broker.Pop(ctx, w.queue, w.popWait)
		if err != nil {
			<-sem
			if stdErrors.Is(err, context.Canceled) || ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			w.log.Error("任务出队失败", slog.Any("error", err))
			time.Sleep(w.popWait)
			continue
		}
		if taskID == "" {
			<-sem
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, id)
		}(taskID)
	}
}

// sweepDelayed 周期性地把到期的延迟任务搬回优先级队列。
func (w *Worker) sweepDelayed(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ids, err := w.broker.DueDeferred(ctx, time.Now(), 100)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("清扫延迟任务失败", slog.Any("error", err))
			}
			continue
		}
		for _, id := range ids {
			task, err := w.store.GetTask(ctx, id)
			if err != nil {
				w.log.Warn("延迟任务记录缺失", slog.String("task_id", id))
				continue
			}
			if task.Status != execution.StatusQueued {
				continue
			}
			if err := w.broker.Push(ctx, task.Queue, task.Priority, id); err != nil {
				w.log.Error("延迟任务入队失败", slog.Any("error", err), slog.String("task_id", id))
			}
		}
	}
}

// handle 执行一个已出队的任务。出队到执行之间任务可能已被取消，
// 凡不处于排队态的任务一律跳过。
func (w *Worker) handle(ctx context.Context, taskID string) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			w.log.Debug("跳过缺失任务", slog.String("task_id", taskID))
			return
		}
		w.log.Error("读取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return
	}
	if task.Status != execution.StatusQueued {
		w.log.Debug("跳过非排队态任务",
			slog.String("task_id", taskID),
			slog.String("status", string(task.Status)),
		)
		return
	}

	data, err := w.store.GetData(ctx, taskID)
	if err != nil {
		w.failTask(ctx, task, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务输入失败"))
		return
	}

	task.Status = execution.StatusRunning
	task.StartedAt = time.Now().UnixMilli()
	if err := w.store.UpdateTask(ctx, task); err != nil {
		w.log.Error("标记任务运行态失败", slog.Any("error", err), slog.String("task_id", taskID))
		return
	}

	// 执行记录的 ID 取任务 ID，使服务层能通过共享的取消句柄集合
	// 中断运行中的任务。
	ec := &execution.Context{
		ExecutionID:  task.ID,
		CapabilityID: task.CapabilityID,
		WebhookURL:   task.WebhookURL,
		StartedAt:    task.StartedAt,
	}
	var opts []execution.ExecOption
	if data.Config.TimeoutSeconds > 0 {
		opts = append(opts, execution.WithTimeout(time.Duration(data.Config.TimeoutSeconds)*time.Second))
	}
	result := w.executor.Execute(ctx, data.CapabilityID, data.Input, ec, opts...)
	w.executor.Evict(task.ID)

	w.settle(ctx, task, data, result)
}

// settle 把终态执行结果折叠进任务记录，并按重试预算决定后续动作。
func (w *Worker) settle(ctx context.Context, task *Task, data *Data, result *execution.Result) {
	// 运行期间任务可能已被别处置为终态（典型是跨进程取消），让位。
	if fresh, err := w.store.GetTask(ctx, task.ID); err == nil && fresh.Status.Terminal() {
		w.notify(ctx, fresh, false)
		return
	}

	task.Status = result.Status
	task.Result = result.Result
	task.Error = result.Error
	task.ErrorType = result.ErrorType
	task.CompletedAt = result.CompletedAt
	if result.Status == execution.StatusCompleted {
		task.ProgressPercent = 100
	}

	retryable := w.shouldRetry(task, result)
	if retryable {
		task.RetryCount++
		task.Status = execution.StatusRetry
		delay := time.Duration(data.Config.RetryDelaySeconds) * time.Second
		task.NextRetryAt = time.Now().Add(delay).UnixMilli()
		task.CompletedAt = 0
		if err := w.store.UpdateTask(ctx, task); err != nil {
			w.log.Error("标记任务重试态失败", slog.Any("error", err), slog.String("task_id", task.ID))
			return
		}
		logger.Audit().Warn("任务执行失败，等待重试",
			slog.String("task_id", task.ID),
			slog.String("capability", task.CapabilityID),
			slog.Int("retry_count", task.RetryCount),
			slog.Int("max_retries", task.MaxRetries),
			slog.String("error", task.Error),
		)
		w.notify(ctx, task, true)
		w.scheduleRetry(ctx, task.Clone(), delay)
		return
	}

	if err := w.store.UpdateTask(ctx, task); err != nil {
		w.log.Error("写回任务终态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return
	}
	switch task.Status {
	case execution.StatusCompleted:
		logger.Audit().Info("任务执行成功",
			slog.String("task_id", task.ID),
			slog.String("capability", task.CapabilityID),
		)
	default:
		logger.Audit().Warn("任务进入失败终态",
			slog.String("task_id", task.ID),
			slog.String("capability", task.CapabilityID),
			slog.String("status", string(task.Status)),
			slog.String("error", task.Error),
			slog.Int("retry_count", task.RetryCount),
		)
		w.emitAlert(ctx, task)
	}
	w.notify(ctx, task, false)
}

// shouldRetry 判断本次失败是否消耗重试预算。取消不重试。
func (w *Worker) shouldRetry(task *Task, result *execution.Result) bool {
	if task.RetryCount >= task.MaxRetries {
		return false
	}
	switch result.Status {
	case execution.StatusFailed, execution.StatusTimeout:
	default:
		return false
	}
	if result.ErrorType == "" {
		return true
	}
	return xerrors.AttributesOf(xerrors.Code(result.ErrorType)).Retryable
}

// scheduleRetry 在延迟结束后把任务翻回排队态并重新投递。重试不经过
// 延迟集合，避免与计划任务的清扫路径相互干扰。定时器挂在进程内，
// worker 在延迟窗口内退出会把任务留在重试态。
func (w *Worker) scheduleRetry(ctx context.Context, task *Task, delay time.Duration) {
	bg := context.WithoutCancel(ctx)
	time.AfterFunc(delay, func() {
		fresh, err := w.store.GetTask(bg, task.ID)
		if err != nil {
			w.log.Warn("重试任务记录缺失", slog.String("task_id", task.ID))
			return
		}
		// 延迟期间被取消的任务不再投递。
		if fresh.Status != execution.StatusRetry {
			return
		}
		fresh.Status = execution.StatusQueued
		fresh.NextRetryAt = 0
		if err := w.store.UpdateTask(bg, fresh); err != nil {
			w.log.Error("翻转任务排队态失败", slog.Any("error", err), slog.String("task_id", task.ID))
			return
		}
		if err := w.broker.Push(bg, fresh.Queue, fresh.Priority, fresh.ID); err != nil {
			w.log.Error("重试任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		}
	})
}

// failTask 把任务直接置为失败终态，用于执行前的基础设施错误。
func (w *Worker) failTask(ctx context.Context, task *Task, cause error) {
	task.Status = execution.StatusFailed
	task.Error = cause.Error()
	task.ErrorType = string(xerrors.CodeOf(cause))
	task.CompletedAt = time.Now().UnixMilli()
	if err := w.store.UpdateTask(ctx, task); err != nil {
		w.log.Error("写回任务失败态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return
	}
	w.emitAlert(ctx, task)
	w.notify(ctx, task, false)
}

// notify 异步发送任务结果回调。
func (w *Worker) notify(ctx context.Context, task *Task, willRetry bool) {
	if w.notifier == nil || task.WebhookURL == "" {
		return
	}
	snapshot := task.Clone()
	bg := context.WithoutCancel(ctx)
	go w.notifier.Notify(bg, snapshot, willRetry)
}

// emitAlert 对进入失败终态的任务触发告警。
func (w *Worker) emitAlert(ctx context.Context, task *Task) {
	if w.alerter == nil {
		return
	}
	code := xerrors.Code(task.ErrorType)
	if code == "" {
		code = xerrors.CodeExecutionFailed
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	event := alerting.Event{
		Code:         code,
		Message:      task.Error,
		Severity:     attrs.Severity,
		TaskID:       task.ID,
		CapabilityID: task.CapabilityID,
		Attempts:     task.RetryCount,
		MaxRetries:   task.MaxRetries,
		Metadata:     map[string]string{"queue": task.Queue, "priority": string(task.Priority)},
		OccurredAt:   time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		w.log.Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
