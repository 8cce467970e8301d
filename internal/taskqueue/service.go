package taskqueue

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"QuantDesk/internal/capability"
	xerrors "QuantDesk/internal/errors"
	"QuantDesk/internal/execution"
	"QuantDesk/pkg/logger"
)

// Service 负责任务的创建、查询与取消。执行由 Worker 驱动。
type Service struct {
	registry *capability.Registry
	store    Store
	broker   Broker
	runs     *execution.RunSet
	defaults Defaults
	log      *slog.Logger
}

// ServiceOption 配置 Service 的可选参数。
type ServiceOption func(*Service)

// WithDefaults 设置服务级重试默认值。
func WithDefaults(defaults Defaults) ServiceOption {
	return func(s *Service) { s.defaults = defaults }
}

// WithServiceRunSet 注入共享的取消句柄集合，使 Cancel 能中断在途执行。
func WithServiceRunSet(runs *execution.RunSet) ServiceOption {
	return func(s *Service) {
		if runs != nil {
			s.runs = runs
		}
	}
}

// WithServiceLogger 覆盖默认 logger。
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService 构造任务服务。
func NewService(registry *capability.Registry, store Store, broker Broker, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		store:    store,
		broker:   broker,
		runs:     execution.NewRunSet(),
		log:      logger.Named("taskqueue"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue 创建一个新任务并投递到队列。能力必须已注册；带延迟配置的
// 任务进入延迟集合，到期后才对消费者可见。
func (s *Service) Enqueue(ctx context.Context, capabilityID string, input map[string]any, cfg Config) (*Task, error) {
	if s.store == nil || s.broker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if strings.TrimSpace(capabilityID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "能力 ID 不能为空")
	}
	desc, err := s.registry.Resolve(capabilityID)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(desc, s.defaults)

	now := time.Now()
	task := &Task{
		ID:           uuid.NewString(),
		CapabilityID: capabilityID,
		Status:       execution.StatusQueued,
		Queue:        cfg.Queue,
		Priority:     cfg.Priority,
		MaxRetries:   cfg.MaxRetries,
		WebhookURL:   cfg.WebhookURL,
		CreatedAt:    now.UnixMilli(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	data := &Data{CapabilityID: capabilityID, Input: input, Config: cfg}
	if err := s.store.SaveData(ctx, task.ID, data); err != nil {
		return nil, err
	}

	if eta := cfg.etaTime(now); !eta.IsZero() && eta.After(now) {
		if err := s.broker.Defer(ctx, task.ID, eta); err != nil {
			return nil, s.failEnqueue(ctx, task, err)
		}
		s.log.Info("任务已延迟入队",
			slog.String("task_id", task.ID),
			slog.String("capability", capabilityID),
			slog.Time("eta", eta),
		)
		return task.Clone(), nil
	}

	if err := s.broker.Push(ctx, cfg.Queue, cfg.Priority, task.ID); err != nil {
		return nil, s.failEnqueue(ctx, task, err)
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", task.ID),
		slog.String("capability", capabilityID),
		slog.String("queue", cfg.Queue),
		slog.String("priority", string(cfg.Priority)),
		slog.Int("max_retries", cfg.MaxRetries),
	)
	return task.Clone(), nil
}

// failEnqueue 在投递失败时把任务标记为失败，保证记录与队列一致。
func (s *Service) failEnqueue(ctx context.Context, task *Task, cause error) error {
	wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, cause, "发布任务到队列失败")
	now := time.Now().UnixMilli()
	task.Status = execution.StatusFailed
	task.Error = wrapped.Error()
	task.ErrorType = string(xerrors.CodeQueueFailure)
	task.CompletedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.log.Error("标记入队失败任务时出错", slog.Any("error", err), slog.String("task_id", task.ID))
	}
	return wrapped
}

// GetTask 返回指定任务，未找到时返回 ErrTaskNotFound。
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

// GetStatus 返回任务的状态快照。未知任务不报错，而是合成一条
// FAILED 记录，让查询方拿到统一形状的结果。
func (s *Service) GetStatus(ctx context.Context, id string) *Task {
	task, err := s.store.GetTask(ctx, id)
	if err == nil {
		return task
	}
	now := time.Now().UnixMilli()
	return &Task{
		ID:          id,
		Status:      execution.StatusFailed,
		Error:       "Task not found",
		ErrorType:   string(xerrors.CodeNotFound),
		CreatedAt:   now,
		CompletedAt: now,
		UpdatedAt:   now,
	}
}

// Cancel 取消一个任务。排队或等待重试的任务直接置为取消态；
// 运行中的任务通过取消句柄中断，最终状态由 worker 写回。
// 已进入终态或不存在的任务返回 false。
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	if task.Status.Terminal() {
		return false, nil
	}

	if task.Status == execution.StatusRunning {
		if s.runs.Cancel(id) {
			s.log.Info("已中断运行中的任务", slog.String("task_id", id))
			return true, nil
		}
		// 没有本进程的取消句柄，说明任务在别的 worker 上运行。
		// 标记取消意图，由持有句柄的进程在写回时让位。
	}

	task.Status = execution.StatusCancelled
	task.Error = "Task cancelled"
	task.ErrorType = string(xerrors.CodeCancelled)
	task.CompletedAt = time.Now().UnixMilli()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return false, err
	}
	logger.Audit().Info("任务已取消", slog.String("task_id", id))
	return true, nil
}

// UpdateProgress 更新任务进度并广播事件。百分比被收敛到 [0, 100]。
func (s *Service) UpdateProgress(ctx context.Context, id string, percent float64, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	task.ProgressPercent = percent
	task.ProgressMessage = message
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	if err := s.broker.PublishProgress(ctx, ProgressEvent{TaskID: id, Percent: percent, Message: message}); err != nil {
		s.log.Warn("发布进度事件失败", slog.Any("error", err), slog.String("task_id", id))
	}
	return nil
}

// SubscribeProgress 订阅任务的进度事件流。
func (s *Service) SubscribeProgress(ctx context.Context, id string) (<-chan ProgressEvent, func(), error) {
	return s.broker.SubscribeProgress(ctx, id)
}

// ListTasks 返回符合过滤条件的任务列表。
func (s *Service) ListTasks(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	return s.store.ListTasks(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Cleanup 删除更新时间早于 maxAge 的终态任务，返回删除数量。
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = terminalTTL
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	tasks, err := s.store.ListTasks(ctx, buildListOptions([]ListOption{
		WithStatuses(
			execution.StatusCompleted,
			execution.StatusFailed,
			execution.StatusTimeout,
			execution.StatusCancelled,
		),
		WithUpdatedUntil(cutoff),
		WithLimit(500),
	}))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, task := range tasks {
		if err := s.store.DeleteTask(ctx, task.ID); err != nil {
			if stdErrors.Is(err, ErrTaskNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("清理过期任务", slog.Int("removed", removed))
	}
	return removed, nil
}

// WaitUntilDone 在指定间隔内轮询任务，直到其进入终态或 ctx 结束。
func (s *Service) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Runs 返回服务持有的取消句柄集合，供 Worker 共享。
func (s *Service) Runs() *execution.RunSet {
	return s.runs
}

// Close 释放存储与队列资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.broker != nil {
		return s.broker.Close()
	}
	return nil
}
