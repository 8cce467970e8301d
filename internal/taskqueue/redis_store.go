package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "QuantDesk/internal/errors"
	"QuantDesk/internal/execution"
)

// RedisConfig 描述 Redis 后端的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// terminalTTL 是终态任务记录与其输入副本的保留时长。
const terminalTTL = 24 * time.Hour

const (
	taskKeyPrefix = "task:"
	dataKeyPrefix = "task:data:"
)

func taskKey(id string) string { return taskKeyPrefix + id }
func dataKey(id string) string { return dataKeyPrefix + id }

// RedisStore 用 Redis hash 保存任务状态，是跨进程部署的首选存储。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 RedisStore 并校验连通性。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// CreateTask 写入新任务记录。
func (s *RedisStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().UnixMilli()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return s.write(ctx, task)
}

// GetTask 读取任务记录。
func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务失败")
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return taskFromFields(id, fields)
}

// UpdateTask 覆盖写任务记录；进入终态时为记录及其输入副本设置过期时间。
func (s *RedisStore) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	task.UpdatedAt = time.Now().UnixMilli()
	if err := s.write(ctx, task); err != nil {
		return err
	}
	if task.Status.Terminal() {
		_ = s.client.Expire(ctx, taskKey(task.ID), terminalTTL).Err()
		_ = s.client.Expire(ctx, dataKey(task.ID), terminalTTL).Err()
	}
	return nil
}

func (s *RedisStore) write(ctx context.Context, task *Task) error {
	fields, err := taskToFields(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务失败")
	}
	if err := s.client.HSet(ctx, taskKey(task.ID), fields).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	return nil
}

// SaveData 保存任务输入与配置的 JSON 副本。
func (s *RedisStore) SaveData(ctx context.Context, id string, data *Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务输入失败")
	}
	if err := s.client.Set(ctx, dataKey(id), raw, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务输入失败")
	}
	return nil
}

// GetData 读取任务输入与配置。
func (s *RedisStore) GetData(ctx context.Context, id string) (*Data, error) {
	raw, err := s.client.Get(ctx, dataKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务输入失败")
	}
	var data Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务输入失败")
	}
	return &data, nil
}

// ListTasks 扫描任务键并在内存中过滤。面向运维查询，不追求大数据量性能。
func (s *RedisStore) ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	tasks, err := s.scanTasks(ctx, func(task *Task) bool {
		return matchesListFilters(task, opts)
	})
	if err != nil {
		return nil, err
	}
	sortTasksByUpdated(tasks)
	if len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// DeleteTask 删除任务记录及其输入副本。
func (s *RedisStore) DeleteTask(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, taskKey(id), dataKey(id)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	if removed == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Stats 统计符合过滤条件的任务数量。
func (s *RedisStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	stats := Stats{}
	_, err := s.scanTasks(ctx, func(task *Task) bool {
		if matchesListFilters(task, opts) {
			stats.count(task.Status)
		}
		return false
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *RedisStore) scanTasks(ctx context.Context, keep func(*Task) bool) ([]*Task, error) {
	var (
		cursor uint64
		tasks  []*Task
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, taskKeyPrefix+"*", 256).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描任务键失败")
		}
		for _, key := range keys {
			if strings.HasPrefix(key, dataKeyPrefix) {
				continue
			}
			fields, err := s.client.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			task, err := taskFromFields(strings.TrimPrefix(key, taskKeyPrefix), fields)
			if err != nil {
				continue
			}
			if keep(task) {
				tasks = append(tasks, task)
			}
		}
		cursor = next
		if cursor == 0 {
			return tasks, nil
		}
	}
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func sortTasksByUpdated(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].UpdatedAt == tasks[j].UpdatedAt {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].UpdatedAt > tasks[j].UpdatedAt
	})
}

func taskToFields(task *Task) (map[string]any, error) {
	resultJSON := ""
	if task.Result != nil {
		raw, err := json.Marshal(task.Result)
		if err != nil {
			return nil, err
		}
		resultJSON = string(raw)
	}
	return map[string]any{
		"capability_id":    task.CapabilityID,
		"status":           string(task.Status),
		"queue":            task.Queue,
		"priority":         string(task.Priority),
		"result":           resultJSON,
		"error":            task.Error,
		"error_type":       task.ErrorType,
		"progress_percent": strconv.FormatFloat(task.ProgressPercent, 'f', -1, 64),
		"progress_message": task.ProgressMessage,
		"retry_count":      strconv.Itoa(task.RetryCount),
		"max_retries":      strconv.Itoa(task.MaxRetries),
		"next_retry_at":    strconv.FormatInt(task.NextRetryAt, 10),
		"webhook_url":      task.WebhookURL,
		"created_at":       strconv.FormatInt(task.CreatedAt, 10),
		"started_at":       strconv.FormatInt(task.StartedAt, 10),
		"completed_at":     strconv.FormatInt(task.CompletedAt, 10),
		"updated_at":       strconv.FormatInt(task.UpdatedAt, 10),
	}, nil
}

func taskFromFields(id string, fields map[string]string) (*Task, error) {
	task := &Task{
		ID:              id,
		CapabilityID:    fields["capability_id"],
		Status:          execution.Status(fields["status"]),
		Queue:           fields["queue"],
		Priority:        Priority(fields["priority"]),
		Error:           fields["error"],
		ErrorType:       fields["error_type"],
		ProgressMessage: fields["progress_message"],
		WebhookURL:      fields["webhook_url"],
	}
	if raw := fields["result"]; raw != "" {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		task.Result = value
	}
	task.ProgressPercent, _ = strconv.ParseFloat(fields["progress_percent"], 64)
	task.RetryCount, _ = strconv.Atoi(fields["retry_count"])
	task.MaxRetries, _ = strconv.Atoi(fields["max_retries"])
	task.NextRetryAt, _ = strconv.ParseInt(fields["next_retry_at"], 10, 64)
	task.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	task.StartedAt, _ = strconv.ParseInt(fields["started_at"], 10, 64)
	task.CompletedAt, _ = strconv.ParseInt(fields["completed_at"], 10, 64)
	task.UpdatedAt, _ = strconv.ParseInt(fields["updated_at"], 10, 64)
	return task, nil
}

var _ Store = (*RedisStore)(nil)
