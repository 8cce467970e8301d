package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "QuantDesk/internal/errors"
	"QuantDesk/internal/execution"
)

// MySQLStore 用 MySQL 记录任务状态，适合把任务历史并入既有的关系型
// 归档库。队列协调仍由 Broker 承担，本存储只负责记录本身。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建 MySQLStore 并初始化表结构。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const taskSchema = `CREATE TABLE IF NOT EXISTS task_records (
        id VARCHAR(64) PRIMARY KEY,
        capability_id VARCHAR(255) NOT NULL,
        status VARCHAR(32) NOT NULL,
        queue VARCHAR(128) NOT NULL DEFAULT '',
        priority VARCHAR(16) NOT NULL DEFAULT 'normal',
        result MEDIUMTEXT,
        error TEXT,
        error_type VARCHAR(64) DEFAULT '',
        progress_percent DOUBLE NOT NULL DEFAULT 0,
        progress_message VARCHAR(512) DEFAULT '',
        retry_count INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 0,
        next_retry_at BIGINT NOT NULL DEFAULT 0,
        webhook_url VARCHAR(1024) DEFAULT '',
        created_at BIGINT NOT NULL,
        started_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        INDEX idx_task_status (status),
        INDEX idx_task_capability (capability_id),
        INDEX idx_task_updated (updated_at)
)`
	const dataSchema = `CREATE TABLE IF NOT EXISTS task_payloads (
        id VARCHAR(64) PRIMARY KEY,
        payload MEDIUMTEXT NOT NULL
)`

	if _, err := s.db.Exec(taskSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 task_records 表失败")
	}
	if _, err := s.db.Exec(dataSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 task_payloads 表失败")
	}
	return nil
}

// CreateTask 插入新的任务记录。
func (s *MySQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().UnixMilli()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	resultJSON, err := marshalResult(task.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}

	const stmt = `INSERT INTO task_records
        (id, capability_id, status, queue, priority, result, error, error_type, progress_percent,
         progress_message, retry_count, max_retries, next_retry_at, webhook_url, created_at,
         started_at, completed_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID, task.CapabilityID, task.Status, task.Queue, task.Priority,
		resultJSON, task.Error, task.ErrorType, task.ProgressPercent,
		task.ProgressMessage, task.RetryCount, task.MaxRetries, task.NextRetryAt,
		task.WebhookURL, task.CreatedAt, task.StartedAt, task.CompletedAt, task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, capability_id, status, queue, priority, result, error, error_type,
        progress_percent, progress_message, retry_count, max_retries, next_retry_at, webhook_url,
        created_at, started_at, completed_at, updated_at`

// GetTask 查询指定任务。
func (s *MySQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_records WHERE id = ?`, id)
	task, err := scanTask(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// UpdateTask 覆盖写任务记录。
func (s *MySQLStore) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	task.UpdatedAt = time.Now().UnixMilli()

	resultJSON, err := marshalResult(task.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}

	const stmt = `UPDATE task_records SET capability_id = ?, status = ?, queue = ?, priority = ?,
        result = ?, error = ?, error_type = ?, progress_percent = ?, progress_message = ?,
        retry_count = ?, max_retries = ?, next_retry_at = ?, webhook_url = ?, started_at = ?,
        completed_at = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		task.CapabilityID, task.Status, task.Queue, task.Priority,
		resultJSON, task.Error, task.ErrorType, task.ProgressPercent, task.ProgressMessage,
		task.RetryCount, task.MaxRetries, task.NextRetryAt, task.WebhookURL, task.StartedAt,
		task.CompletedAt, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// UPDATE 命中同值行时也返回 0，需要区分任务确实不存在的情况。
		if _, getErr := s.GetTask(ctx, task.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// SaveData 保存任务输入与配置的 JSON 副本。
func (s *MySQLStore) SaveData(ctx context.Context, id string, data *Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务输入失败")
	}
	const stmt = `INSERT INTO task_payloads (id, payload) VALUES (?, ?)
        ON DUPLICATE KEY UPDATE payload = VALUES(payload)`
	if _, err := s.db.ExecContext(ctx, stmt, id, string(raw)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务输入失败")
	}
	return nil
}

// GetData 读取任务输入与配置。
func (s *MySQLStore) GetData(ctx context.Context, id string) (*Data, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM task_payloads WHERE id = ?`, id).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
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

// ListTasks 返回符合过滤条件的任务。
func (s *MySQLStore) ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM task_records`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// DeleteTask 删除任务记录及其输入副本。
func (s *MySQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_records WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM task_payloads WHERE id = ?`, id)
	return nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT status, COUNT(*) FROM task_records`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		for i := int64(0); i < count; i++ {
			stats.count(execution.Status(status))
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var result sql.NullString
	if err := row.Scan(
		&task.ID, &task.CapabilityID, &task.Status, &task.Queue, &task.Priority,
		&result, &task.Error, &task.ErrorType, &task.ProgressPercent, &task.ProgressMessage,
		&task.RetryCount, &task.MaxRetries, &task.NextRetryAt, &task.WebhookURL,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if result.Valid && result.String != "" {
		var value any
		if err := json.Unmarshal([]byte(result.String), &value); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		task.Result = value
	}
	return &task, nil
}

func marshalResult(value any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.CapabilityID != "" {
		conditions = append(conditions, "capability_id = ?")
		args = append(args, opts.CapabilityID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
