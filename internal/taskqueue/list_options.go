package taskqueue

import "QuantDesk/internal/execution"

// ListOptions 控制查询存储时的任务筛选条件。时间戳为 Unix 毫秒，
// 与任务记录字段保持一致。
type ListOptions struct {
	Limit        int
	Statuses     []execution.Status
	CapabilityID string
	UpdatedGTE   int64
	UpdatedLTE   int64
}

// applyDefaults 清洗选项并补全默认值。
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if len(opts.Statuses) > 0 {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回的任务数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStatuses 按给定状态过滤任务。
func WithStatuses(statuses ...execution.Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCapability 按能力 ID 过滤任务。
func WithCapability(id string) ListOption {
	return func(opts *ListOptions) {
		opts.CapabilityID = id
	}
}

// WithUpdatedSince 过滤出更新时间不早于给定时刻的任务。
func WithUpdatedSince(ts int64) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedGTE = ts
	}
}

// WithUpdatedUntil 过滤出更新时间不晚于给定时刻的任务。
func WithUpdatedUntil(ts int64) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedLTE = ts
	}
}

// buildListOptions 在默认值之上应用选项函数。
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []execution.Status) []execution.Status {
	seen := make(map[execution.Status]struct{}, len(input))
	result := make([]execution.Status, 0, len(input))
	for _, status := range input {
		if !execution.IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.CapabilityID != "" && task.CapabilityID != opts.CapabilityID {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}
