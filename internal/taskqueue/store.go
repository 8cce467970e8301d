package taskqueue

import "context"

// Store 抽象了任务状态的持久化接口。所有写入遵循 last-writer-wins，
// 跨进程的重复消费由 Broker 的原子出队避免，存储层不做应用级加锁。
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	SaveData(ctx context.Context, id string, data *Data) error
	GetData(ctx context.Context, id string) (*Data, error)
	ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
