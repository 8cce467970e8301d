package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryBroker 用内存结构模拟队列原语，主要用于测试与单机开发。
// 语义与 RedisBroker 对齐: 列表尾进头出，延迟集合按到期时间排序。
type MemoryBroker struct {
	mu          sync.Mutex
	queues      map[string][]string
	delayed     map[string]time.Time
	subscribers map[string][]chan ProgressEvent
	closed      bool
}

// NewMemoryBroker 创建内存 Broker。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:      make(map[string][]string),
		delayed:     make(map[string]time.Time),
		subscribers: make(map[string][]chan ProgressEvent),
	}
}

// Push 把任务 ID 追加到指定优先级列表尾部。
func (b *MemoryBroker) Push(_ context.Context, queue string, priority Priority, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker 已关闭")
	}
	key := queueKey(queue, priority)
	b.queues[key] = append(b.queues[key], taskID)
	return nil
}

// Pop 按优先级顺序轮询取出首个可用任务，等待 wait 后返回空。
func (b *MemoryBroker) Pop(ctx context.Context, queue string, wait time.Duration) (string, error) {
	if wait <= 0 {
		wait = time.Second
	}
	deadline := time.Now().Add(wait)
	for {
		if id, ok := b.tryPop(queue); ok {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) tryPop(queue string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range queueKeys(queue) {
		items := b.queues[key]
		if len(items) == 0 {
			continue
		}
		id := items[0]
		b.queues[key] = items[1:]
		return id, true
	}
	return "", false
}

// Defer 把任务放入延迟集合。
func (b *MemoryBroker) Defer(_ context.Context, taskID string, eta time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker 已关闭")
	}
	b.delayed[taskID] = eta
	return nil
}

// DueDeferred 取出并移除已到期的延迟任务。
func (b *MemoryBroker) DueDeferred(_ context.Context, now time.Time, limit int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	due := make([]string, 0)
	for id, eta := range b.delayed {
		if eta.After(now) {
			continue
		}
		due = append(due, id)
		delete(b.delayed, id)
		if limit > 0 && int64(len(due)) >= limit {
			break
		}
	}
	return due, nil
}

// PublishProgress 把进度事件广播给全部订阅者，订阅者阻塞时丢弃事件。
func (b *MemoryBroker) PublishProgress(_ context.Context, event ProgressEvent) error {
	b.mu.Lock()
	subs := append([]chan ProgressEvent(nil), b.subscribers[event.TaskID]...)
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
		}
	}
	return nil
}

// SubscribeProgress 订阅指定任务的进度事件。
func (b *MemoryBroker) SubscribeProgress(_ context.Context, taskID string) (<-chan ProgressEvent, func(), error) {
	ch := make(chan ProgressEvent, 16)
	b.mu.Lock()
	b.subscribers[taskID] = append(b.subscribers[taskID], ch)
	b.mu.Unlock()

	var once sync.Once
	closer := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.subscribers[taskID]
			for i, sub := range subs {
				if sub == ch {
					b.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[taskID]) == 0 {
				delete(b.subscribers, taskID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, closer, nil
}

// Close 关闭内存 Broker。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
