package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "QuantDesk/internal/errors"
)

// RabbitConfig 描述 RabbitMQ 后端的连接参数。
type RabbitConfig struct {
	URL      string
	Exchange string
	Prefetch int
	Durable  bool
}

// RabbitBroker 用 RabbitMQ 实现队列协调。优先级映射到 AMQP 消息优先级
// (x-max-priority 队列)，进度事件走 topic exchange 广播。延迟任务由
// 进程内定时器在到期时重新投递，进程重启会丢失尚未到期的延迟项，
// 需要严格持久化延迟任务的部署应选择 Redis 后端。
type RabbitBroker struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   map[string][]string
	closed  bool
}

var priorityLevels = map[Priority]uint8{
	PriorityCritical: 9,
	PriorityHigh:     6,
	PriorityNormal:   3,
	PriorityLow:      0,
}

// NewRabbitBroker 创建 RabbitBroker 并建立连接。
func NewRabbitBroker(cfg RabbitConfig) (*RabbitBroker, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "quantdesk.progress"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if err := ch.ExchangeDeclare(exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明进度 exchange 失败: %w", err)
	}
	return &RabbitBroker{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		pending:  make(map[string]*time.Timer),
		ready:    make(map[string][]string),
	}, nil
}

func (b *RabbitBroker) declareQueue(queue string) error {
	_, err := b.ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-max-priority": int32(9),
	})
	if err != nil {
		return fmt.Errorf("声明队列 %s 失败: %w", queue, err)
	}
	return nil
}

// Push 把任务 ID 按优先级投递到队列。
func (b *RabbitBroker) Push(ctx context.Context, queue string, priority Priority, taskID string) error {
	if b == nil || b.ch == nil {
		return errors.New("RabbitMQ broker 未初始化")
	}
	if err := b.declareQueue(queue); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务入队失败")
	}
	err := b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(taskID),
		Priority:    priorityLevels[priority],
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务入队失败")
	}
	return nil
}

// Pop 用 basic.get 轮询队列，在 wait 内没有可用任务时返回空。
// AMQP 没有跨优先级键的 BRPOP 等价物，优先级由 x-max-priority 队列排序。
func (b *RabbitBroker) Pop(ctx context.Context, queue string, wait time.Duration) (string, error) {
	if b == nil || b.ch == nil {
		return "", errors.New("RabbitMQ broker 未初始化")
	}
	if wait <= 0 {
		wait = time.Second
	}
	if err := b.declareQueue(queue); err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务出队失败")
	}
	deadline := time.Now().Add(wait)
	for {
		msg, ok, err := b.ch.Get(queue, true)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务出队失败")
		}
		if ok {
			return string(msg.Body), nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Defer 注册进程内定时器，到期时把任务标记为可清扫。
func (b *RabbitBroker) Defer(_ context.Context, taskID string, eta time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("RabbitMQ broker 已关闭")
	}
	if timer, ok := b.pending[taskID]; ok {
		timer.Stop()
	}
	delay := time.Until(eta)
	if delay < 0 {
		delay = 0
	}
	b.pending[taskID] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		delete(b.pending, taskID)
		b.ready["due"] = append(b.ready["due"], taskID)
	})
	return nil
}

// DueDeferred 取出已到期的延迟任务。
func (b *RabbitBroker) DueDeferred(_ context.Context, _ time.Time, limit int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	due := b.ready["due"]
	if len(due) == 0 {
		return nil, nil
	}
	take := len(due)
	if limit > 0 && int64(take) > limit {
		take = int(limit)
	}
	claimed := append([]string(nil), due[:take]...)
	b.ready["due"] = due[take:]
	return claimed, nil
}

// PublishProgress 把进度事件发布到 topic exchange。
func (b *RabbitBroker) PublishProgress(ctx context.Context, event ProgressEvent) error {
	if b == nil || b.ch == nil {
		return errors.New("RabbitMQ broker 未初始化")
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码进度事件失败")
	}
	err = b.ch.PublishWithContext(ctx, b.exchange, progressKey(event.TaskID), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        raw,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布进度事件失败")
	}
	return nil
}

// SubscribeProgress 通过独占临时队列订阅任务的进度事件。
func (b *RabbitBroker) SubscribeProgress(ctx context.Context, taskID string) (<-chan ProgressEvent, func(), error) {
	if b == nil || b.ch == nil {
		return nil, nil, errors.New("RabbitMQ broker 未初始化")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建订阅 channel 失败")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明订阅队列失败")
	}
	if err := ch.QueueBind(q.Name, progressKey(taskID), b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "绑定订阅队列失败")
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅进度通道失败")
	}

	events := make(chan ProgressEvent, 16)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event ProgressEvent
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	closer := func() { _ = ch.Close() }
	return events, closer, nil
}

// Close 关闭 RabbitMQ 连接并停止全部延迟定时器。
func (b *RabbitBroker) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	b.closed = true
	for _, timer := range b.pending {
		timer.Stop()
	}
	b.pending = map[string]*time.Timer{}
	b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Broker = (*RabbitBroker)(nil)
