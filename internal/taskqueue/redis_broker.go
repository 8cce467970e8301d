package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "QuantDesk/internal/errors"
)

// RedisBroker 用 Redis 原语实现队列协调:
//   - LPUSH/BRPOP 实现按优先级排列的阻塞多队列出队，BRPOP 的原子性
//     是唯一的跨进程互斥手段;
//   - ZSET 实现按计划时间排序的延迟集合;
//   - Pub/Sub 实现进度广播。
type RedisBroker struct {
	client *redis.Client
	wait   time.Duration
}

// NewRedisBroker 创建 RedisBroker 并校验连通性。
func NewRedisBroker(cfg RedisConfig) (*RedisBroker, error) {
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
	return &RedisBroker{client: client}, nil
}

// Push 把任务 ID 投递到 {queue}:{priority} 列表。
func (b *RedisBroker) Push(ctx context.Context, queue string, priority Priority, taskID string) error {
	if err := b.client.LPush(ctx, queueKey(queue, priority), taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务入队失败")
	}
	return nil
}

// Pop 通过 BRPOP 在全部优先级键上阻塞等待。BRPOP 对多个键按给定顺序
// 检查，总是先返回最高优先级非空队列里的元素。
func (b *RedisBroker) Pop(ctx context.Context, queue string, wait time.Duration) (string, error) {
	if wait <= 0 {
		wait = time.Second
	}
	values, err := b.client.BRPop(ctx, wait, queueKeys(queue)...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务出队失败")
	}
	if len(values) != 2 {
		return "", nil
	}
	return values[1], nil
}

// Defer 把任务放入延迟 ZSET，score 为计划执行时刻的 Unix 毫秒。
func (b *RedisBroker) Defer(ctx context.Context, taskID string, eta time.Time) error {
	member := redis.Z{Score: float64(eta.UnixMilli()), Member: taskID}
	if err := b.client.ZAdd(ctx, delayedKey, member).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "写入延迟集合失败")
	}
	return nil
}

// DueDeferred 取出已到期的延迟任务。ZREM 的返回值用于在多个 worker
// 并发清扫时认领任务，只有成功移除成员的进程获得该任务。
func (b *RedisBroker) DueDeferred(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取延迟集合失败")
	}
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return claimed, xerrors.Wrap(xerrors.CodeQueueFailure, err, "移除延迟任务失败")
		}
		if removed > 0 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

// PublishProgress 在任务的广播通道上发布进度事件。
func (b *RedisBroker) PublishProgress(ctx context.Context, event ProgressEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码进度事件失败")
	}
	if err := b.client.Publish(ctx, progressKey(event.TaskID), raw).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布进度事件失败")
	}
	return nil
}

// SubscribeProgress 订阅任务的进度事件。
func (b *RedisBroker) SubscribeProgress(ctx context.Context, taskID string) (<-chan ProgressEvent, func(), error) {
	sub := b.client.Subscribe(ctx, progressKey(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅进度通道失败")
	}

	events := make(chan ProgressEvent, 16)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var event ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	closer := func() { _ = sub.Close() }
	return events, closer, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBroker) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Broker = (*RedisBroker)(nil)
