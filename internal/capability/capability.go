package capability

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	xerrors "QuantDesk/internal/errors"
)

// Handler 定义了能力的统一调用契约。输入是一份已解码的参数表，
// 输出是任意可 JSON 序列化的结果。实现方必须响应 ctx 的取消与超时。
type Handler interface {
	Invoke(ctx context.Context, input map[string]any) (any, error)
}

// HandlerFunc 允许用函数直接充当 Handler。
type HandlerFunc func(ctx context.Context, input map[string]any) (any, error)

// Invoke 实现 Handler 接口。
func (f HandlerFunc) Invoke(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// Factory 为每次调用构造一个新的 Handler 实例。实例若实现 io.Closer，
// 执行结束后会被编排器关闭，用于释放连接等资源。
type Factory func() (Handler, error)

// Descriptor 描述一个已注册的能力及其执行策略。
type Descriptor struct {
	// ID 是能力的唯一标识，例如 "screener.momentum" 或 "echo"。
	ID string
	// Description 供 API 列表展示。
	Description string
	// Handler 是常驻实例；与 Factory 二选一，Handler 优先。
	Handler Handler
	// Factory 按调用构造实例。
	Factory Factory
	// Timeout 是执行的默认超时，任务配置可覆盖。
	Timeout time.Duration
	// MaxRetries 与 RetryDelay 是队列执行时的重试默认值。
	MaxRetries int
	RetryDelay time.Duration
	// Streaming 表示该能力会产出中间进度。
	Streaming bool
	// UserIDField 非空时，编排器会把调用方的 user_id 注入到输入的
	// 该字段下（调用方已提供时不覆盖）。
	UserIDField string
}

// ErrNotFound 表示能力未注册。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "capability not found")

// DefaultTimeout 是描述符未声明超时时采用的兜底值。
const DefaultTimeout = 60 * time.Second

// Registry 是能力 ID 到描述符的静态映射。注册发生在进程启动阶段，
// 之后只读，因此查询路径只需要读锁。
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Descriptor
}

// NewRegistry 创建空的能力注册表。
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Descriptor)}
}

// Register 注册一个能力描述符。重复注册同一 ID 会返回错误。
func (r *Registry) Register(desc Descriptor) error {
	if desc.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力 ID 不能为空")
	}
	if desc.Handler == nil && desc.Factory == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 未提供 Handler 或 Factory", desc.ID))
	}
	if desc.Timeout <= 0 {
		desc.Timeout = DefaultTimeout
	}
	if desc.MaxRetries < 0 {
		desc.MaxRetries = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capabilities[desc.ID]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 已注册", desc.ID))
	}
	r.capabilities[desc.ID] = desc
	return nil
}

// MustRegister 与 Register 相同，失败时 panic，用于启动阶段的静态注册。
func (r *Registry) MustRegister(desc Descriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Resolve 返回指定能力的描述符。未注册时返回 ErrNotFound。
func (r *Registry) Resolve(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.capabilities[id]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return desc, nil
}

// IDs 返回全部已注册能力的 ID，按字典序排序。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.capabilities))
	for id := range r.capabilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Acquire 解析描述符对应的 Handler 实例。返回的 release 在执行结束后
// 必须被调用；对工厂实例它会执行 Close，对常驻实例它是空操作。
func (desc Descriptor) Acquire() (Handler, func(), error) {
	if desc.Handler != nil {
		return desc.Handler, func() {}, nil
	}
	if desc.Factory == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("能力 %s 缺少 Handler", desc.ID))
	}
	handler, err := desc.Factory()
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("构造能力 %s 的 Handler 失败", desc.ID))
	}
	release := func() {
		if closer, ok := handler.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	return handler, release, nil
}
