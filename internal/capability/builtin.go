package capability

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	xerrors "QuantDesk/internal/errors"
)

// RegisterBuiltins 注册内置的基础能力，供联调与冒烟验证使用。
func RegisterBuiltins(r *Registry) {
	r.MustRegister(Descriptor{
		ID:          "echo",
		Description: "原样返回输入，用于连通性验证",
		Handler: HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
			return input, nil
		}),
		Timeout: 5 * time.Second,
	})

	r.MustRegister(Descriptor{
		ID:          "sleep",
		Description: "按 seconds 参数休眠后返回，用于验证超时与取消",
		Handler: HandlerFunc(func(ctx context.Context, input map[string]any) (any, error) {
			seconds, _ := input["seconds"].(float64)
			if seconds <= 0 {
				seconds = 1
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(seconds * float64(time.Second))):
				return map[string]any{"slept_seconds": seconds}, nil
			}
		}),
		Timeout: 120 * time.Second,
	})

	r.MustRegister(Descriptor{
		ID:          "market.snapshot",
		Description: "返回指定标的的合成行情快照",
		Handler:     HandlerFunc(marketSnapshot),
		Timeout:     10 * time.Second,
		MaxRetries:  2,
		RetryDelay:  time.Second,
		Streaming:   true,
		UserIDField: "requested_by",
	})
}

// marketSnapshot 用符号哈希生成确定性的合成行情，不依赖外部数据源。
func marketSnapshot(_ context.Context, input map[string]any) (any, error) {
	symbol, _ := input["symbol"].(string)
	if symbol == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "symbol 不能为空")
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	seed := h.Sum64()

	base := 10 + float64(seed%99000)/100
	spread := math.Max(0.01, base*0.0005)
	return map[string]any{
		"symbol":    symbol,
		"bid":       math.Round((base-spread)*100) / 100,
		"ask":       math.Round((base+spread)*100) / 100,
		"last":      math.Round(base*100) / 100,
		"volume":    int64(seed % 1_000_000),
		"timestamp": time.Now().UnixMilli(),
	}, nil
}
