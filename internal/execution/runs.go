package execution

import (
	"context"
	"sync"
)

// RunSet 管理在途执行的取消句柄。它由编排器或任务队列实例持有，
// 通过依赖注入传递给需要取消或巡检在途工作的组件，不存在进程级单例。
type RunSet struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRunSet 创建空的在途执行集合。
func NewRunSet() *RunSet {
	return &RunSet{cancels: make(map[string]context.CancelFunc)}
}

// Track 登记一个可取消的在途执行。
func (s *RunSet) Track(id string, cancel context.CancelFunc) {
	if id == "" || cancel == nil {
		return
	}
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

// Cancel 取消指定执行并将其移出集合。返回是否存在对应的在途执行。
func (s *RunSet) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	if ok {
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Forget 移除执行记录，不触发取消。执行正常结束时调用。
func (s *RunSet) Forget(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

// Len 返回当前在途执行数量。
func (s *RunSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}
