package session

import (
	"sort"
	"sync"
)

// Registry 在线会话表，管理接口使用
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Engine
}

// NewRegistry 创建会话表
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Engine)}
}

// Add 登记会话
func (r *Registry) Add(e *Engine) {
	if e == nil {
		return
	}
	r.mu.Lock()
	r.sessions[e.ID()] = e
	r.mu.Unlock()
}

// Remove 注销会话
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get 查找会话
func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// Len 在线会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List 按开始时间排序的会话快照
func (r *Registry) List() []Info {
	r.mu.RLock()
	engines := make([]*Engine, 0, len(r.sessions))
	for _, e := range r.sessions {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// FindDevice 某设备的在线会话
func (r *Registry) FindDevice(account, device string) []Info {
	var out []Info
	for _, info := range r.List() {
		if info.Account == account && info.Device == device {
			out = append(out, info)
		}
	}
	return out
}
