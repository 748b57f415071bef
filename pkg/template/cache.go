package template

import (
	"sort"
	"sync"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
)

// Lookup 按包类型查找模板
type Lookup interface {
	Template(t dmtp_protocol.PacketType) *Template
}

// Cache 自定义模板缓存，同一设备的多个连接共享
// 模板在放入前已构造完成且不可变，读者不会看到半成品。
type Cache struct {
	mu        sync.RWMutex
	templates map[dmtp_protocol.PacketType]*Template
	onPut     func(*Template)
	onMiss    func(dmtp_protocol.PacketType) *Template
}

// NewCache 创建缓存
func NewCache() *Cache {
	return &Cache{templates: make(map[dmtp_protocol.PacketType]*Template)}
}

// OnPut 设置写入回调（用于持久化），回调在锁外执行
func (c *Cache) OnPut(fn func(*Template)) {
	c.mu.Lock()
	c.onPut = fn
	c.mu.Unlock()
}

// OnMiss 设置未命中时的回源函数，回源得到的模板载入缓存且不触发 OnPut
func (c *Cache) OnMiss(fn func(dmtp_protocol.PacketType) *Template) {
	c.mu.Lock()
	c.onMiss = fn
	c.mu.Unlock()
}

// Template 实现 Lookup
func (c *Cache) Template(t dmtp_protocol.PacketType) *Template {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	tmpl, fn := c.templates[t], c.onMiss
	c.mu.RUnlock()
	if tmpl != nil || fn == nil {
		return tmpl
	}

	if tmpl = fn(t); tmpl != nil && tmpl.packetType == t {
		c.Load(tmpl)
		return tmpl
	}
	return nil
}

// Put 写入或替换模板
func (c *Cache) Put(tmpl *Template) bool {
	if c == nil || tmpl == nil {
		return false
	}
	c.mu.Lock()
	c.templates[tmpl.packetType] = tmpl
	fn := c.onPut
	c.mu.Unlock()

	if fn != nil {
		fn(tmpl)
	}
	return true
}

// Load 批量载入（不触发回调）
func (c *Cache) Load(templates ...*Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range templates {
		if t != nil {
			c.templates[t.packetType] = t
		}
	}
}

// Remove 删除模板
func (c *Cache) Remove(t dmtp_protocol.PacketType) {
	c.mu.Lock()
	delete(c.templates, t)
	c.mu.Unlock()
}

// Len 模板数量
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

// Snapshot 按类型排序的模板列表
func (c *Cache) Snapshot() []*Template {
	c.mu.RLock()
	out := make([]*Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].packetType < out[j].packetType })
	return out
}

// ClientLookup 客户端模板查找顺序: 内置表 -> 设备自定义缓存
type ClientLookup struct {
	Custom Lookup
}

// Template 实现 Lookup
func (l ClientLookup) Template(t dmtp_protocol.PacketType) *Template {
	if tmpl := ClientTemplate(t); tmpl != nil {
		return tmpl
	}
	if l.Custom != nil {
		return l.Custom.Template(t)
	}
	return nil
}

// ServerLookup 服务器模板查找
type ServerLookup struct{}

// Template 实现 Lookup
func (ServerLookup) Template(t dmtp_protocol.PacketType) *Template {
	return ServerTemplate(t)
}
