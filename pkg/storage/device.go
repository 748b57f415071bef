package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/admission"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Account 账号
type Account struct {
	mu     sync.RWMutex
	name   string
	active bool
}

// Name 账号名
func (a *Account) Name() string { return a.name }

// IsActive 是否启用
func (a *Account) IsActive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// SetActive 启用/停用
func (a *Account) SetActive(active bool) {
	a.mu.Lock()
	a.active = active
	a.mu.Unlock()
}

// pendingEntry 待发包
type pendingEntry struct {
	ID       string
	Packet   *protocol.Packet
	QueuedAt time.Time
}

// storedEvent 保留的事件及其接收时间
type storedEvent struct {
	key        string
	receivedAt time.Time
	ev         *event.GeoEvent
}

// Device 内存中的设备记录
// 所有方法并发安全；准入掩码的读-算-写在设备锁内完成。
type Device struct {
	mu    sync.RWMutex
	store *MemoryStore

	account     string
	name        string
	description string
	uniqueID    []byte
	active      bool
	ipFilter    IPFilter
	encodings   int
	limits      admission.Limits
	state       admission.State

	templates *template.Cache
	events    []storedEvent
	seen      map[string]struct{}
	receipts  []time.Time // 限流窗口内的事件接收时间，与保留的事件数无关
	pending   []pendingEntry
	sessions  []session.Stats

	properties  map[uint16][]byte
	diagnostics map[uint16][]byte
	errors      map[uint16][]byte

	status        string
	lastSeen      time.Time
	statusHistory []*StatusChangeEvent
	dirty         bool
}

// newDevice 由登记信息创建设备
func newDevice(store *MemoryStore, spec DeviceSpec) (*Device, error) {
	uid, err := ParseUniqueID(spec.UniqueID)
	if err != nil {
		return nil, err
	}
	filter, err := NewIPFilter(spec.AllowedIPs)
	if err != nil {
		return nil, err
	}
	mask, err := EncodingMask(spec.Encodings)
	if err != nil {
		return nil, err
	}
	desc := spec.Description
	if desc == "" {
		desc = spec.Device
	}
	d := &Device{
		store:       store,
		account:     spec.Account,
		name:        spec.Device,
		description: desc,
		uniqueID:    uid,
		active:      spec.Active,
		ipFilter:    filter,
		encodings:   mask,
		limits:      spec.Limits,
		templates:   template.NewCache(),
		seen:        make(map[string]struct{}),
		properties:  make(map[uint16][]byte),
		diagnostics: make(map[uint16][]byte),
		errors:      make(map[uint16][]byte),
		status:      StatusOffline,
	}
	return d, nil
}

func (d *Device) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"account": d.account, "device": d.name})
}

// AccountName 账号名
func (d *Device) AccountName() string { return d.account }

// DeviceName 设备名
func (d *Device) DeviceName() string { return d.name }

// Description 描述
func (d *Device) Description() string { return d.description }

// UniqueID 唯一ID
func (d *Device) UniqueID() []byte { return d.uniqueID }

// IsActive 是否启用
func (d *Device) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// SetActive 启用/停用
func (d *Device) SetActive(active bool) {
	d.mu.Lock()
	d.active = active
	d.mu.Unlock()
}

// IsValidIPAddress 来源地址检查
func (d *Device) IsValidIPAddress(ip string) bool {
	return d.ipFilter.Allows(ip)
}

// SupportsEncoding 是否支持编码
func (d *Device) SupportsEncoding(enc dmtp_protocol.Encoding) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodings&enc.SupportedMask() != 0
}

// RemoveEncoding 移除编码
func (d *Device) RemoveEncoding(enc dmtp_protocol.Encoding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.encodings&enc.SupportedMask() != 0 {
		d.encodings &^= enc.SupportedMask()
		d.dirty = true
	}
}

// Limits 连接限制
func (d *Device) Limits() admission.Limits {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limits
}

// SetLimits 修改连接限制
func (d *Device) SetLimits(l admission.Limits) {
	d.mu.Lock()
	d.limits = l
	d.mu.Unlock()
}

// MarkAndValidateConnection 准入检查并记录
func (d *Device) MarkAndValidateConnection(_ context.Context, now time.Time, duplex bool) bool {
	var change *StatusChangeEvent
	d.mu.Lock()
	next, ok := admission.Validate(d.limits, d.state, now, duplex)
	if ok {
		d.state = next
		d.dirty = true
		change = d.setStatusLocked(StatusOnline, EventTypeSessionStart, "", now)
	} else {
		change = d.setStatusLocked(StatusRejected, EventTypeRejected, "excessive connections", now)
	}
	d.mu.Unlock()
	d.store.notifyStatusChange(change)
	return ok
}

// InsertEvent 保存事件
func (d *Device) InsertEvent(_ context.Context, ev *event.GeoEvent) dmtp_protocol.ServerErrorCode {
	now := d.store.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.limits.MaxAllowedEvents > 0 {
		from := now.Add(-time.Duration(d.limits.IntervalMinutes) * time.Minute)
		d.trimReceiptsLocked(from)
		if len(d.receipts) >= d.limits.MaxAllowedEvents {
			d.log().Error("Excessive events")
			return dmtp_protocol.NakExcessiveEvents
		}
	}

	key := EventKey(ev)
	if _, dup := d.seen[key]; dup && key != "" {
		return dmtp_protocol.NakDuplicateEvent
	}
	if d.store.archive != nil {
		if err := d.store.archive.Append(ev); err != nil {
			d.log().WithError(err).Error("事件归档失败")
			return dmtp_protocol.NakEventError
		}
	}

	d.events = append(d.events, storedEvent{key: key, receivedAt: now, ev: ev})
	if d.limits.MaxAllowedEvents > 0 {
		d.receipts = append(d.receipts, now)
	}
	if key != "" {
		d.seen[key] = struct{}{}
	}
	if over := len(d.events) - d.store.retainEvents; over > 0 {
		for _, old := range d.events[:over] {
			delete(d.seen, old.key)
		}
		d.events = append([]storedEvent(nil), d.events[over:]...)
	}
	d.lastSeen = now
	return dmtp_protocol.NakOK
}

// EventKey 重复事件判定: 时间戳、状态码、序列号相同；没有序列号的事件不判重
func EventKey(ev *event.GeoEvent) string {
	if ev.Sequence() < 0 {
		return ""
	}
	return fmt.Sprintf("%d/%04X/%d", ev.Timestamp(), ev.StatusCode(), ev.Sequence())
}

// trimReceiptsLocked 丢弃窗口开始之前的接收时间
func (d *Device) trimReceiptsLocked(from time.Time) {
	i := 0
	for i < len(d.receipts) && d.receipts[i].Before(from) {
		i++
	}
	if i > 0 {
		d.receipts = append([]time.Time(nil), d.receipts[i:]...)
	}
}

// Templates 自定义模板缓存
func (d *Device) Templates() *template.Cache { return d.templates }

// QueuePacket 加入待发包，返回ID
func (d *Device) QueuePacket(p *protocol.Packet) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.pending = append(d.pending, pendingEntry{ID: id, Packet: p, QueuedAt: d.store.now()})
	d.mu.Unlock()
	return id
}

// PendingPackets 当前待发包；没有时返回nil
func (d *Device) PendingPackets(_ context.Context) (*protocol.PacketList, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.pending) == 0 {
		return nil, nil
	}
	list := protocol.NewPacketList()
	for _, e := range d.pending {
		list.Add(e.ID, e.Packet)
	}
	return list, nil
}

// ClearPendingPackets 删除已下发的待发包
func (d *Device) ClearPendingPackets(_ context.Context, sent *protocol.PacketList) error {
	if sent.IsEmpty() {
		return nil
	}
	ids := make(map[string]struct{}, sent.Len())
	for _, id := range sent.IDs() {
		ids[id] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.pending[:0]
	for _, e := range d.pending {
		if _, ok := ids[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	d.pending = kept
	return nil
}

// SessionStatistics 记录会话统计，设备转为离线
func (d *Device) SessionStatistics(_ context.Context, stats session.Stats) error {
	d.mu.Lock()
	d.sessions = append(d.sessions, stats)
	if over := len(d.sessions) - DefaultRetainedSessions; over > 0 {
		d.sessions = append([]session.Stats(nil), d.sessions[over:]...)
	}
	change := d.setStatusLocked(StatusOffline, EventTypeSessionEnd, stats.Error, stats.EndTime)
	d.mu.Unlock()
	d.store.notifyStatusChange(change)
	return nil
}

// SaveChanges 内存存储无需落盘
func (d *Device) SaveChanges(_ context.Context) error {
	d.mu.Lock()
	d.dirty = false
	d.mu.Unlock()
	return nil
}

// HandleError 记录设备上报的错误
func (d *Device) HandleError(_ context.Context, code uint16, data []byte) {
	d.mu.Lock()
	d.errors[code] = data
	d.mu.Unlock()
	d.log().WithFields(logrus.Fields{
		"code": fmt.Sprintf("0x%04X", code),
		"desc": dmtp_protocol.ClientErrorCode(code).Description(),
	}).Info("设备错误")
}

// HandleDiagnostic 记录诊断信息
func (d *Device) HandleDiagnostic(_ context.Context, code uint16, data []byte) {
	d.mu.Lock()
	d.diagnostics[code] = data
	d.mu.Unlock()
}

// HandleProperty 记录属性值
func (d *Device) HandleProperty(_ context.Context, code uint16, data []byte) {
	d.mu.Lock()
	d.properties[code] = data
	d.mu.Unlock()
}

// Property 最近一次上报的属性值
func (d *Device) Property(code uint16) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.properties[code]
	return v, ok
}

// RecentEvents 最近的事件，limit<=0 返回全部
func (d *Device) RecentEvents(limit int) []*event.GeoEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	from := 0
	if limit > 0 && len(d.events) > limit {
		from = len(d.events) - limit
	}
	out := make([]*event.GeoEvent, 0, len(d.events)-from)
	for _, e := range d.events[from:] {
		out = append(out, e.ev)
	}
	return out
}

// Status 当前状态
func (d *Device) Status() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// StatusHistory 状态变更历史副本
func (d *Device) StatusHistory() []*StatusChangeEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	history := make([]*StatusChangeEvent, len(d.statusHistory))
	copy(history, d.statusHistory)
	return history
}

// setStatusLocked 状态变化时返回变更事件，由调用方在锁外通知
func (d *Device) setStatusLocked(status, eventType, reason string, at time.Time) *StatusChangeEvent {
	d.lastSeen = at
	if d.status == status {
		return nil
	}
	ev := &StatusChangeEvent{
		Account:   d.account,
		Device:    d.name,
		OldStatus: d.status,
		NewStatus: status,
		EventType: eventType,
		Timestamp: at,
		Reason:    reason,
	}
	d.status = status
	d.statusHistory = append(d.statusHistory, ev)
	if len(d.statusHistory) > statusHistoryLength {
		d.statusHistory = d.statusHistory[1:]
	}
	return ev
}

// Snapshot 设备信息快照
func (d *Device) Snapshot() DeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info := DeviceInfo{
		Account:      d.account,
		Device:       d.name,
		Description:  d.description,
		UniqueID:     FormatUniqueID(d.uniqueID),
		Active:       d.active,
		Status:       d.status,
		LastSeen:     d.lastSeen,
		EncodingMask: d.encodings,
		Limits:       d.limits,
		Admission:    d.state,
		PendingCount: len(d.pending),
		EventCount:   len(d.events),
		Sessions:     append([]session.Stats(nil), d.sessions...),
		Properties:   hexValues(d.properties),
	}
	for _, t := range d.templates.Snapshot() {
		info.Templates = append(info.Templates, t.String())
	}
	return info
}
