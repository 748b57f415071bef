package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/sirupsen/logrus"
)

// EventArchive 事件归档
type EventArchive interface {
	Append(ev *event.GeoEvent) error
}

var _ Manager = (*MemoryStore)(nil)

// MemoryStore 进程内设备存储
type MemoryStore struct {
	accounts   sync.Map // name -> *Account
	devices    sync.Map // account/device -> *Device
	byUniqueID sync.Map // hex(uniqueId) -> *Device

	archive      EventArchive
	retainEvents int
	autoRegister bool
	now          func() time.Time

	statusCallbacks []StatusChangeCallback
	callbackMutex   sync.RWMutex
}

// MemoryOption 内存存储选项
type MemoryOption func(*MemoryStore)

// WithArchive 事件同时写入归档
func WithArchive(a EventArchive) MemoryOption {
	return func(s *MemoryStore) { s.archive = a }
}

// WithRetainedEvents 每个设备保留的事件数
func WithRetainedEvents(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.retainEvents = n
		}
	}
}

// WithAutoRegister 账号下未知的设备名自动登记
func WithAutoRegister(enabled bool) MemoryOption {
	return func(s *MemoryStore) { s.autoRegister = enabled }
}

// WithStoreClock 指定时钟（测试用）
func WithStoreClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		retainEvents: DefaultRetainedEvents,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddAccount 登记账号（已存在时修改启用状态）
func (s *MemoryStore) AddAccount(name string, active bool) *Account {
	name = strings.ToLower(name)
	v, loaded := s.accounts.LoadOrStore(name, &Account{name: name, active: active})
	acct := v.(*Account)
	if loaded {
		acct.SetActive(active)
	}
	return acct
}

// AddDevice 登记设备，账号不存在时自动创建（启用）
func (s *MemoryStore) AddDevice(spec DeviceSpec) (*Device, error) {
	if spec.Account == "" || spec.Device == "" {
		return nil, fmt.Errorf("account and device are required")
	}
	spec.Account = strings.ToLower(spec.Account)
	spec.Device = strings.ToLower(spec.Device)
	if _, ok := s.accounts.Load(spec.Account); !ok {
		s.AddAccount(spec.Account, true)
	}

	d, err := newDevice(s, spec)
	if err != nil {
		return nil, err
	}
	key := Key(spec.Account, spec.Device)
	if old, loaded := s.devices.Swap(key, d); loaded {
		if prev := old.(*Device); len(prev.uniqueID) > 0 {
			s.byUniqueID.Delete(hex.EncodeToString(prev.uniqueID))
		}
	}
	if len(d.uniqueID) > 0 {
		s.byUniqueID.Store(hex.EncodeToString(d.uniqueID), d)
	}
	return d, nil
}

// Lookup 按账号/设备名查找
func (s *MemoryStore) Lookup(account, device string) (*Device, bool) {
	v, ok := s.devices.Load(Key(account, device))
	if !ok {
		return nil, false
	}
	return v.(*Device), true
}

// Account 实现 session.Directory
func (s *MemoryStore) Account(_ context.Context, name string) (session.AccountRecord, error) {
	v, ok := s.accounts.Load(strings.ToLower(name))
	if !ok {
		return nil, fmt.Errorf("account %q: %w", name, session.ErrNotFound)
	}
	return v.(*Account), nil
}

// Device 实现 session.Directory
func (s *MemoryStore) Device(_ context.Context, acct session.AccountRecord, name string) (session.DeviceRecord, error) {
	if acct == nil {
		return nil, fmt.Errorf("device %q without account: %w", name, session.ErrNotFound)
	}
	if d, ok := s.Lookup(acct.Name(), name); ok {
		return d, nil
	}
	if s.autoRegister {
		logrus.WithFields(logrus.Fields{"account": acct.Name(), "device": name}).Info("自动登记设备")
		d, err := s.AddDevice(DeviceSpec{Account: acct.Name(), Device: name, Active: true})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("device %s: %w", Key(acct.Name(), name), session.ErrNotFound)
}

// DeviceByUniqueID 实现 session.Directory
func (s *MemoryStore) DeviceByUniqueID(_ context.Context, id []byte) (session.DeviceRecord, error) {
	v, ok := s.byUniqueID.Load(hex.EncodeToString(id))
	if !ok {
		return nil, fmt.Errorf("unique id %s: %w", FormatUniqueID(id), session.ErrNotFound)
	}
	return v.(*Device), nil
}

// RegisterDevice 实现 Manager
func (s *MemoryStore) RegisterDevice(_ context.Context, spec DeviceSpec) error {
	_, err := s.AddDevice(spec)
	return err
}

func (s *MemoryStore) mustLookup(account, device string) (*Device, error) {
	d, ok := s.Lookup(account, device)
	if !ok {
		return nil, fmt.Errorf("device %s: %w", Key(account, device), session.ErrNotFound)
	}
	return d, nil
}

// DeviceInfo 实现 Manager
func (s *MemoryStore) DeviceInfo(_ context.Context, account, device string) (DeviceInfo, error) {
	d, err := s.mustLookup(account, device)
	if err != nil {
		return DeviceInfo{}, err
	}
	return d.Snapshot(), nil
}

// ListDevices 实现 Manager
func (s *MemoryStore) ListDevices(_ context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	s.devices.Range(func(_, value interface{}) bool {
		out = append(out, value.(*Device).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return Key(out[i].Account, out[i].Device) < Key(out[j].Account, out[j].Device)
	})
	return out, nil
}

// QueuePacket 实现 Manager
func (s *MemoryStore) QueuePacket(_ context.Context, account, device string, pkt *protocol.Packet) (string, error) {
	d, err := s.mustLookup(account, device)
	if err != nil {
		return "", err
	}
	return d.QueuePacket(pkt), nil
}

// RecentEvents 实现 Manager
func (s *MemoryStore) RecentEvents(_ context.Context, account, device string, limit int) ([]json.RawMessage, error) {
	d, err := s.mustLookup(account, device)
	if err != nil {
		return nil, err
	}
	events := d.RecentEvents(limit)
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// StatsByStatus 按状态统计设备数量
func (s *MemoryStore) StatsByStatus() map[string]int {
	stats := make(map[string]int)
	s.devices.Range(func(_, value interface{}) bool {
		stats[value.(*Device).Status()]++
		return true
	})
	return stats
}

// RegisterStatusChangeCallback 注册状态变更回调
func (s *MemoryStore) RegisterStatusChangeCallback(callback StatusChangeCallback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.statusCallbacks = append(s.statusCallbacks, callback)
}

// notifyStatusChange 同步调用回调，回调异常不影响会话
func (s *MemoryStore) notifyStatusChange(ev *StatusChangeEvent) {
	if ev == nil {
		return
	}
	s.callbackMutex.RLock()
	callbacks := make([]StatusChangeCallback, len(s.statusCallbacks))
	copy(callbacks, s.statusCallbacks)
	s.callbackMutex.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("panic", r).Error("状态变更回调异常")
				}
			}()
			cb(ev)
		}()
	}
	logrus.WithFields(logrus.Fields{
		"account": ev.Account,
		"device":  ev.Device,
		"from":    ev.OldStatus,
		"to":      ev.NewStatus,
	}).Debug("设备状态变更")
}

var (
	_ Manager              = (*MemoryStore)(nil)
	_ session.DeviceRecord = (*Device)(nil)
)
