package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/admission"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// 设备哈希字段
const (
	fieldAccount     = "account"
	fieldDevice      = "device"
	fieldDescription = "description"
	fieldActive      = "active"
	fieldUniqueID    = "uniqueId"
	fieldAllowedIPs  = "allowedIps"
	fieldEncodings   = "encodings"
	fieldLimits      = "limits"
	fieldAdmission   = "admission"
	fieldStatus      = "status"
	fieldLastSeen    = "lastSeen"
)

// 准入事务冲突时的重试次数
const maxTxRetries = 5

var _ storage.Manager = (*DeviceStore)(nil)

// DeviceStore Redis 设备存储
//
// 键布局（prefix 默认 dmtp）:
//
//	{p}:account:{name}        hash  active
//	{p}:device:{acct}/{dev}   hash  登记信息、准入掩码、状态
//	{p}:uid:{hex}             string 设备键
//	{p}:devices               set   全部设备键
//	{p}:templates:{key}       hash  类型 -> 格式定义(hex)
//	{p}:pending:{key}         list  待发包
//	{p}:events:{key}          list  事件 JSON
//	{p}:seen:{key}            zset  重复判定键
//	{p}:receipts:{key}        zset  事件接收时间
//	{p}:sessions:{key}        list  会话统计 JSON
//	{p}:props:{key}           hash  属性值
type DeviceStore struct {
	client  redis.UniversalClient
	prefix  string
	now     func() time.Time
	archive storage.EventArchive
	retain  int
}

// StoreOption 存储选项
type StoreOption func(*DeviceStore)

// WithKeyPrefix 键前缀
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *DeviceStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock 时钟（测试用）
func WithClock(now func() time.Time) StoreOption {
	return func(s *DeviceStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithArchive 事件归档
func WithArchive(a storage.EventArchive) StoreOption {
	return func(s *DeviceStore) { s.archive = a }
}

// WithRetainedEvents 每个设备保留的事件数
func WithRetainedEvents(n int) StoreOption {
	return func(s *DeviceStore) {
		if n > 0 {
			s.retain = n
		}
	}
}

// NewDeviceStore 创建存储
func NewDeviceStore(client redis.UniversalClient, opts ...StoreOption) *DeviceStore {
	s := &DeviceStore{
		client: client,
		prefix: "dmtp",
		now:    time.Now,
		retain: storage.DefaultRetainedEvents,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DeviceStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *DeviceStore) deviceKey(key string) string { return s.key("device", key) }

// ---------------------------------------------------------------------------
// 登记

// SetAccount 登记账号或修改启用状态
func (s *DeviceStore) SetAccount(ctx context.Context, name string, active bool) error {
	name = strings.ToLower(name)
	if err := s.client.HSet(ctx, s.key("account", name), fieldActive, boolString(active)).Err(); err != nil {
		return fmt.Errorf("redis: set account %s: %w", name, err)
	}
	return nil
}

// RegisterDevice 实现 storage.Manager
// 已存在的设备只更新登记信息，准入状态和事件保留；账号不存在时自动创建。
func (s *DeviceStore) RegisterDevice(ctx context.Context, spec storage.DeviceSpec) error {
	if spec.Account == "" || spec.Device == "" {
		return fmt.Errorf("account and device are required")
	}
	spec.Account = strings.ToLower(spec.Account)
	spec.Device = strings.ToLower(spec.Device)

	uid, err := storage.ParseUniqueID(spec.UniqueID)
	if err != nil {
		return err
	}
	if _, err := storage.NewIPFilter(spec.AllowedIPs); err != nil {
		return err
	}
	mask, err := storage.EncodingMask(spec.Encodings)
	if err != nil {
		return err
	}
	limits, err := json.Marshal(spec.Limits)
	if err != nil {
		return err
	}
	ips, err := json.Marshal(spec.AllowedIPs)
	if err != nil {
		return err
	}
	desc := spec.Description
	if desc == "" {
		desc = spec.Device
	}

	key := storage.Key(spec.Account, spec.Device)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, s.key("account", spec.Account), fieldActive, boolString(true))
		pipe.HSet(ctx, s.deviceKey(key),
			fieldAccount, spec.Account,
			fieldDevice, spec.Device,
			fieldDescription, desc,
			fieldActive, boolString(spec.Active),
			fieldUniqueID, hex.EncodeToString(uid),
			fieldAllowedIPs, string(ips),
			fieldEncodings, mask,
			fieldLimits, string(limits),
		)
		pipe.HSetNX(ctx, s.deviceKey(key), fieldStatus, storage.StatusOffline)
		pipe.SAdd(ctx, s.key("devices"), key)
		if len(uid) > 0 {
			pipe.Set(ctx, s.key("uid", hex.EncodeToString(uid)), key, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: register device %s: %w", key, err)
	}
	logrus.WithFields(logrus.Fields{"account": spec.Account, "device": spec.Device}).Info("设备已登记")
	return nil
}

// ---------------------------------------------------------------------------
// session.Directory

// Account 实现 session.Directory
func (s *DeviceStore) Account(ctx context.Context, name string) (session.AccountRecord, error) {
	name = strings.ToLower(name)
	v, err := s.client.HGet(ctx, s.key("account", name), fieldActive).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("account %q: %w", name, session.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("redis: account %s: %w", name, err)
	}
	return accountRecord{name: name, active: v == "1"}, nil
}

// Device 实现 session.Directory
func (s *DeviceStore) Device(ctx context.Context, acct session.AccountRecord, name string) (session.DeviceRecord, error) {
	if acct == nil {
		return nil, fmt.Errorf("device %q without account: %w", name, session.ErrNotFound)
	}
	return s.load(ctx, storage.Key(acct.Name(), name))
}

// DeviceByUniqueID 实现 session.Directory
func (s *DeviceStore) DeviceByUniqueID(ctx context.Context, id []byte) (session.DeviceRecord, error) {
	key, err := s.client.Get(ctx, s.key("uid", hex.EncodeToString(id))).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("unique id %s: %w", storage.FormatUniqueID(id), session.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("redis: unique id %s: %w", storage.FormatUniqueID(id), err)
	}
	return s.load(ctx, key)
}

// load 读取设备记录和自定义模板
func (s *DeviceStore) load(ctx context.Context, key string) (*deviceRecord, error) {
	h, err := s.client.HGetAll(ctx, s.deviceKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: device %s: %w", key, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("device %s: %w", key, session.ErrNotFound)
	}

	d := &deviceRecord{
		store:       s,
		key:         key,
		account:     h[fieldAccount],
		name:        h[fieldDevice],
		description: h[fieldDescription],
		active:      h[fieldActive] == "1",
		status:      h[fieldStatus],
		templates:   template.NewCache(),
		pendingRaw:  make(map[string]string),
	}
	if d.uniqueID, err = hex.DecodeString(h[fieldUniqueID]); err != nil {
		return nil, fmt.Errorf("device %s: bad unique id: %w", key, err)
	}
	if d.encodings, err = strconv.Atoi(h[fieldEncodings]); err != nil {
		d.encodings = dmtp_protocol.SupportedEncodingAll
	}
	var ips []string
	if v := h[fieldAllowedIPs]; v != "" {
		if err := json.Unmarshal([]byte(v), &ips); err != nil {
			return nil, fmt.Errorf("device %s: bad allowed ips: %w", key, err)
		}
	}
	if d.ipFilter, err = storage.NewIPFilter(ips); err != nil {
		return nil, err
	}
	if v := h[fieldLimits]; v != "" {
		if err := json.Unmarshal([]byte(v), &d.limits); err != nil {
			return nil, fmt.Errorf("device %s: bad limits: %w", key, err)
		}
	}
	if ts, err := strconv.ParseInt(h[fieldLastSeen], 10, 64); err == nil && ts > 0 {
		d.lastSeen = time.Unix(ts, 0)
	}
	if v := h[fieldAdmission]; v != "" {
		if err := json.Unmarshal([]byte(v), &d.state); err != nil {
			d.log().WithError(err).Error("准入状态损坏")
			return nil, fmt.Errorf("device %s: bad admission state: %w", key, err)
		}
	}

	defs, err := s.client.HGetAll(ctx, s.key("templates", key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: templates %s: %w", key, err)
	}
	for t, def := range defs {
		raw, err := hex.DecodeString(def)
		if err != nil {
			d.log().WithField("type", t).Warn("忽略无法解码的模板")
			continue
		}
		tmpl, err := template.ParseDefinition(raw)
		if err != nil {
			d.log().WithError(err).WithField("type", t).Warn("忽略无效的模板")
			continue
		}
		d.templates.Load(tmpl)
	}
	d.templates.OnPut(d.saveTemplate)
	d.templates.OnMiss(d.fetchTemplate)
	return d, nil
}

// ---------------------------------------------------------------------------
// storage.Manager

// DeviceInfo 实现 storage.Manager
func (s *DeviceStore) DeviceInfo(ctx context.Context, account, device string) (storage.DeviceInfo, error) {
	d, err := s.load(ctx, storage.Key(account, device))
	if err != nil {
		return storage.DeviceInfo{}, err
	}
	return d.snapshot(ctx)
}

// ListDevices 实现 storage.Manager
func (s *DeviceStore) ListDevices(ctx context.Context) ([]storage.DeviceInfo, error) {
	keys, err := s.client.SMembers(ctx, s.key("devices")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list devices: %w", err)
	}
	sort.Strings(keys)
	out := make([]storage.DeviceInfo, 0, len(keys))
	for _, key := range keys {
		d, err := s.load(ctx, key)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		info, err := d.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// pendingItem 待发包列表元素
type pendingItem struct {
	ID       string `json:"id"`
	Frame    string `json:"frame"` // 二进制编码的 hex
	QueuedAt int64  `json:"queuedAt"`
}

// QueuePacket 实现 storage.Manager
func (s *DeviceStore) QueuePacket(ctx context.Context, account, device string, pkt *protocol.Packet) (string, error) {
	key := storage.Key(account, device)
	n, err := s.client.Exists(ctx, s.deviceKey(key)).Result()
	if err != nil {
		return "", fmt.Errorf("redis: device %s: %w", key, err)
	}
	if n == 0 {
		return "", fmt.Errorf("device %s: %w", key, session.ErrNotFound)
	}

	item := pendingItem{
		ID:       uuid.NewString(),
		Frame:    hex.EncodeToString(protocol.Encode(pkt, dmtp_protocol.EncodingBinary)),
		QueuedAt: s.now().Unix(),
	}
	b, err := json.Marshal(item)
	if err != nil {
		return "", err
	}
	if err := s.client.RPush(ctx, s.key("pending", key), b).Err(); err != nil {
		return "", fmt.Errorf("redis: queue packet %s: %w", key, err)
	}
	return item.ID, nil
}

// RecentEvents 实现 storage.Manager
func (s *DeviceStore) RecentEvents(ctx context.Context, account, device string, limit int) ([]json.RawMessage, error) {
	key := storage.Key(account, device)
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := s.client.LRange(ctx, s.key("events", key), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: events %s: %w", key, err)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it))
	}
	return out, nil
}

var (
	_ storage.Manager      = (*DeviceStore)(nil)
	_ session.DeviceRecord = (*deviceRecord)(nil)
)

// ---------------------------------------------------------------------------
// 记录

type accountRecord struct {
	name   string
	active bool
}

func (a accountRecord) Name() string   { return a.name }
func (a accountRecord) IsActive() bool { return a.active }

// deviceRecord 一次会话读取的设备记录
// 登记信息在读取时固定；准入、事件、待发包直接读写 Redis。
type deviceRecord struct {
	store *DeviceStore
	key   string

	account     string
	name        string
	description string
	uniqueID    []byte
	active      bool
	ipFilter    storage.IPFilter
	limits      admission.Limits

	mu         sync.Mutex
	encodings  int
	state      admission.State
	status     string
	lastSeen   time.Time
	templates  *template.Cache
	pendingRaw map[string]string
}

func (d *deviceRecord) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"account": d.account, "device": d.name})
}

func (d *deviceRecord) k(kind string) string { return d.store.key(kind, d.key) }

func (d *deviceRecord) AccountName() string { return d.account }
func (d *deviceRecord) DeviceName() string  { return d.name }
func (d *deviceRecord) Description() string { return d.description }
func (d *deviceRecord) IsActive() bool      { return d.active }

func (d *deviceRecord) IsValidIPAddress(ip string) bool { return d.ipFilter.Allows(ip) }

func (d *deviceRecord) SupportsEncoding(enc dmtp_protocol.Encoding) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodings&enc.SupportedMask() != 0
}

func (d *deviceRecord) RemoveEncoding(enc dmtp_protocol.Encoding) {
	d.mu.Lock()
	d.encodings &^= enc.SupportedMask()
	mask := d.encodings
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.store.client.HSet(ctx, d.store.deviceKey(d.key), fieldEncodings, mask).Err(); err != nil {
		d.log().WithError(err).Error("保存编码掩码失败")
	}
}

// MarkAndValidateConnection 在 WATCH 事务内读取、计算并写回准入掩码
// 并发连接冲突时重试；Redis 不可用时拒绝连接。
func (d *deviceRecord) MarkAndValidateConnection(ctx context.Context, now time.Time, duplex bool) bool {
	devKey := d.store.deviceKey(d.key)
	var allowed bool
	var next admission.State

	txf := func(tx *redis.Tx) error {
		var state admission.State
		raw, err := tx.HGet(ctx, devKey, fieldAdmission).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &state); err != nil {
				return fmt.Errorf("bad admission state: %w", err)
			}
		}

		next, allowed = admission.Validate(d.limits, state, now, duplex)
		status := storage.StatusRejected
		if allowed {
			status = storage.StatusOnline
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if allowed {
				pipe.HSet(ctx, devKey, fieldAdmission, string(b))
			}
			pipe.HSet(ctx, devKey, fieldStatus, status, fieldLastSeen, now.Unix())
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := d.store.client.Watch(ctx, txf, devKey)
		if err == nil {
			d.mu.Lock()
			if allowed {
				d.state = next
				d.status = storage.StatusOnline
			} else {
				d.status = storage.StatusRejected
			}
			d.lastSeen = now
			d.mu.Unlock()
			return allowed
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		d.log().WithError(err).Error("准入检查失败")
		return false
	}
	d.log().Warn("准入检查冲突次数过多")
	return false
}

// InsertEvent 保存事件
// 事件计数与重复判定在 WATCH 事务内完成，判重键只在事件写入成功后才记录，
// 写入失败时设备重发的同一事件仍会被保存。
func (d *deviceRecord) InsertEvent(ctx context.Context, ev *event.GeoEvent) dmtp_protocol.ServerErrorCode {
	now := d.store.now()
	score := float64(now.UnixNano()) / float64(time.Second)
	seenKey, receiptsKey := d.k("seen"), d.k("receipts")
	ek := storage.EventKey(ev)

	body, err := json.Marshal(ev)
	if err != nil {
		d.log().WithError(err).Error("事件序列化失败")
		return dmtp_protocol.NakEventError
	}

	code := dmtp_protocol.NakOK
	archived := false
	retain := int64(d.store.retain)
	txf := func(tx *redis.Tx) error {
		code = dmtp_protocol.NakOK
		if d.limits.MaxAllowedEvents > 0 {
			from := now.Add(-time.Duration(d.limits.IntervalMinutes) * time.Minute)
			n, err := tx.ZCount(ctx, receiptsKey, formatScore(float64(from.UnixNano())/float64(time.Second)), "+inf").Result()
			if err != nil {
				return fmt.Errorf("读取事件计数失败: %w", err)
			}
			if int(n) >= d.limits.MaxAllowedEvents {
				code = dmtp_protocol.NakExcessiveEvents
				return nil
			}
		}
		if ek != "" {
			_, err := tx.ZScore(ctx, seenKey, ek).Result()
			if err == nil {
				code = dmtp_protocol.NakDuplicateEvent
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				return fmt.Errorf("重复判定失败: %w", err)
			}
		}

		// 事务冲突重试时不重复归档
		if d.store.archive != nil && !archived {
			if err := d.store.archive.Append(ev); err != nil {
				return fmt.Errorf("事件归档失败: %w", err)
			}
			archived = true
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, d.k("events"), body)
			pipe.LTrim(ctx, d.k("events"), -retain, -1)
			if ek != "" {
				pipe.ZAddNX(ctx, seenKey, redis.Z{Score: score, Member: ek})
				pipe.ZRemRangeByRank(ctx, seenKey, 0, -retain-1)
			}
			if d.limits.MaxAllowedEvents > 0 {
				pipe.ZAdd(ctx, receiptsKey, redis.Z{Score: score, Member: uuid.NewString()})
				horizon := now.Add(-time.Duration(d.limits.IntervalMinutes) * time.Minute)
				pipe.ZRemRangeByScore(ctx, receiptsKey, "-inf", "("+formatScore(float64(horizon.Unix())))
			}
			pipe.HSet(ctx, d.store.deviceKey(d.key), fieldLastSeen, now.Unix())
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := d.store.client.Watch(ctx, txf, seenKey, receiptsKey)
		if err == nil {
			if code == dmtp_protocol.NakExcessiveEvents {
				d.log().Error("Excessive events")
			}
			return code
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		d.log().WithError(err).Error("事件保存失败")
		return dmtp_protocol.NakEventError
	}
	d.log().Warn("事件保存冲突次数过多")
	return dmtp_protocol.NakEventError
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Templates 自定义模板缓存，新模板写回 Redis
func (d *deviceRecord) Templates() *template.Cache { return d.templates }

func (d *deviceRecord) saveTemplate(t *template.Template) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	field := fmt.Sprintf("%02X", uint8(t.PacketType()))
	def := hex.EncodeToString(t.EncodeDefinition())
	if err := d.store.client.HSet(ctx, d.k("templates"), field, def).Err(); err != nil {
		d.log().WithError(err).WithField("type", field).Error("保存自定义模板失败")
	}
}

// fetchTemplate 缓存未命中时从 Redis 读取，其他连接写入的模板无需重连即可使用
func (d *deviceRecord) fetchTemplate(t dmtp_protocol.PacketType) *template.Template {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	field := fmt.Sprintf("%02X", uint8(t))
	def, err := d.store.client.HGet(ctx, d.k("templates"), field).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.log().WithError(err).WithField("type", field).Error("读取自定义模板失败")
		}
		return nil
	}
	raw, err := hex.DecodeString(def)
	if err != nil {
		return nil
	}
	tmpl, err := template.ParseDefinition(raw)
	if err != nil {
		d.log().WithError(err).WithField("type", field).Warn("忽略无效的模板")
		return nil
	}
	return tmpl
}

// PendingPackets 当前待发包；没有时返回nil
func (d *deviceRecord) PendingPackets(ctx context.Context) (*protocol.PacketList, error) {
	items, err := d.store.client.LRange(ctx, d.k("pending"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: pending %s: %w", d.key, err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	list := protocol.NewPacketList()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, raw := range items {
		var it pendingItem
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			d.log().WithError(err).Warn("忽略无法解析的待发包")
			continue
		}
		frame, err := hex.DecodeString(it.Frame)
		if err != nil {
			d.log().WithError(err).Warn("忽略无法解析的待发包")
			continue
		}
		p, err := protocol.ParseServer(frame)
		if err != nil {
			d.log().WithError(err).Warn("忽略无效的待发包")
			continue
		}
		list.Add(it.ID, p)
		d.pendingRaw[it.ID] = raw
	}
	if list.IsEmpty() {
		return nil, nil
	}
	return list, nil
}

// ClearPendingPackets 删除已下发的待发包
func (d *deviceRecord) ClearPendingPackets(ctx context.Context, sent *protocol.PacketList) error {
	if sent.IsEmpty() {
		return nil
	}
	d.mu.Lock()
	raws := make([]string, 0, sent.Len())
	for _, id := range sent.IDs() {
		if raw, ok := d.pendingRaw[id]; ok {
			raws = append(raws, raw)
			delete(d.pendingRaw, id)
		}
	}
	d.mu.Unlock()

	_, err := d.store.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range raws {
			pipe.LRem(ctx, d.k("pending"), 1, raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: clear pending %s: %w", d.key, err)
	}
	return nil
}

// SessionStatistics 记录会话统计，设备转为离线
func (d *deviceRecord) SessionStatistics(ctx context.Context, stats session.Stats) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = d.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, d.k("sessions"), b)
		pipe.LTrim(ctx, d.k("sessions"), -storage.DefaultRetainedSessions, -1)
		pipe.HSet(ctx, d.store.deviceKey(d.key), fieldStatus, storage.StatusOffline, fieldLastSeen, stats.EndTime.Unix())
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: session statistics %s: %w", d.key, err)
	}
	return nil
}

// SaveChanges 所有修改已即时写入
func (d *deviceRecord) SaveChanges(_ context.Context) error { return nil }

// HandleError 记录设备上报的错误
func (d *deviceRecord) HandleError(_ context.Context, code uint16, data []byte) {
	d.log().WithFields(logrus.Fields{
		"code": fmt.Sprintf("0x%04X", code),
		"desc": dmtp_protocol.ClientErrorCode(code).Description(),
		"data": hex.EncodeToString(data),
	}).Info("设备错误")
}

// HandleDiagnostic 记录诊断信息
func (d *deviceRecord) HandleDiagnostic(_ context.Context, code uint16, data []byte) {
	d.log().WithFields(logrus.Fields{
		"code": fmt.Sprintf("0x%04X", code),
		"data": hex.EncodeToString(data),
	}).Info("设备诊断")
}

// HandleProperty 保存属性值
func (d *deviceRecord) HandleProperty(ctx context.Context, code uint16, data []byte) {
	err := d.store.client.HSet(ctx, d.k("props"), fmt.Sprintf("%04X", code), hex.EncodeToString(data)).Err()
	if err != nil {
		d.log().WithError(err).Error("保存属性失败")
	}
}

func (d *deviceRecord) snapshot(ctx context.Context) (storage.DeviceInfo, error) {
	c := d.store.client
	var pendingN, eventN *redis.IntCmd
	var sessions *redis.StringSliceCmd
	var props *redis.MapStringStringCmd
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pendingN = pipe.LLen(ctx, d.k("pending"))
		eventN = pipe.LLen(ctx, d.k("events"))
		sessions = pipe.LRange(ctx, d.k("sessions"), 0, -1)
		props = pipe.HGetAll(ctx, d.k("props"))
		return nil
	})
	if err != nil {
		return storage.DeviceInfo{}, fmt.Errorf("redis: device info %s: %w", d.key, err)
	}

	d.mu.Lock()
	info := storage.DeviceInfo{
		Account:      d.account,
		Device:       d.name,
		Description:  d.description,
		UniqueID:     storage.FormatUniqueID(d.uniqueID),
		Active:       d.active,
		Status:       d.status,
		LastSeen:     d.lastSeen,
		EncodingMask: d.encodings,
		Limits:       d.limits,
		Admission:    d.state,
		PendingCount: int(pendingN.Val()),
		EventCount:   int(eventN.Val()),
	}
	d.mu.Unlock()

	for _, raw := range sessions.Val() {
		var st session.Stats
		if err := json.Unmarshal([]byte(raw), &st); err == nil {
			info.Sessions = append(info.Sessions, st)
		}
	}
	if vals := props.Val(); len(vals) > 0 {
		info.Properties = make(map[string]string, len(vals))
		for field, v := range vals {
			name := field
			if code, err := strconv.ParseUint(field, 16, 16); err == nil {
				if n := dmtp_protocol.PropertyName(uint16(code)); n != "" {
					name = n
				} else {
					name = "0x" + field
				}
			}
			info.Properties[name] = v
		}
	}
	for _, t := range d.templates.Snapshot() {
		info.Templates = append(info.Templates, t.String())
	}
	return info, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
