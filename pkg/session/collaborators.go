package session

import (
	"context"
	"errors"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
)

// ErrNotFound 账号/设备/唯一ID不存在
var ErrNotFound = errors.New("session: record not found")

// AccountRecord 账号
type AccountRecord interface {
	Name() string
	IsActive() bool
}

// DeviceRecord 设备记录
// 同一设备可能被多个连接同时使用，实现必须自行保证并发安全。
type DeviceRecord interface {
	AccountName() string
	DeviceName() string
	Description() string
	IsActive() bool
	IsValidIPAddress(ip string) bool

	SupportsEncoding(enc dmtp_protocol.Encoding) bool
	RemoveEncoding(enc dmtp_protocol.Encoding)

	// MarkAndValidateConnection 在设备级锁内读取准入掩码、计算并写回
	MarkAndValidateConnection(ctx context.Context, now time.Time, duplex bool) bool

	// InsertEvent 保存事件，返回 NakOK / NakDuplicateEvent / NakExcessiveEvents / NakEventError
	InsertEvent(ctx context.Context, ev *event.GeoEvent) dmtp_protocol.ServerErrorCode

	// Templates 设备的自定义模板缓存
	Templates() *template.Cache

	PendingPackets(ctx context.Context) (*protocol.PacketList, error)
	ClearPendingPackets(ctx context.Context, sent *protocol.PacketList) error

	SessionStatistics(ctx context.Context, stats Stats) error
	SaveChanges(ctx context.Context) error

	HandleError(ctx context.Context, code uint16, data []byte)
	HandleDiagnostic(ctx context.Context, code uint16, data []byte)
	HandleProperty(ctx context.Context, code uint16, data []byte)
}

// Directory 账号/设备查找
// 不存在时返回 ErrNotFound（可被包装）。
type Directory interface {
	Account(ctx context.Context, name string) (AccountRecord, error)
	Device(ctx context.Context, acct AccountRecord, name string) (DeviceRecord, error)
	DeviceByUniqueID(ctx context.Context, id []byte) (DeviceRecord, error)
}

// EventSink 事件入库成功后的转发目标
type EventSink interface {
	Publish(ctx context.Context, ev *event.GeoEvent) error
}

// Stats 会话统计
type Stats struct {
	SessionID    string    `json:"sessionId"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	IPAddress    string    `json:"ipAddress"`
	Duplex       bool      `json:"duplex"`
	BytesRead    int64     `json:"bytesRead"`
	BytesWritten int64     `json:"bytesWritten"`
	EventCount   int       `json:"eventCount"`
	Error        string    `json:"error,omitempty"`
}
