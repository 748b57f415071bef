package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/admission"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
)

// DeviceInfo 设备信息快照（管理接口）
type DeviceInfo struct {
	Account      string            `json:"account"`
	Device       string            `json:"device"`
	Description  string            `json:"description"`
	UniqueID     string            `json:"uniqueId,omitempty"`
	Active       bool              `json:"active"`
	Status       string            `json:"status"`
	LastSeen     time.Time         `json:"lastSeen"`
	EncodingMask int               `json:"encodingMask"`
	Limits       admission.Limits  `json:"limits"`
	Admission    admission.State   `json:"admission"`
	Templates    []string          `json:"templates,omitempty"`
	PendingCount int               `json:"pendingCount"`
	EventCount   int               `json:"eventCount"`
	Sessions     []session.Stats   `json:"sessions,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Manager 管理接口使用的存储操作，内存与Redis存储都实现
type Manager interface {
	session.Directory

	RegisterDevice(ctx context.Context, spec DeviceSpec) error
	DeviceInfo(ctx context.Context, account, device string) (DeviceInfo, error)
	ListDevices(ctx context.Context) ([]DeviceInfo, error)
	QueuePacket(ctx context.Context, account, device string, pkt *protocol.Packet) (string, error)
	RecentEvents(ctx context.Context, account, device string, limit int) ([]json.RawMessage, error)
}

// hexValues 属性值转为可读形式: 键名(或0xCODE) -> 十六进制
func hexValues(m map[uint16][]byte) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for code, v := range m {
		name := dmtp_protocol.PropertyName(code)
		if name == "" {
			name = fmt.Sprintf("0x%04X", code)
		}
		out[name] = hex.EncodeToString(v)
	}
	return out
}
