package storage

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/admission"
)

// DeviceSpec 设备登记信息（配置文件种子或管理接口）
type DeviceSpec struct {
	Account     string           `json:"account" mapstructure:"account"`
	Device      string           `json:"device" mapstructure:"device"`
	UniqueID    string           `json:"uniqueId" mapstructure:"uniqueId"` // 十六进制，可带 0x 前缀
	Description string           `json:"description" mapstructure:"description"`
	Active      bool             `json:"active" mapstructure:"active"`
	AllowedIPs  []string         `json:"allowedIps" mapstructure:"allowedIps"`     // IP 或 CIDR，为空不限制
	Encodings   []string         `json:"encodings" mapstructure:"encodings"`       // 为空支持全部
	Limits      admission.Limits `json:"limits" mapstructure:"limits"`
}

// Key 设备键 account/device
func Key(account, device string) string {
	return strings.ToLower(account) + "/" + strings.ToLower(device)
}

// ParseUniqueID 十六进制唯一ID
func ParseUniqueID(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return nil, nil
	}
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid unique id %q: %w", s, err)
	}
	return id, nil
}

// FormatUniqueID 唯一ID的十六进制形式
func FormatUniqueID(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	return "0x" + strings.ToUpper(hex.EncodeToString(id))
}

// EncodingMask 编码名称列表转换为支持位掩码
func EncodingMask(names []string) (int, error) {
	if len(names) == 0 {
		return dmtp_protocol.SupportedEncodingAll, nil
	}
	mask := 0
	for _, n := range names {
		enc, ok := dmtp_protocol.ParseEncodingName(strings.ToLower(strings.TrimSpace(n)))
		if !ok {
			return 0, fmt.Errorf("unknown encoding %q", n)
		}
		mask |= enc.SupportedMask()
	}
	return mask, nil
}

// IPFilter 来源地址白名单
type IPFilter struct {
	nets []*net.IPNet
}

// NewIPFilter 解析 IP/CIDR 列表
func NewIPFilter(entries []string) (IPFilter, error) {
	var f IPFilter
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return f, fmt.Errorf("invalid ip %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			f.nets = append(f.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return f, fmt.Errorf("invalid cidr %q: %w", e, err)
		}
		f.nets = append(f.nets, n)
	}
	return f, nil
}

// Allows 名单为空时允许所有地址
func (f IPFilter) Allows(addr string) bool {
	if len(f.nets) == 0 {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range f.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
