package protocol

import (
	"fmt"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
)

// Packet 一个DMTP包
// 客户端包(设备 -> 服务器)和服务器包(服务器 -> 设备)使用不同的类型目录和模板表。
type Packet struct {
	header   byte
	pktType  dmtp_protocol.PacketType
	payload  []byte
	encoding dmtp_protocol.Encoding
	isClient bool
	tmpl     *template.Template
}

// NewClientPacket 构造客户端包（模拟器、测试使用）
func NewClientPacket(t dmtp_protocol.PacketType, data []byte) *Packet {
	return newPacket(true, t, data)
}

// NewServerPacket 构造服务器包
func NewServerPacket(t dmtp_protocol.PacketType, data []byte) *Packet {
	return newPacket(false, t, data)
}

func newPacket(isClient bool, t dmtp_protocol.PacketType, data []byte) *Packet {
	if len(data) > dmtp_protocol.MaxPayloadLength {
		data = data[:dmtp_protocol.MaxPayloadLength]
	}
	p := &Packet{
		header:   dmtp_protocol.HeaderBasic,
		pktType:  t,
		payload:  append([]byte(nil), data...),
		encoding: dmtp_protocol.EncodingBinary,
		isClient: isClient,
	}
	if isClient {
		p.tmpl = template.ClientTemplate(t)
	} else {
		p.tmpl = template.ServerTemplate(t)
	}
	return p
}

// Header 帧头
func (p *Packet) Header() byte { return p.header }

// Type 包类型
func (p *Packet) Type() dmtp_protocol.PacketType { return p.pktType }

// IsClient 是否客户端包
func (p *Packet) IsClient() bool { return p.isClient }

// Encoding 收到该包时的编码（构造的包为二进制）
func (p *Packet) Encoding() dmtp_protocol.Encoding { return p.encoding }

// SetEncoding 设置默认编码
func (p *Packet) SetEncoding(enc dmtp_protocol.Encoding) { p.encoding = enc }

// Payload 载荷字节（只读）
func (p *Packet) Payload() []byte { return p.payload }

// PayloadLength 载荷长度
func (p *Packet) PayloadLength() int { return len(p.payload) }

// Reader 从载荷开头读取的游标
func (p *Packet) Reader() *payload.Payload {
	return payload.NewReader(p.payload)
}

// Template 包对应的字段模板，可能为nil
func (p *Packet) Template() *template.Template { return p.tmpl }

// SetTemplate 指定模板（解析器提供的模板优先）
func (p *Packet) SetTemplate(t *template.Template) { p.tmpl = t }

// Category 客户端包分类，服务器包返回 CategoryUnknown
func (p *Packet) Category() dmtp_protocol.Category {
	if !p.isClient {
		return dmtp_protocol.CategoryUnknown
	}
	return dmtp_protocol.ClassifyClient(p.pktType)
}

// Ref 错误包引用
func (p *Packet) Ref() dmtp_protocol.PacketRef {
	return dmtp_protocol.Ref(p.header, p.pktType)
}

// Bytes 按包自身编码输出
func (p *Packet) Bytes() []byte {
	return Encode(p, p.encoding)
}

// TypeName 日志用类型名
func (p *Packet) TypeName() string {
	if p.isClient {
		return dmtp_protocol.ClientTypeName(p.pktType)
	}
	return dmtp_protocol.ServerTypeName(p.pktType)
}

// Format 以指定编码输出可读字符串: ASCII 去掉行尾，二进制为 0x 十六进制
func (p *Packet) Format(enc dmtp_protocol.Encoding) string {
	if !enc.IsASCII() {
		return fmt.Sprintf("0x%X", Encode(p, dmtp_protocol.EncodingBinary))
	}
	return strings.TrimRight(string(Encode(p, enc)), "\r\n")
}

func (p *Packet) String() string {
	return p.Format(p.encoding)
}

// Equal 帧头、类型和载荷一致
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.header == o.header && p.pktType == o.pktType && string(p.payload) == string(o.payload)
}
