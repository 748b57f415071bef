package protocol

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
)

// Parser 单个包的解析器
// 模板选择顺序: Template(调用方指定) -> 内置表 -> Custom(设备自定义缓存)。
type Parser struct {
	IsClient bool
	Template *template.Template
	Custom   template.Lookup
}

// Parse 解析客户端或服务器包，custom 为设备自定义模板（可为nil）
func Parse(data []byte, isClient bool, custom template.Lookup) (*Packet, error) {
	return Parser{IsClient: isClient, Custom: custom}.Parse(data)
}

// ParseClient 解析设备发来的包
func ParseClient(data []byte, custom template.Lookup) (*Packet, error) {
	return Parse(data, true, custom)
}

// ParseServer 解析服务器包（模拟器使用）
func ParseServer(data []byte) (*Packet, error) {
	return Parse(data, false, nil)
}

func (ps Parser) lookup(t dmtp_protocol.PacketType) *template.Template {
	if ps.Template != nil && ps.Template.PacketType() == t {
		return ps.Template
	}
	if ps.IsClient {
		return template.ClientLookup{Custom: ps.Custom}.Template(t)
	}
	return template.ServerTemplate(t)
}

// Parse 解析恰好一个包的字节
func (ps Parser) Parse(data []byte) (*Packet, error) {
	p := &Packet{
		header:   dmtp_protocol.HeaderBasic,
		encoding: dmtp_protocol.EncodingUnknown,
		isClient: ps.IsClient,
	}

	if len(data) < dmtp_protocol.MinHeaderLength {
		if len(data) > 0 {
			p.header = data[0]
		}
		if len(data) > 1 {
			p.pktType = dmtp_protocol.PacketType(data[1])
		}
		return p, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketLength, p.Ref()).
			WithCause(fmt.Errorf("packet too short: %d bytes", len(data)))
	}

	switch data[0] {
	case dmtp_protocol.AsciiStart:
		if err := ps.parseASCII(p, data); err != nil {
			return p, err
		}
	case dmtp_protocol.HeaderBasic:
		p.encoding = dmtp_protocol.EncodingBinary
		p.header = data[0]
		p.pktType = dmtp_protocol.PacketType(data[1])
		p.tmpl = ps.lookup(p.pktType)
		n := int(data[2])
		if n != len(data)-dmtp_protocol.MinHeaderLength {
			return p, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketLength, p.Ref()).
				WithCause(fmt.Errorf("declared length %d, have %d", n, len(data)-dmtp_protocol.MinHeaderLength))
		}
		p.payload = append([]byte(nil), data[3:]...)
	default:
		p.header = data[0]
		p.pktType = dmtp_protocol.PacketType(data[1])
		return p, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketHeader, p.Ref())
	}
	return p, nil
}

func (ps Parser) parseASCII(p *Packet, data []byte) error {
	// 行长度、实际校验和、是否带校验和
	pLen := 1
	var actual byte
	want := -1
	hasCksum := false
	for ; pLen < len(data); pLen++ {
		c := data[pLen]
		if c == dmtp_protocol.AsciiEOL || c == dmtp_protocol.AsciiLF {
			break
		}
		if c == dmtp_protocol.AsciiChecksum {
			hasCksum = true
			if pLen+3 <= len(data) {
				if v, err := strconv.ParseUint(string(data[pLen+1:pLen+3]), 16, 8); err == nil {
					want = int(v)
				}
			}
			break
		}
		actual ^= c
	}
	line := string(data[:pLen])

	p.header = 0
	if pLen >= 3 {
		p.header = parseHexByte(line[1:3])
	}
	if pLen >= 5 {
		p.pktType = dmtp_protocol.PacketType(parseHexByte(line[3:5]))
	}
	p.tmpl = ps.lookup(p.pktType)
	if p.header != dmtp_protocol.HeaderBasic {
		return dmtp_protocol.NewParseError(dmtp_protocol.NakPacketHeader, p.Ref())
	}
	if pLen < 5 {
		return dmtp_protocol.NewParseError(dmtp_protocol.NakPacketLength, p.Ref())
	}
	// 校验和放在帧头/类型解析之后，便于回错误包
	if want >= 0 && byte(want) != actual {
		return dmtp_protocol.NewParseError(dmtp_protocol.NakPacketChecksum, p.Ref()).
			WithCause(fmt.Errorf("checksum %02X, computed %02X", want, actual))
	}
	if hasCksum && want < 0 {
		return dmtp_protocol.NewParseError(dmtp_protocol.NakPacketChecksum, p.Ref()).
			WithCause(fmt.Errorf("malformed checksum"))
	}

	if pLen == 5 {
		// 没有编码字符视为 base64，空载荷
		p.encoding = dmtp_protocol.EncodingBase64.WithChecksum(hasCksum)
		p.payload = []byte{}
		return nil
	}

	body := line[6:]
	var err error
	switch line[5] {
	case dmtp_protocol.EncodingCharHex:
		p.encoding = dmtp_protocol.EncodingHex.WithChecksum(hasCksum)
		p.payload, err = hex.DecodeString(body)
	case dmtp_protocol.EncodingCharBase64:
		p.encoding = dmtp_protocol.EncodingBase64.WithChecksum(hasCksum)
		p.payload, err = decodeBase64(body)
	case dmtp_protocol.EncodingCharCSV:
		p.encoding = dmtp_protocol.EncodingCSV.WithChecksum(hasCksum)
		p.payload, err = decodeCSV(p, body)
		if err != nil {
			return err
		}
	default:
		return dmtp_protocol.NewParseError(dmtp_protocol.NakPacketEncoding, p.Ref()).
			WithCause(fmt.Errorf("encoding char %q", line[5]))
	}
	if err != nil {
		return dmtp_protocol.NewParseError(dmtp_protocol.NakPacketPayload, p.Ref()).WithCause(err)
	}
	if len(p.payload) > dmtp_protocol.MaxPayloadLength {
		return dmtp_protocol.NewParseError(dmtp_protocol.NakPacketLength, p.Ref()).
			WithCause(fmt.Errorf("payload length %d", len(p.payload)))
	}
	return nil
}

func parseHexByte(s string) byte {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return byte(v)
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Encode 以指定编码输出包
// 未知的ASCII编码按十六进制输出。
func Encode(p *Packet, enc dmtp_protocol.Encoding) []byte {
	data := p.payload
	if enc == dmtp_protocol.EncodingBinary {
		out := make([]byte, dmtp_protocol.MinHeaderLength+len(data))
		out[0] = p.header
		out[1] = byte(p.pktType)
		out[2] = byte(len(data))
		copy(out[3:], data)
		return out
	}

	var sb strings.Builder
	sb.WriteByte(dmtp_protocol.AsciiStart)
	fmt.Fprintf(&sb, "%02X%02X", p.header, uint8(p.pktType))
	switch enc.Base() {
	case dmtp_protocol.EncodingHex, dmtp_protocol.EncodingBase64, dmtp_protocol.EncodingCSV:
	default:
		enc = dmtp_protocol.EncodingHex
	}
	if len(data) > 0 {
		switch enc.Base() {
		case dmtp_protocol.EncodingCSV:
			sb.WriteString(encodeCSV(p))
		case dmtp_protocol.EncodingBase64:
			sb.WriteByte(dmtp_protocol.EncodingCharBase64)
			sb.WriteString(base64.StdEncoding.EncodeToString(data))
		default:
			sb.WriteByte(dmtp_protocol.EncodingCharHex)
			sb.WriteString(strings.ToUpper(hex.EncodeToString(data)))
		}
	}
	if enc.HasChecksum() {
		fmt.Fprintf(&sb, "*%02X", Checksum([]byte(sb.String())))
	}
	sb.WriteByte(dmtp_protocol.AsciiEOL)
	return []byte(sb.String())
}
