package protocol

import (
	"encoding/base64"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
)

// decodeCSV 按模板把CSV字段转回二进制载荷
// 没有模板时: 自定义格式类型返回 NAK_FORMAT_NOT_RECOGNIZED，其余返回 NAK_PACKET_TYPE。
func decodeCSV(p *Packet, body string) ([]byte, error) {
	tmpl := p.tmpl
	if tmpl == nil {
		code := dmtp_protocol.NakPacketType
		if p.isClient && dmtp_protocol.IsCustomFormatType(p.pktType) {
			code = dmtp_protocol.NakFormatNotRecognized
		}
		return nil, dmtp_protocol.NewParseError(code, p.Ref())
	}
	if body == "" {
		return []byte{}, nil
	}

	tokens := strings.Split(body, string(dmtp_protocol.EncodingCharCSV))
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength)
	for i, c := 0, 0; c < len(tokens); i++ {
		f, ok := tmpl.GetField(i)
		if !ok {
			break
		}
		c = f.ParseCSV(tokens, c, w)
	}
	return w.Bytes(), nil
}

// encodeCSV 按模板把载荷输出为CSV，每个字段前带 ','
// 没有模板时退回 base64。
func encodeCSV(p *Packet) string {
	if p.tmpl == nil {
		return string(dmtp_protocol.EncodingCharBase64) + base64.StdEncoding.EncodeToString(p.payload)
	}
	var sb strings.Builder
	r := payload.NewReader(p.payload)
	for i := 0; r.HasAvailableRead(); i++ {
		f, ok := p.tmpl.GetField(i)
		if !ok {
			break
		}
		sb.WriteByte(dmtp_protocol.EncodingCharCSV)
		sb.WriteString(f.FormatCSV(r))
	}
	return sb.String()
}
