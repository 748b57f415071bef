package protocol

import (
	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
)

// 文件上传指令中文件名的固定宽度
const uploadFileNameLength = 64

func serverPacket(t dmtp_protocol.PacketType, w *payload.Payload) *Packet {
	if w == nil {
		return NewServerPacket(t, nil)
	}
	return NewServerPacket(t, w.Bytes())
}

// NewAck 确认包，序列号按原始字节宽度写入；seqLen<=0 时载荷为空
func NewAck(seq int64, seqLen int) *Packet {
	if seq < 0 || seqLen <= 0 {
		return serverPacket(dmtp_protocol.ServerAck, nil)
	}
	w := payload.NewWriter(seqLen)
	w.WriteInt(seq, seqLen)
	return serverPacket(dmtp_protocol.ServerAck, w)
}

// NewErrorPacket 服务器错误包: 错误码(2) + 出错包帧头(1) + 出错包类型(1) + 附加数据
func NewErrorPacket(code dmtp_protocol.ServerErrorCode, cause dmtp_protocol.PacketRef, extra []byte) *Packet {
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength)
	w.WriteUint(uint64(code), 2)
	if cause.Set {
		w.WriteUint(uint64(cause.Header), 1)
		w.WriteUint(uint64(cause.Type), 1)
	} else {
		w.WriteZeroFill(2)
	}
	if len(extra) > 0 {
		w.WriteRaw(extra)
	}
	return serverPacket(dmtp_protocol.ServerError, w)
}

// NewErrorPacketFrom 由解析错误构造错误包
func NewErrorPacketFrom(pe *dmtp_protocol.ParseError) *Packet {
	return NewErrorPacket(pe.Code, pe.Packet, pe.Data)
}

// NewEOBDone 块结束
func NewEOBDone() *Packet {
	return serverPacket(dmtp_protocol.ServerEOBDone, nil)
}

// NewEOBSpeakFreely 块结束，设备可自由发送
func NewEOBSpeakFreely() *Packet {
	return serverPacket(dmtp_protocol.ServerEOBSpeakFreely, nil)
}

// NewEOT 传输结束
func NewEOT() *Packet {
	return serverPacket(dmtp_protocol.ServerEOT, nil)
}

// NewGetProperty 读取属性: 属性码(2) + 参数
func NewGetProperty(propCode uint16, args []byte) *Packet {
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength)
	w.WriteUint(uint64(propCode), 2)
	if len(args) > 0 {
		w.WriteRaw(args)
	}
	return serverPacket(dmtp_protocol.ServerGetProperty, w)
}

// NewSetProperty 设置属性: 属性码(2) + 值
func NewSetProperty(propCode uint16, value []byte) *Packet {
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength)
	w.WriteUint(uint64(propCode), 2)
	if len(value) > 0 {
		w.WriteRaw(value)
	}
	return serverPacket(dmtp_protocol.ServerSetProperty, w)
}

// EncodePropertyValues 把一组数值按固定宽度编码为属性值
func EncodePropertyValues(values []int64, width int) []byte {
	if width <= 0 || width > 8 {
		width = 4
	}
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength - 2)
	for _, v := range values {
		if w.WriteInt(v, width) == 0 {
			break
		}
	}
	return w.Bytes()
}

// NewGetFile 通知设备下载文件: 0x31 + 文件大小(3) + 文件名(64)
func NewGetFile(fileName string, fileSize int64) *Packet {
	w := payload.NewWriter(1 + 3 + uploadFileNameLength)
	w.WriteUint(uint64(dmtp_protocol.UploadTypeGetFile), 1)
	w.WriteUint(uint64(fileSize), 3)
	w.WriteString(fileName, uploadFileNameLength)
	return serverPacket(dmtp_protocol.ServerFileUpload, w)
}

// NewPutFile 通知设备上传文件: 0x41 + 0(3) + 文件名(64)
func NewPutFile(fileName string) *Packet {
	w := payload.NewWriter(1 + 3 + uploadFileNameLength)
	w.WriteUint(uint64(dmtp_protocol.UploadTypePutFile), 1)
	w.WriteUint(0, 3)
	w.WriteString(fileName, uploadFileNameLength)
	return serverPacket(dmtp_protocol.ServerFileUpload, w)
}
