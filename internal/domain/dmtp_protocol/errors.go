package dmtp_protocol

import "fmt"

// ServerErrorCode 服务器回给设备的16位错误码(NAK)
type ServerErrorCode uint16

const (
	NakOK ServerErrorCode = 0x0000

	// 身份
	NakIDInvalid            ServerErrorCode = 0xF011
	NakAccountInvalid       ServerErrorCode = 0xF021
	NakAccountInactive      ServerErrorCode = 0xF022
	NakAccountError         ServerErrorCode = 0xF023
	NakDeviceInvalid        ServerErrorCode = 0xF031
	NakDeviceInactive       ServerErrorCode = 0xF032
	NakDeviceError          ServerErrorCode = 0xF033
	NakExcessiveConnections ServerErrorCode = 0xF041

	// 包结构
	NakPacketHeader   ServerErrorCode = 0xF111
	NakPacketType     ServerErrorCode = 0xF112
	NakPacketLength   ServerErrorCode = 0xF113
	NakPacketPayload  ServerErrorCode = 0xF114
	NakPacketEncoding ServerErrorCode = 0xF115
	NakPacketChecksum ServerErrorCode = 0xF116

	// 协议
	NakBlockChecksum ServerErrorCode = 0xF311
	NakProtocolError ServerErrorCode = 0xF312

	// 格式/事件
	NakFormatDefinitionInvalid ServerErrorCode = 0xF411
	NakFormatNotSupported      ServerErrorCode = 0xF421
	NakFormatNotRecognized     ServerErrorCode = 0xF422
	NakExcessiveEvents         ServerErrorCode = 0xF431
	NakDuplicateEvent          ServerErrorCode = 0xF432
	NakEventError              ServerErrorCode = 0xF441
)

var serverErrorDescriptions = map[ServerErrorCode]string{
	NakOK:                      "OK",
	NakIDInvalid:               "Invalid unique ID",
	NakAccountInvalid:          "Invalid account ID",
	NakAccountInactive:         "Account inactive",
	NakAccountError:            "Account error",
	NakDeviceInvalid:           "Invalid device ID",
	NakDeviceInactive:          "Device inactive",
	NakDeviceError:             "Device error",
	NakExcessiveConnections:    "Excessive connections",
	NakPacketHeader:            "Invalid packet header",
	NakPacketType:              "Invalid packet type",
	NakPacketLength:            "Invalid packet length",
	NakPacketPayload:           "Invalid packet payload",
	NakPacketEncoding:          "Unsupported packet encoding",
	NakPacketChecksum:          "Invalid packet checksum",
	NakBlockChecksum:           "Invalid block checksum",
	NakProtocolError:           "Protocol error",
	NakFormatDefinitionInvalid: "Invalid custom format definition",
	NakFormatNotSupported:      "Custom format not supported",
	NakFormatNotRecognized:     "Custom format not recognized",
	NakExcessiveEvents:         "Excessive events",
	NakDuplicateEvent:          "Duplicate event",
	NakEventError:              "Event error",
}

// Description 错误码描述
func (c ServerErrorCode) Description() string {
	if s, ok := serverErrorDescriptions[c]; ok {
		return s
	}
	return "Unknown error"
}

func (c ServerErrorCode) String() string {
	return fmt.Sprintf("0x%04X(%s)", uint16(c), c.Description())
}

// ClientErrorCode 设备上报的错误码
type ClientErrorCode uint16

const (
	ClientErrPacketHeader   ClientErrorCode = 0xF111
	ClientErrPacketType     ClientErrorCode = 0xF112
	ClientErrPacketLength   ClientErrorCode = 0xF113
	ClientErrPacketEncoding ClientErrorCode = 0xF114
	ClientErrPacketPayload  ClientErrorCode = 0xF115
	ClientErrPacketChecksum ClientErrorCode = 0xF116
	ClientErrPacketAck      ClientErrorCode = 0xF117
	ClientErrProtocolError  ClientErrorCode = 0xF121

	ClientErrPropertyReadOnly     ClientErrorCode = 0xF201
	ClientErrPropertyWriteOnly    ClientErrorCode = 0xF202
	ClientErrPropertyInvalidID    ClientErrorCode = 0xF211
	ClientErrPropertyInvalidValue ClientErrorCode = 0xF212
	ClientErrPropertyUnknown      ClientErrorCode = 0xF213

	ClientErrCommandInvalid ClientErrorCode = 0xF311
	ClientErrCommandError   ClientErrorCode = 0xF321

	ClientErrUploadType     ClientErrorCode = 0xF401
	ClientErrUploadPacket   ClientErrorCode = 0xF402
	ClientErrUploadLength   ClientErrorCode = 0xF403
	ClientErrUploadChecksum ClientErrorCode = 0xF408
	ClientErrUploadSave     ClientErrorCode = 0xF409

	ClientErrGPSExpired ClientErrorCode = 0xF911
	ClientErrGPSFailure ClientErrorCode = 0xF912
)

var clientErrorDescriptions = map[ClientErrorCode]string{
	ClientErrPacketHeader:         "Invalid packet header",
	ClientErrPacketType:           "Invalid packet type",
	ClientErrPacketLength:         "Invalid packet length",
	ClientErrPacketEncoding:       "Unsupported packet encoding",
	ClientErrPacketPayload:        "Invalid packet payload",
	ClientErrPacketChecksum:       "Invalid packet checksum",
	ClientErrPacketAck:            "Invalid ACK sequence",
	ClientErrProtocolError:        "Protocol error",
	ClientErrPropertyReadOnly:     "Property is read-only",
	ClientErrPropertyWriteOnly:    "Property is write-only",
	ClientErrPropertyInvalidID:    "Invalid property ID",
	ClientErrPropertyInvalidValue: "Invalid property value",
	ClientErrPropertyUnknown:      "Unknown property error",
	ClientErrCommandInvalid:       "Invalid command",
	ClientErrCommandError:         "Command error",
	ClientErrUploadType:           "Invalid upload type",
	ClientErrUploadPacket:         "Invalid upload packet",
	ClientErrUploadLength:         "Invalid upload length",
	ClientErrUploadChecksum:       "Upload checksum error",
	ClientErrUploadSave:           "Unable to save upload",
	ClientErrGPSExpired:           "GPS fix expired",
	ClientErrGPSFailure:           "GPS receiver failure",
}

// Description 错误码描述
func (c ClientErrorCode) Description() string {
	if s, ok := clientErrorDescriptions[c]; ok {
		return s
	}
	return "Unknown client error"
}

// ParseError 包解析/协议处理失败
// Code 为回给设备的错误码；Packet 为出错的包（可能为空）；Data 为附加到错误包尾部的数据；
// Terminate 表示会话必须结束。
type ParseError struct {
	Code      ServerErrorCode
	Packet    PacketRef
	Data      []byte
	Terminate bool
	Cause     error
}

// PacketRef 出错包的帧头与类型，用于填充服务器错误包
type PacketRef struct {
	Set    bool
	Header byte
	Type   PacketType
}

// Ref 构造包引用
func Ref(header byte, t PacketType) PacketRef {
	return PacketRef{Set: true, Header: header, Type: t}
}

// NewParseError 创建解析错误
func NewParseError(code ServerErrorCode, ref PacketRef) *ParseError {
	return &ParseError{Code: code, Packet: ref}
}

// WithData 附加数据
func (e *ParseError) WithData(data []byte) *ParseError {
	e.Data = data
	return e
}

// WithTerminate 标记会话终止
func (e *ParseError) WithTerminate() *ParseError {
	e.Terminate = true
	return e
}

// WithCause 记录底层原因
func (e *ParseError) WithCause(err error) *ParseError {
	e.Cause = err
	return e
}

// AttachPacket 若尚未关联包则关联
func (e *ParseError) AttachPacket(ref PacketRef) {
	if !e.Packet.Set {
		e.Packet = ref
	}
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("dmtp: %s", e.Code)
	if e.Packet.Set {
		msg += fmt.Sprintf(" [%02X:%02X]", e.Packet.Header, uint8(e.Packet.Type))
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}
