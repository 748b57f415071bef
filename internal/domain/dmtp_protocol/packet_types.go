package dmtp_protocol

import "fmt"

// PacketType 包类型
type PacketType uint8

// 客户端 -> 服务器
const (
	ClientEOBDone       PacketType = 0x00 // 块结束，没有更多数据
	ClientEOBMore       PacketType = 0x01 // 块结束，还有数据
	ClientUniqueID      PacketType = 0x11
	ClientAccountID     PacketType = 0x12
	ClientDeviceID      PacketType = 0x13
	ClientFixedFmtStd   PacketType = 0x30
	ClientFixedFmtHigh  PacketType = 0x31
	ClientDmtpFmtFirst  PacketType = 0x50 // 厂商格式 0x50-0x5F
	ClientDmtpFmtLast   PacketType = 0x5F
	ClientCustomFmt0    PacketType = 0x70 // 自定义格式 0x70-0x7F
	ClientCustomFmtLast PacketType = 0x7F
	ClientProperty      PacketType = 0xB0
	ClientFormatDef24   PacketType = 0xCF
	ClientDiagnostic    PacketType = 0xD0
	ClientError         PacketType = 0xE0
)

// 服务器 -> 客户端
const (
	ServerEOBDone        PacketType = 0x00
	ServerEOBSpeakFreely PacketType = 0x01
	ServerAck            PacketType = 0xA0
	ServerGetProperty    PacketType = 0xB0
	ServerSetProperty    PacketType = 0xB1
	ServerFileUpload     PacketType = 0xC0
	ServerError          PacketType = 0xE0
	ServerEOT            PacketType = 0xFF
)

// Category 客户端包分类，会话引擎按分类分发
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryDialog            // EOB
	CategoryIdentity          // 唯一ID/账号/设备
	CategoryFixedEvent        // 固定格式事件
	CategoryProviderEvent     // 厂商格式事件
	CategoryCustomEvent       // 自定义格式事件
	CategoryProperty
	CategoryFormatDef
	CategoryDiagnostic
	CategoryError
)

var categoryNames = map[Category]string{
	CategoryUnknown:       "unknown",
	CategoryDialog:        "dialog",
	CategoryIdentity:      "identity",
	CategoryFixedEvent:    "fixed-event",
	CategoryProviderEvent: "provider-event",
	CategoryCustomEvent:   "custom-event",
	CategoryProperty:      "property",
	CategoryFormatDef:     "format-definition",
	CategoryDiagnostic:    "diagnostic",
	CategoryError:         "error",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// IsEvent 是否遥测事件类
func (c Category) IsEvent() bool {
	return c == CategoryFixedEvent || c == CategoryProviderEvent || c == CategoryCustomEvent
}

// clientCategories 按类型号索引的分类表
var clientCategories = func() [256]Category {
	var t [256]Category
	t[ClientEOBDone] = CategoryDialog
	t[ClientEOBMore] = CategoryDialog
	t[ClientUniqueID] = CategoryIdentity
	t[ClientAccountID] = CategoryIdentity
	t[ClientDeviceID] = CategoryIdentity
	t[ClientFixedFmtStd] = CategoryFixedEvent
	t[ClientFixedFmtHigh] = CategoryFixedEvent
	for i := int(ClientDmtpFmtFirst); i <= int(ClientDmtpFmtLast); i++ {
		t[i] = CategoryProviderEvent
	}
	for i := int(ClientCustomFmt0); i <= int(ClientCustomFmtLast); i++ {
		t[i] = CategoryCustomEvent
	}
	t[ClientProperty] = CategoryProperty
	t[ClientFormatDef24] = CategoryFormatDef
	t[ClientDiagnostic] = CategoryDiagnostic
	t[ClientError] = CategoryError
	return t
}()

// ClassifyClient 客户端包类型分类
func ClassifyClient(t PacketType) Category {
	return clientCategories[t]
}

// IsEventType 是否事件包类型
func IsEventType(t PacketType) bool {
	return ClassifyClient(t).IsEvent()
}

// IsCustomFormatType 是否自定义格式类型(0x70-0x7F)
func IsCustomFormatType(t PacketType) bool {
	return ClassifyClient(t) == CategoryCustomEvent
}

// IsValidServerType 是否已知的服务器包类型
func IsValidServerType(t PacketType) bool {
	switch t {
	case ServerEOBDone, ServerEOBSpeakFreely, ServerAck, ServerGetProperty,
		ServerSetProperty, ServerFileUpload, ServerError, ServerEOT:
		return true
	}
	return false
}

// ClientTypeName 客户端包类型名称（日志用）
func ClientTypeName(t PacketType) string {
	switch t {
	case ClientEOBDone:
		return "EOB_DONE"
	case ClientEOBMore:
		return "EOB_MORE"
	case ClientUniqueID:
		return "UNIQUE_ID"
	case ClientAccountID:
		return "ACCOUNT_ID"
	case ClientDeviceID:
		return "DEVICE_ID"
	case ClientFixedFmtStd:
		return "FIXED_FMT_STD"
	case ClientFixedFmtHigh:
		return "FIXED_FMT_HIGH"
	case ClientProperty:
		return "PROPERTY"
	case ClientFormatDef24:
		return "FORMAT_DEF_24"
	case ClientDiagnostic:
		return "DIAGNOSTIC"
	case ClientError:
		return "ERROR"
	}
	switch ClassifyClient(t) {
	case CategoryProviderEvent:
		return fmt.Sprintf("DMTP_FMT_%X", uint8(t-ClientDmtpFmtFirst))
	case CategoryCustomEvent:
		return fmt.Sprintf("CUSTOM_FMT_%X", uint8(t-ClientCustomFmt0))
	}
	return fmt.Sprintf("0x%02X", uint8(t))
}

// ServerTypeName 服务器包类型名称（日志用）
func ServerTypeName(t PacketType) string {
	switch t {
	case ServerEOBDone:
		return "EOB_DONE"
	case ServerEOBSpeakFreely:
		return "EOB_SPEAK_FREELY"
	case ServerAck:
		return "ACK"
	case ServerGetProperty:
		return "GET_PROPERTY"
	case ServerSetProperty:
		return "SET_PROPERTY"
	case ServerFileUpload:
		return "FILE_UPLOAD"
	case ServerError:
		return "ERROR"
	case ServerEOT:
		return "EOT"
	}
	return fmt.Sprintf("0x%02X", uint8(t))
}
