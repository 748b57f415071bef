package dmtp_protocol

// 帧结构常量
const (
	// HeaderBasic 二进制帧头字节
	HeaderBasic byte = 0xE0

	// MinHeaderLength 二进制帧最小长度: 头(1) + 类型(1) + 长度(1)
	MinHeaderLength = 3

	// MaxPayloadLength 载荷最大长度（单字节长度字段）
	MaxPayloadLength = 255

	// DefaultMaxPacketLength 流式组帧时单个包允许的最大字节数
	DefaultMaxPacketLength = 600

	// DefaultPort 默认服务端口
	DefaultPort = 31000

	// ASCII 帧标记
	AsciiStart    byte = '$'
	AsciiChecksum byte = '*'
	AsciiEOL      byte = '\r'
	AsciiLF       byte = '\n'

	// ASCII 编码标记字符
	EncodingCharHex    byte = ':'
	EncodingCharBase64 byte = '='
	EncodingCharCSV    byte = ','
)

// Encoding 线路编码
type Encoding int

const (
	EncodingUnknown     Encoding = -1
	EncodingBinary      Encoding = 0
	EncodingBase64      Encoding = 10
	EncodingBase64Cksum Encoding = 11
	EncodingHex         Encoding = 20
	EncodingHexCksum    Encoding = 21
	EncodingCSV         Encoding = 30
	EncodingCSVCksum    Encoding = 31
)

// 设备支持编码位掩码
const (
	SupportedEncodingBinary = 0x01
	SupportedEncodingBase64 = 0x02
	SupportedEncodingHex    = 0x04
	SupportedEncodingCSV    = 0x08
	SupportedEncodingAll    = SupportedEncodingBinary | SupportedEncodingBase64 | SupportedEncodingHex | SupportedEncodingCSV
)

// IsASCII 是否ASCII编码
func (e Encoding) IsASCII() bool {
	return e > 0
}

// HasChecksum 是否附带ASCII校验和
func (e Encoding) HasChecksum() bool {
	return e > 0 && e%10 != 0
}

// Base 去掉校验和标志后的编码
func (e Encoding) Base() Encoding {
	if e.HasChecksum() {
		return e - 1
	}
	return e
}

// WithChecksum 返回带/不带校验和的同类编码
func (e Encoding) WithChecksum(cksum bool) Encoding {
	if !e.IsASCII() {
		return e
	}
	if cksum {
		return e.Base() + 1
	}
	return e.Base()
}

// SupportedMask 编码对应的设备支持位
func (e Encoding) SupportedMask() int {
	switch e.Base() {
	case EncodingBinary:
		return SupportedEncodingBinary
	case EncodingBase64:
		return SupportedEncodingBase64
	case EncodingHex:
		return SupportedEncodingHex
	case EncodingCSV:
		return SupportedEncodingCSV
	default:
		return 0
	}
}

// Char ASCII编码标记字符，二进制/未知返回0
func (e Encoding) Char() byte {
	switch e.Base() {
	case EncodingHex:
		return EncodingCharHex
	case EncodingBase64:
		return EncodingCharBase64
	case EncodingCSV:
		return EncodingCharCSV
	default:
		return 0
	}
}

func (e Encoding) String() string {
	switch e {
	case EncodingBinary:
		return "binary"
	case EncodingBase64:
		return "base64"
	case EncodingBase64Cksum:
		return "base64+cksum"
	case EncodingHex:
		return "hex"
	case EncodingHexCksum:
		return "hex+cksum"
	case EncodingCSV:
		return "csv"
	case EncodingCSVCksum:
		return "csv+cksum"
	default:
		return "unknown"
	}
}

// ParseEncodingName 配置文件中的编码名称转换
func ParseEncodingName(name string) (Encoding, bool) {
	for _, e := range []Encoding{EncodingBinary, EncodingBase64, EncodingBase64Cksum, EncodingHex, EncodingHexCksum, EncodingCSV, EncodingCSVCksum} {
		if e.String() == name {
			return e, true
		}
	}
	return EncodingUnknown, false
}
