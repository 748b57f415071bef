package template

import (
	"fmt"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
)

// MaxFieldCount 模板字段数上限（解码时的安全上限）
const MaxFieldCount = 128

// Template 某包类型的有序字段模板
type Template struct {
	packetType dmtp_protocol.PacketType
	fields     []Field
	repeatLast bool
}

// New 创建模板，字段切片会被复制
func New(t dmtp_protocol.PacketType, fields []Field, repeatLast bool) *Template {
	return &Template{
		packetType: t,
		fields:     append([]Field(nil), fields...),
		repeatLast: repeatLast,
	}
}

// PacketType 模板对应的包类型
func (t *Template) PacketType() dmtp_protocol.PacketType {
	return t.packetType
}

// RepeatLast 超出字段数时是否重复最后一个字段
func (t *Template) RepeatLast() bool {
	return t.repeatLast
}

// FieldCount 声明的字段数
func (t *Template) FieldCount() int {
	return len(t.fields)
}

// Fields 字段副本
func (t *Template) Fields() []Field {
	return append([]Field(nil), t.fields...)
}

// GetField 第 i 个字段；超出范围且 repeatLast 时返回最后一个字段
func (t *Template) GetField(i int) (Field, bool) {
	if i < 0 || len(t.fields) == 0 {
		return Field{}, false
	}
	if i < len(t.fields) {
		return t.fields[i], true
	}
	if t.repeatLast {
		return t.fields[len(t.fields)-1], true
	}
	return Field{}, false
}

// TotalLength 声明字段的长度和
func (t *Template) TotalLength() int {
	n := 0
	for _, f := range t.fields {
		n += f.Length
	}
	return n
}

// Equal 包类型、字段、repeatLast 完全一致
func (t *Template) Equal(o *Template) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.packetType != o.packetType || t.repeatLast != o.repeatLast || len(t.fields) != len(o.fields) {
		return false
	}
	for i := range t.fields {
		if t.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

func (t *Template) String() string {
	parts := make([]string, len(t.fields))
	for i, f := range t.fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("0x%02X[%s]", uint8(t.packetType), strings.Join(parts, ","))
}

// ParseDefinition 解析自定义格式定义包(0xCF)的载荷
// 格式: 自定义类型(1) + 字段数N(1) + N个3字节字段掩码。
// 类型不在 0x70-0x7F、字段不足、字段无效、长度和超过255 都返回 NAK_FORMAT_DEFINITION_INVALID。
func ParseDefinition(data []byte) (*Template, error) {
	r := payload.NewReader(data)
	custType := dmtp_protocol.PacketType(r.ReadUint(1, 0))
	if !dmtp_protocol.IsCustomFormatType(custType) {
		return nil, invalidDefinition(custType, "not a custom format type")
	}

	numFlds := int(r.ReadUint(1, 0))
	if !r.IsValidReadLength(numFlds * 3) {
		return nil, invalidDefinition(custType, "insufficient field data")
	}

	fields := make([]Field, 0, numFlds)
	accumLen := 0
	for i := 0; i < numFlds; i++ {
		f := FieldFromMask(uint32(r.ReadUint(3, 0)))
		if !f.IsValidType() {
			return nil, invalidDefinition(custType, fmt.Sprintf("invalid field %s", f))
		}
		accumLen += f.Length
		if accumLen > dmtp_protocol.MaxPayloadLength {
			return nil, invalidDefinition(custType, "field lengths exceed payload size")
		}
		fields = append(fields, f)
	}
	return New(custType, fields, false), nil
}

func invalidDefinition(custType dmtp_protocol.PacketType, reason string) error {
	return dmtp_protocol.NewParseError(dmtp_protocol.NakFormatDefinitionInvalid, dmtp_protocol.PacketRef{}).
		WithData([]byte{byte(custType)}).
		WithCause(fmt.Errorf("%s", reason))
}

// EncodeDefinition 编码为自定义格式定义包载荷
func (t *Template) EncodeDefinition() []byte {
	w := payload.NewWriter(2 + 3*len(t.fields))
	w.WriteUint(uint64(t.packetType), 1)
	w.WriteUint(uint64(len(t.fields)), 1)
	for _, f := range t.fields {
		w.WriteUint(uint64(f.Mask()), 3)
	}
	return w.Bytes()
}
