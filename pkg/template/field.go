package template

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
)

// FieldType 字段类型（7位）
type FieldType uint8

const (
	FieldStatusCode  FieldType = 0x01
	FieldTimestamp   FieldType = 0x02
	FieldIndex       FieldType = 0x03
	FieldSequence    FieldType = 0x04
	FieldGPSPoint    FieldType = 0x06
	FieldGPSAge      FieldType = 0x07
	FieldSpeed       FieldType = 0x08
	FieldHeading     FieldType = 0x09
	FieldAltitude    FieldType = 0x0A
	FieldDistance    FieldType = 0x0B
	FieldOdometer    FieldType = 0x0C
	FieldGeofenceID  FieldType = 0x0E
	FieldTopSpeed    FieldType = 0x0F
	FieldBrakeGForce FieldType = 0x10
	FieldString      FieldType = 0x11
	FieldStringPad   FieldType = 0x12
	FieldEntity      FieldType = 0x15
	FieldEntityPad   FieldType = 0x16
	FieldBinary      FieldType = 0x1A

	FieldInputID     FieldType = 0x21
	FieldInputState  FieldType = 0x22
	FieldOutputID    FieldType = 0x24
	FieldOutputState FieldType = 0x25
	FieldElapsedTime FieldType = 0x27
	FieldCounter     FieldType = 0x28
	FieldSensor32Low FieldType = 0x31
	FieldSensor32Hi  FieldType = 0x32
	FieldSensor32Avg FieldType = 0x33
	FieldTempLow     FieldType = 0x3A
	FieldTempHigh    FieldType = 0x3B
	FieldTempAvg     FieldType = 0x3C

	FieldGPSDgpsUpdate   FieldType = 0x41
	FieldGPSHorzAccuracy FieldType = 0x42
	FieldGPSVertAccuracy FieldType = 0x43
	FieldGPSSatellites   FieldType = 0x44
	FieldGPSMagVariation FieldType = 0x45
	FieldGPSQuality      FieldType = 0x46
	FieldGPSType         FieldType = 0x47
	FieldGPSGeoidHeight  FieldType = 0x48
	FieldGPSPDOP         FieldType = 0x49
	FieldGPSHDOP         FieldType = 0x4A
	FieldGPSVDOP         FieldType = 0x4B

	FieldOBCValue        FieldType = 0x50
	FieldOBCGeneric      FieldType = 0x51
	FieldOBCJ1708Fault   FieldType = 0x52
	FieldOBCDistance     FieldType = 0x54
	FieldOBCEngineHours  FieldType = 0x57
	FieldOBCEngineRPM    FieldType = 0x58
	FieldOBCCoolantTemp  FieldType = 0x59
	FieldOBCCoolantLevel FieldType = 0x5A
	FieldOBCOilLevel     FieldType = 0x5B
	FieldOBCOilPressure  FieldType = 0x5C
	FieldOBCFuelLevel    FieldType = 0x5D
	FieldOBCFuelEconomy  FieldType = 0x5E
	FieldOBCFuelTotal    FieldType = 0x5F
	FieldOBCFuelIdle     FieldType = 0x60
)

var knownFieldTypes = map[FieldType]struct{}{}

func init() {
	for _, t := range []FieldType{
		FieldStatusCode, FieldTimestamp, FieldIndex, FieldSequence, FieldGPSPoint, FieldGPSAge,
		FieldSpeed, FieldHeading, FieldAltitude, FieldDistance, FieldOdometer, FieldGeofenceID,
		FieldTopSpeed, FieldBrakeGForce, FieldString, FieldStringPad, FieldEntity, FieldEntityPad,
		FieldBinary, FieldInputID, FieldInputState, FieldOutputID, FieldOutputState, FieldElapsedTime,
		FieldCounter, FieldSensor32Low, FieldSensor32Hi, FieldSensor32Avg, FieldTempLow, FieldTempHigh,
		FieldTempAvg, FieldGPSDgpsUpdate, FieldGPSHorzAccuracy, FieldGPSVertAccuracy, FieldGPSSatellites,
		FieldGPSMagVariation, FieldGPSQuality, FieldGPSType, FieldGPSGeoidHeight, FieldGPSPDOP,
		FieldGPSHDOP, FieldGPSVDOP, FieldOBCValue, FieldOBCGeneric, FieldOBCJ1708Fault, FieldOBCDistance,
		FieldOBCEngineHours, FieldOBCEngineRPM, FieldOBCCoolantTemp, FieldOBCCoolantLevel,
		FieldOBCOilLevel, FieldOBCOilPressure, FieldOBCFuelLevel, FieldOBCFuelEconomy,
		FieldOBCFuelTotal, FieldOBCFuelIdle,
	} {
		knownFieldTypes[t] = struct{}{}
	}
}

// IsKnown 是否已识别的字段类型
func (t FieldType) IsKnown() bool {
	_, ok := knownFieldTypes[t]
	return ok
}

// PrimitiveKind 字段的基础编码类别
type PrimitiveKind uint8

const (
	PrimitiveLong   PrimitiveKind = 0x10
	PrimitiveGPS    PrimitiveKind = 0x30
	PrimitiveString PrimitiveKind = 0x40
	PrimitiveBinary PrimitiveKind = 0x50
)

// Field 字段描述符 {type, hiRes, index, length}，不可变
type Field struct {
	Type   FieldType
	HiRes  bool
	Index  int
	Length int
}

// NewField 创建字段描述符
func NewField(t FieldType, hiRes bool, index, length int) Field {
	return Field{Type: t, HiRes: hiRes, Index: index, Length: length}
}

// FieldFromMask 从24位掩码解析字段
//
//	ABBBBBBB CCCCCCCC DDDDDDDD
//	A 高精度  B 类型  C 索引  D 长度
func FieldFromMask(mask uint32) Field {
	return Field{
		Type:   FieldType((mask >> 16) & 0x7F),
		HiRes:  mask&0x800000 != 0,
		Index:  int((mask >> 8) & 0xFF),
		Length: int(mask & 0xFF),
	}
}

// Mask 24位掩码
func (f Field) Mask() uint32 {
	m := uint32(f.Type&0x7F)<<16 | uint32(f.Index&0xFF)<<8 | uint32(f.Length&0xFF)
	if f.HiRes {
		m |= 0x800000
	}
	return m
}

// PrimitiveKind 基础编码类别
func (f Field) PrimitiveKind() PrimitiveKind {
	switch f.Type {
	case FieldGPSPoint:
		return PrimitiveGPS
	case FieldString, FieldStringPad, FieldEntity, FieldEntityPad:
		return PrimitiveString
	case FieldBinary:
		return PrimitiveBinary
	default:
		return PrimitiveLong
	}
}

// IsValidType 长度大于0且类型已识别
func (f Field) IsValidType() bool {
	return f.Length > 0 && f.Type.IsKnown()
}

// IsSigned 是否有符号数值
func (f Field) IsSigned() bool {
	switch f.Type {
	case FieldGPSMagVariation, FieldGPSGeoidHeight, FieldAltitude,
		FieldTempLow, FieldTempHigh, FieldTempAvg:
		return true
	}
	return false
}

// IsHex CSV中是否以十六进制输出
func (f Field) IsHex() bool {
	switch f.Type {
	case FieldHeading:
		return !f.HiRes
	case FieldStatusCode, FieldSequence, FieldInputID, FieldInputState,
		FieldOutputID, FieldOutputState, FieldGeofenceID:
		return true
	}
	return false
}

// IsHiRes 是否高精度
func (f Field) IsHiRes() bool {
	return f.HiRes
}

// IsPadded 定长字符串
func (f Field) IsPadded() bool {
	return f.Type == FieldStringPad || f.Type == FieldEntityPad
}

// String 形如 "type|H|index|length"
func (f Field) String() string {
	res := "L"
	if f.HiRes {
		res = "H"
	}
	return fmt.Sprintf("%d|%s|%d|%d", f.Type, res, f.Index, f.Length)
}

// ParseField 解析 String() 的输出
func ParseField(s string) (Field, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return Field{}, fmt.Errorf("invalid field %q", s)
	}
	t, err := strconv.Atoi(parts[0])
	if err != nil || t < 0 || t > 0x7F {
		return Field{}, fmt.Errorf("invalid field type %q", parts[0])
	}
	ndx, err := strconv.Atoi(parts[2])
	if err != nil {
		return Field{}, fmt.Errorf("invalid field index %q", parts[2])
	}
	length, err := strconv.Atoi(parts[3])
	if err != nil {
		return Field{}, fmt.Errorf("invalid field length %q", parts[3])
	}
	return Field{
		Type:   FieldType(t),
		HiRes:  strings.EqualFold(parts[1], "H"),
		Index:  ndx,
		Length: length,
	}, nil
}

// FormatCSV 从 r 读取本字段并格式化为CSV值
func (f Field) FormatCSV(r *payload.Payload) string {
	switch f.PrimitiveKind() {
	case PrimitiveGPS:
		gp := r.ReadGPS(f.Length)
		if f.HiRes {
			return gp.Format(5)
		}
		return gp.Format(4)
	case PrimitiveString:
		return r.ReadString(f.Length, !f.IsPadded())
	case PrimitiveBinary:
		return "0x" + strings.ToUpper(hex.EncodeToString(r.ReadBytes(f.Length)))
	default:
		if f.IsHex() {
			v := r.ReadUint(f.Length, 0)
			return fmt.Sprintf("0x%0*X", f.Length*2, v)
		}
		if f.IsSigned() {
			return strconv.FormatInt(r.ReadInt(f.Length, 0), 10)
		}
		return strconv.FormatUint(r.ReadUint(f.Length, 0), 10)
	}
}

// ParseCSV 从 tokens[i] 开始解析本字段写入 w，返回下一个 token 下标
// GPS 字段占用两个 token（纬度、经度）。
func (f Field) ParseCSV(tokens []string, i int, w *payload.Payload) int {
	if i >= len(tokens) {
		return i
	}
	switch f.PrimitiveKind() {
	case PrimitiveGPS:
		lat, _ := strconv.ParseFloat(strings.TrimSpace(tokens[i]), 64)
		i++
		var lon float64
		if i < len(tokens) {
			lon, _ = strconv.ParseFloat(strings.TrimSpace(tokens[i]), 64)
			i++
		}
		w.WriteGPS(payload.NewGeoPoint(lat, lon), f.Length)
	case PrimitiveString:
		if f.IsPadded() {
			w.WriteBytes([]byte(tokens[i]), f.Length)
		} else {
			w.WriteString(tokens[i], f.Length)
		}
		i++
	case PrimitiveBinary:
		w.WriteBytes(parseHexToken(tokens[i]), f.Length)
		i++
	default:
		w.WriteUint(parseLongToken(tokens[i]), f.Length)
		i++
	}
	return i
}

func parseHexToken(s string) []byte {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return []byte{}
	}
	return b
}

func parseLongToken(s string) uint64 {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0
		}
		return v
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return uint64(v)
	}
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
