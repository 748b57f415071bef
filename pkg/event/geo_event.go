// Package event 事件解码: 按字段模板遍历事件包载荷，生成有序属性集
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
)

// 属性键名
const (
	FieldIPAddress  = "IPAddress"
	FieldDataSource = "DataSource"
	FieldRawData    = "RawData"

	FieldStatusCode  = "StatusCode"
	FieldTimestamp   = "Timestamp"
	FieldGeoPoint    = "GeoPoint"
	FieldSpeedKPH    = "SpeedKPH"
	FieldHeading     = "Heading"
	FieldAltitude    = "AltitudeM"
	FieldDistanceKM  = "DistanceKM"
	FieldOdometerKM  = "OdometerKM"
	FieldSequence    = "Sequence"
	FieldSeqLen      = "SeqLen"
	FieldGeofenceID  = "Geofence"
	FieldTopSpeedKPH = "TopSpeedKPH"
	FieldBrakeGForce = "BrakeGForce"
	FieldIndex       = "Index"

	FieldInputID     = "InputID"
	FieldInputState  = "InputState"
	FieldOutputID    = "OutputID"
	FieldOutputState = "OutputState"
	FieldElapsedTime = "ElapsedTime"
	FieldCounter     = "Counter"
	FieldSensor32LO  = "Sens32LO"
	FieldSensor32HI  = "Sens32HI"
	FieldSensor32AV  = "Sens32AV"
	FieldTempLO      = "TempLO"
	FieldTempHI      = "TempHI"
	FieldTempAV      = "TempAV"
	FieldEntity      = "Entity"
	FieldString      = "String"
	FieldBinary      = "Binary"

	FieldGPSAge          = "GPSAge"
	FieldGPSDgpsUpdate   = "GPSDgpsUpd"
	FieldGPSHorzAccuracy = "GPSHorzAcc"
	FieldGPSVertAccuracy = "GPSVertAcc"
	FieldGPSSatellites   = "GPSSats"
	FieldGPSMagVariation = "GPSMagVar"
	FieldGPSQuality      = "GPSQuality"
	FieldGPS2D3D         = "GPS2D3D"
	FieldGPSGeoidHeight  = "GPSGeoidHt"
	FieldGPSPDOP         = "GPSPDOP"
	FieldGPSHDOP         = "GPSHDOP"
	FieldGPSVDOP         = "GPSVDOP"

	FieldOBCValue        = "OBCValue"
	FieldOBCGeneric      = "OBCGeneric"
	FieldOBCJ1708Fault   = "OBCJ1708Fault"
	FieldOBCDistanceKM   = "OBCDistance"
	FieldOBCEngineHours  = "OBCEngHours"
	FieldOBCEngineRPM    = "OBCEngRPM"
	FieldOBCCoolantTemp  = "OBCCoolantTemp"
	FieldOBCCoolantLevel = "OBCCoolantLevel"
	FieldOBCOilLevel     = "OBCOilLevel"
	FieldOBCOilPressure  = "OBCOilPressure"
	FieldOBCFuelLevel    = "OBCFuelLevel"
	FieldOBCFuelEconomy  = "OBCFuelEcon"
	FieldOBCFuelTotal    = "OBCFuelTotal"
	FieldOBCFuelIdle     = "OBCFuelIdle"
)

// Key 数组型字段的键名: index>0 时为 "name.index"
func Key(name string, ndx int) string {
	if ndx <= 0 {
		return name
	}
	return fmt.Sprintf("%s.%d", name, ndx)
}

// GeoEvent 解码后的事件，属性按写入顺序保存
// 数值属性为 int64 或 float64，另有 string、[]byte、payload.GeoPoint。
type GeoEvent struct {
	Account string
	Device  string

	keys   []string
	values map[string]any
}

// New 创建空事件
func New() *GeoEvent {
	return &GeoEvent{values: make(map[string]any)}
}

// Set 设置属性，保留首次写入的位置
func (e *GeoEvent) Set(key string, v any) {
	if _, ok := e.values[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.values[key] = v
}

// SetIndexed 设置数组型属性
func (e *GeoEvent) SetIndexed(name string, ndx int, v any) {
	e.Set(Key(name, ndx), v)
}

// Get 读取属性
func (e *GeoEvent) Get(key string) (any, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Has 是否存在
func (e *GeoEvent) Has(key string) bool {
	_, ok := e.values[key]
	return ok
}

// Keys 属性键，按写入顺序
func (e *GeoEvent) Keys() []string {
	return append([]string(nil), e.keys...)
}

// Len 属性数量
func (e *GeoEvent) Len() int {
	return len(e.keys)
}

// Int 整数属性，浮点会被截断
func (e *GeoEvent) Int(key string, dft int64) int64 {
	switch v := e.values[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	}
	return dft
}

// Float 浮点属性
func (e *GeoEvent) Float(key string, dft float64) float64 {
	switch v := e.values[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return dft
}

// Text 字符串属性
func (e *GeoEvent) Text(key string, dft string) string {
	if v, ok := e.values[key].(string); ok {
		return v
	}
	return dft
}

// Bytes 二进制属性
func (e *GeoEvent) Bytes(key string) []byte {
	if v, ok := e.values[key].([]byte); ok {
		return v
	}
	return nil
}

// Point 坐标属性
func (e *GeoEvent) Point(key string) (payload.GeoPoint, bool) {
	v, ok := e.values[key].(payload.GeoPoint)
	return v, ok
}

// StatusCode 状态码
func (e *GeoEvent) StatusCode() uint16 {
	return uint16(e.Int(FieldStatusCode, 0))
}

// Timestamp 事件时间（秒）
func (e *GeoEvent) Timestamp() int64 {
	return e.Int(FieldTimestamp, 0)
}

// Time 事件时间
func (e *GeoEvent) Time() time.Time {
	return time.Unix(e.Timestamp(), 0)
}

// GeoPoint 位置，没有位置返回零值
func (e *GeoEvent) GeoPoint() payload.GeoPoint {
	gp, _ := e.Point(FieldGeoPoint)
	return gp
}

// Sequence 序列号，无序列号返回 -1
func (e *GeoEvent) Sequence() int64 {
	return e.Int(FieldSequence, -1)
}

// SequenceLength 序列号的原始字节宽度
func (e *GeoEvent) SequenceLength() int {
	return int(e.Int(FieldSeqLen, 0))
}

// IPAddress 来源地址
func (e *GeoEvent) IPAddress() string {
	return e.Text(FieldIPAddress, "")
}

// RawData 原始包文本
func (e *GeoEvent) RawData() string {
	return e.Text(FieldRawData, "")
}

// Map 属性副本，[]byte 保持原样
func (e *GeoEvent) Map() map[string]any {
	m := make(map[string]any, len(e.values)+2)
	for k, v := range e.values {
		m[k] = v
	}
	if e.Account != "" {
		m["Account"] = e.Account
	}
	if e.Device != "" {
		m["Device"] = e.Device
	}
	return m
}

// MarshalJSON 按写入顺序输出属性
func (e *GeoEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(k string, v any) error {
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", k, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return nil
	}
	if e.Account != "" {
		if err := write("Account", e.Account); err != nil {
			return nil, err
		}
	}
	if e.Device != "" {
		if err := write("Device", e.Device); err != nil {
			return nil, err
		}
	}
	for _, k := range e.keys {
		if err := write(k, e.values[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Summary 日志用摘要（不含原始数据）
func (e *GeoEvent) Summary() string {
	parts := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		if k == FieldRawData {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.values[k]))
	}
	return strings.Join(parts, " ")
}

// CSVRecord 归档行: 日期,时间,状态描述,纬度,经度,速度,方向,海拔
func (e *GeoEvent) CSVRecord(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	ts := e.Time().In(loc)
	gp := e.GeoPoint()
	return fmt.Sprintf("%s,%s,%s,%.5f,%.5f,%.1f,%.1f,%.1f",
		ts.Format("2006/01/02"), ts.Format("15:04:05"), dmtp_protocol.StatusDescription(e.StatusCode()),
		gp.Latitude, gp.Longitude,
		e.Float(FieldSpeedKPH, 0), e.Float(FieldHeading, 0), e.Float(FieldAltitude, 0))
}
