package event

import (
	"fmt"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
)

// InvalidTemperature 无效温度
const InvalidTemperature = -99999

// fieldDecoder 某字段类型的解码规则
// indexed 为真时键名带上字段索引。
type fieldDecoder struct {
	name    string
	indexed bool
	decode  func(r *payload.Payload, f template.Field) any
}

func ulong(r *payload.Payload, f template.Field) any {
	return int64(r.ReadUint(f.Length, 0))
}

// scaledU 无符号，高精度时除以 div
func scaledU(div float64) func(*payload.Payload, template.Field) any {
	return func(r *payload.Payload, f template.Field) any {
		v := float64(r.ReadUint(f.Length, 0))
		if f.HiRes {
			return v / div
		}
		return v
	}
}

// scaledS 有符号，高精度时除以 div
func scaledS(div float64) func(*payload.Payload, template.Field) any {
	return func(r *payload.Payload, f template.Field) any {
		v := float64(r.ReadInt(f.Length, 0))
		if f.HiRes {
			return v / div
		}
		return v
	}
}

// fixedU 无符号，固定除以 div
func fixedU(div float64) func(*payload.Payload, template.Field) any {
	return func(r *payload.Payload, f template.Field) any {
		return float64(r.ReadUint(f.Length, 0)) / div
	}
}

// fixedS 有符号，固定除以 div
func fixedS(div float64) func(*payload.Payload, template.Field) any {
	return func(r *payload.Payload, f template.Field) any {
		return float64(r.ReadInt(f.Length, 0)) / div
	}
}

// percent 低精度为百分数，高精度为千分数，结果为0-1的比例
func percent(r *payload.Payload, f template.Field) any {
	v := float64(r.ReadUint(f.Length, 0))
	if f.HiRes {
		return v / 1000.0
	}
	return v / 100.0
}

func temperature(r *payload.Payload, f template.Field) any {
	v := r.ReadInt(f.Length, InvalidTemperature)
	if f.Length == 1 && (v > 126 || v < -126) {
		v = InvalidTemperature
	}
	if f.HiRes {
		return float64(v) / 10.0
	}
	return float64(v)
}

func heading(r *payload.Payload, f template.Field) any {
	v := float64(r.ReadUint(f.Length, 0))
	if f.HiRes {
		return v / 100.0
	}
	return v * 360.0 / 255.0
}

func elapsedMillis(r *payload.Payload, f template.Field) any {
	v := int64(r.ReadUint(f.Length, 0))
	if f.HiRes {
		return v
	}
	return v * 1000
}

func gps(r *payload.Payload, f template.Field) any {
	return r.ReadGPS(f.Length)
}

func stringVar(r *payload.Payload, f template.Field) any {
	return r.ReadString(f.Length, true)
}

func stringPad(r *payload.Payload, f template.Field) any {
	return r.ReadString(f.Length, false)
}

func binary(r *payload.Payload, f template.Field) any {
	return r.ReadBytes(f.Length)
}

// fieldDecoders 字段类型 -> 解码规则
var fieldDecoders = map[template.FieldType]fieldDecoder{
	template.FieldStatusCode:  {FieldStatusCode, false, ulong},
	template.FieldTimestamp:   {FieldTimestamp, false, ulong},
	template.FieldIndex:       {FieldIndex, false, ulong},
	template.FieldGPSPoint:    {FieldGeoPoint, false, gps},
	template.FieldSpeed:       {FieldSpeedKPH, false, scaledU(10)},
	template.FieldHeading:     {FieldHeading, false, heading},
	template.FieldAltitude:    {FieldAltitude, false, scaledS(10)},
	template.FieldDistance:    {FieldDistanceKM, false, scaledU(10)},
	template.FieldOdometer:    {FieldOdometerKM, false, scaledU(10)},
	template.FieldSequence:    {FieldSequence, false, ulong},
	template.FieldGeofenceID:  {FieldGeofenceID, true, ulong},
	template.FieldTopSpeed:    {FieldTopSpeedKPH, true, scaledU(10)},
	template.FieldBrakeGForce: {FieldBrakeGForce, false, fixedS(10)},
	template.FieldString:      {FieldString, true, stringVar},
	template.FieldStringPad:   {FieldString, true, stringPad},
	template.FieldEntity:      {FieldEntity, true, stringVar},
	template.FieldEntityPad:   {FieldEntity, true, stringPad},
	template.FieldBinary:      {FieldBinary, true, binary},

	template.FieldInputID:     {FieldInputID, false, ulong},
	template.FieldInputState:  {FieldInputState, false, ulong},
	template.FieldOutputID:    {FieldOutputID, false, ulong},
	template.FieldOutputState: {FieldOutputState, false, ulong},
	template.FieldElapsedTime: {FieldElapsedTime, true, elapsedMillis},
	template.FieldCounter:     {FieldCounter, true, ulong},
	template.FieldSensor32Low: {FieldSensor32LO, true, ulong},
	template.FieldSensor32Hi:  {FieldSensor32HI, true, ulong},
	template.FieldSensor32Avg: {FieldSensor32AV, true, ulong},
	template.FieldTempLow:     {FieldTempLO, true, temperature},
	template.FieldTempHigh:    {FieldTempHI, true, temperature},
	template.FieldTempAvg:     {FieldTempAV, true, temperature},

	template.FieldGPSAge:          {FieldGPSAge, false, ulong},
	template.FieldGPSDgpsUpdate:   {FieldGPSDgpsUpdate, false, ulong},
	template.FieldGPSHorzAccuracy: {FieldGPSHorzAccuracy, false, scaledU(10)},
	template.FieldGPSVertAccuracy: {FieldGPSVertAccuracy, false, scaledU(10)},
	template.FieldGPSSatellites:   {FieldGPSSatellites, false, ulong},
	template.FieldGPSMagVariation: {FieldGPSMagVariation, false, fixedS(100)},
	template.FieldGPSQuality:      {FieldGPSQuality, false, ulong},
	template.FieldGPSType:         {FieldGPS2D3D, false, ulong},
	template.FieldGPSGeoidHeight:  {FieldGPSGeoidHeight, false, scaledS(10)},
	template.FieldGPSPDOP:         {FieldGPSPDOP, false, fixedS(10)},
	template.FieldGPSHDOP:         {FieldGPSHDOP, false, fixedS(10)},
	template.FieldGPSVDOP:         {FieldGPSVDOP, false, fixedS(10)},

	template.FieldOBCValue:        {FieldOBCValue, true, binary},
	template.FieldOBCGeneric:      {FieldOBCGeneric, true, ulong},
	template.FieldOBCJ1708Fault:   {FieldOBCJ1708Fault, true, ulong},
	template.FieldOBCDistance:     {FieldOBCDistanceKM, false, scaledU(10)},
	template.FieldOBCEngineHours:  {FieldOBCEngineHours, false, fixedU(10)},
	template.FieldOBCEngineRPM:    {FieldOBCEngineRPM, false, ulong},
	template.FieldOBCCoolantTemp:  {FieldOBCCoolantTemp, false, temperature},
	template.FieldOBCCoolantLevel: {FieldOBCCoolantLevel, false, percent},
	template.FieldOBCOilLevel:     {FieldOBCOilLevel, false, percent},
	template.FieldOBCOilPressure:  {FieldOBCOilPressure, false, scaledU(10)},
	template.FieldOBCFuelLevel:    {FieldOBCFuelLevel, false, percent},
	template.FieldOBCFuelEconomy:  {FieldOBCFuelEconomy, false, fixedU(10)},
	template.FieldOBCFuelTotal:    {FieldOBCFuelTotal, false, scaledU(10)},
	template.FieldOBCFuelIdle:     {FieldOBCFuelIdle, false, scaledU(10)},
}

// Decoder 事件解码器
// 包自带模板时直接使用，否则通过 Templates 查找（通常是设备的自定义模板缓存）。
type Decoder struct {
	Templates template.Lookup
	Now       func() time.Time
}

// Decode 使用默认解码器
func Decode(pkt *protocol.Packet, ipAddr string) (*GeoEvent, error) {
	return Decoder{}.Decode(pkt, ipAddr)
}

// Decode 解码事件包
func (d Decoder) Decode(pkt *protocol.Packet, ipAddr string) (*GeoEvent, error) {
	if pkt == nil {
		return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketLength, dmtp_protocol.PacketRef{})
	}
	if !pkt.IsClient() || !pkt.Category().IsEvent() {
		return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketType, pkt.Ref())
	}
	if pkt.PayloadLength() == 0 {
		return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketPayload, pkt.Ref())
	}

	tmpl := pkt.Template()
	if tmpl == nil && d.Templates != nil {
		tmpl = d.Templates.Template(pkt.Type())
	}
	if tmpl == nil {
		return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakFormatNotRecognized, pkt.Ref()).
			WithCause(fmt.Errorf("no template for type 0x%02X", uint8(pkt.Type())))
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	ev := New()
	ev.Set(FieldIPAddress, ipAddr)
	ev.Set(FieldRawData, pkt.String())
	ev.Set(FieldStatusCode, int64(dmtp_protocol.StatusNone))
	ev.Set(FieldTimestamp, now().Unix())

	hasStatus, hasGeoPoint := false, false
	r := pkt.Reader()
	for i := 0; r.HasAvailableRead(); i++ {
		if i >= template.MaxFieldCount {
			return nil, invalidFormat(pkt, fmt.Errorf("field count exceeds %d", template.MaxFieldCount))
		}
		f, ok := tmpl.GetField(i)
		if !ok {
			break
		}
		if f.Length == 0 {
			return nil, invalidFormat(pkt, fmt.Errorf("field %d has zero length", i))
		}
		fd, known := fieldDecoders[f.Type]
		if !known {
			return nil, invalidFormat(pkt, fmt.Errorf("field type 0x%02X not defined", uint8(f.Type)))
		}

		v := fd.decode(r, f)
		if fd.indexed {
			ev.SetIndexed(fd.name, f.Index, v)
		} else {
			ev.Set(fd.name, v)
		}

		switch f.Type {
		case template.FieldStatusCode:
			hasStatus = true
		case template.FieldGPSPoint:
			hasGeoPoint = true
		case template.FieldSequence:
			ev.Set(FieldSeqLen, int64(f.Length))
		}
	}

	if !hasStatus && hasGeoPoint {
		ev.Set(FieldStatusCode, int64(dmtp_protocol.StatusLocation))
	}
	return ev, nil
}

func invalidFormat(pkt *protocol.Packet, cause error) error {
	return dmtp_protocol.NewParseError(dmtp_protocol.NakFormatDefinitionInvalid, pkt.Ref()).
		WithData([]byte{byte(pkt.Type())}).
		WithCause(cause)
}

