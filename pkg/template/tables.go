package template

import "github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"

// 内置模板表，按包类型号索引。新增包类型只需在表中增加一项。
var (
	clientTemplates [256]*Template
	serverTemplates [256]*Template
)

func registerClient(t *Template) { clientTemplates[t.packetType] = t }
func registerServer(t *Template) { serverTemplates[t.packetType] = t }

func init() {
	eob := []Field{NewField(FieldStatusCode, false, 0, 2)} // 块校验和
	registerClient(New(dmtp_protocol.ClientEOBDone, eob, false))
	registerClient(New(dmtp_protocol.ClientEOBMore, eob, false))

	registerClient(New(dmtp_protocol.ClientUniqueID, []Field{NewField(FieldBinary, false, 0, 20)}, false))
	registerClient(New(dmtp_protocol.ClientAccountID, []Field{NewField(FieldString, false, 0, 20)}, false))
	registerClient(New(dmtp_protocol.ClientDeviceID, []Field{NewField(FieldString, false, 0, 20)}, false))

	registerClient(New(dmtp_protocol.ClientFixedFmtStd, []Field{
		NewField(FieldStatusCode, false, 0, 2),
		NewField(FieldTimestamp, false, 0, 4),
		NewField(FieldGPSPoint, false, 0, 6),
		NewField(FieldSpeed, false, 0, 1),
		NewField(FieldHeading, false, 0, 1),
		NewField(FieldAltitude, false, 0, 2),
		NewField(FieldDistance, false, 0, 3),
		NewField(FieldSequence, false, 0, 1),
	}, false))
	registerClient(New(dmtp_protocol.ClientFixedFmtHigh, []Field{
		NewField(FieldStatusCode, true, 0, 2),
		NewField(FieldTimestamp, true, 0, 4),
		NewField(FieldGPSPoint, true, 0, 8),
		NewField(FieldSpeed, true, 0, 2),
		NewField(FieldHeading, true, 0, 2),
		NewField(FieldAltitude, true, 0, 3),
		NewField(FieldDistance, true, 0, 3),
		NewField(FieldSequence, true, 0, 1),
	}, false))

	registerClient(New(dmtp_protocol.ClientProperty, []Field{
		NewField(FieldStatusCode, false, 0, 2),
		NewField(FieldBinary, false, 0, 253),
	}, false))
	registerClient(New(dmtp_protocol.ClientFormatDef24, []Field{
		NewField(FieldStatusCode, false, 0, 1),
		NewField(FieldIndex, false, 0, 1),
		NewField(FieldBinary, false, 0, 3),
	}, true))
	registerClient(New(dmtp_protocol.ClientDiagnostic, []Field{
		NewField(FieldStatusCode, false, 0, 2),
		NewField(FieldBinary, false, 0, 253),
	}, false))
	registerClient(New(dmtp_protocol.ClientError, []Field{
		NewField(FieldStatusCode, false, 0, 2),
		NewField(FieldBinary, false, 0, 253),
	}, false))

	registerServer(New(dmtp_protocol.ServerEOBDone, nil, false))
	registerServer(New(dmtp_protocol.ServerEOBSpeakFreely, nil, false))
	registerServer(New(dmtp_protocol.ServerAck, []Field{NewField(FieldStatusCode, false, 0, 4)}, false))
	registerServer(New(dmtp_protocol.ServerGetProperty, []Field{NewField(FieldStatusCode, false, 0, 4)}, false))
	registerServer(New(dmtp_protocol.ServerSetProperty, []Field{
		NewField(FieldStatusCode, false, 0, 2),
		NewField(FieldBinary, false, 0, 251),
	}, false))
	registerServer(New(dmtp_protocol.ServerError, []Field{
		NewField(FieldStatusCode, false, 0, 2),
		NewField(FieldStatusCode, false, 0, 1),
		NewField(FieldStatusCode, false, 0, 1),
		NewField(FieldBinary, false, 0, 251),
	}, false))
	registerServer(New(dmtp_protocol.ServerEOT, nil, false))
}

// ClientTemplate 内置客户端模板，未定义返回nil
func ClientTemplate(t dmtp_protocol.PacketType) *Template {
	return clientTemplates[t]
}

// ServerTemplate 内置服务器模板，未定义返回nil
func ServerTemplate(t dmtp_protocol.PacketType) *Template {
	return serverTemplates[t]
}
