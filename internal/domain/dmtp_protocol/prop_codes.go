package dmtp_protocol

// 常用属性码。完整属性表作为查表数据对待，这里只保留下发命令常用的部分。
const (
	PropCmdSaveProps   uint16 = 0xF000
	PropCmdAuthorize   uint16 = 0xF002
	PropCmdStatusEvent uint16 = 0xF011
	PropCmdSetOutput   uint16 = 0xF031
	PropCmdReset       uint16 = 0xF0FF

	PropStateProtocol     uint16 = 0xF100
	PropStateFirmware     uint16 = 0xF101
	PropStateSerial       uint16 = 0xF110
	PropStateUniqueID     uint16 = 0xF112
	PropStateAccountID    uint16 = 0xF114
	PropStateDeviceID     uint16 = 0xF115
	PropStateTime         uint16 = 0xF121
	PropStateGPS          uint16 = 0xF123
	PropStateQueuedEvents uint16 = 0xF131

	PropCommMaxConnections uint16 = 0xF311
	PropCommMinXmitDelay   uint16 = 0xF312
	PropCommMaxDupEvents   uint16 = 0xF317
	PropCommDmtpHost       uint16 = 0xF3A1
	PropCommDmtpPort       uint16 = 0xF3A2
)

// 文件上传子命令
const (
	UploadTypeGetFile byte = 0x31
	UploadTypePutFile byte = 0x41
)

// 客户端诊断码
const (
	DiagUploadAck     uint16 = 0xF001
	DiagOBCJ1708Fault uint16 = 0xFC11
)

var propNames = map[uint16]string{
	PropCmdSaveProps:       "cmd.saveprops",
	PropCmdAuthorize:       "cmd.authorize",
	PropCmdStatusEvent:     "cmd.status",
	PropCmdSetOutput:       "cmd.output",
	PropCmdReset:           "cmd.reset",
	PropStateProtocol:      "sta.proto",
	PropStateFirmware:      "sta.firm",
	PropStateSerial:        "sta.serial",
	PropStateUniqueID:      "sta.uniq",
	PropStateAccountID:     "sta.account",
	PropStateDeviceID:      "sta.device",
	PropStateTime:          "sta.time",
	PropStateGPS:           "sta.gpsloc",
	PropStateQueuedEvents:  "sta.evtqueue",
	PropCommMaxConnections: "com.maxconn",
	PropCommMinXmitDelay:   "com.mindelay",
	PropCommMaxDupEvents:   "com.maxduplex",
	PropCommDmtpHost:       "com.host",
	PropCommDmtpPort:       "com.port",
}

// PropertyName 属性码对应的键名，未知返回空串
func PropertyName(code uint16) string {
	return propNames[code]
}

// PropertyCode 按键名查找属性码
func PropertyCode(name string) (uint16, bool) {
	for c, n := range propNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}
