package dmtp_protocol

import "fmt"

// 事件状态码
const (
	StatusNone           uint16 = 0x0000
	StatusInitialized    uint16 = 0xF010
	StatusLocation       uint16 = 0xF020
	StatusWaymark        uint16 = 0xF030
	StatusQuery          uint16 = 0xF040
	StatusMotionStart    uint16 = 0xF111
	StatusMotionInMotion uint16 = 0xF112
	StatusMotionStop     uint16 = 0xF113
	StatusMotionDormant  uint16 = 0xF114
	StatusMotionExcess   uint16 = 0xF11A
	StatusGeofenceArrive uint16 = 0xF210
	StatusGeofenceDepart uint16 = 0xF230
	StatusLowBattery     uint16 = 0xF841
)

var statusDescriptions = map[uint16]string{
	StatusNone:           "None",
	StatusInitialized:    "Initialized",
	StatusLocation:       "Location",
	StatusWaymark:        "Waymark",
	StatusQuery:          "Query",
	StatusMotionStart:    "Start",
	StatusMotionInMotion: "InMotion",
	StatusMotionStop:     "Stop",
	StatusMotionDormant:  "Dormant",
	StatusMotionExcess:   "Speeding",
	StatusGeofenceArrive: "Arrive",
	StatusGeofenceDepart: "Depart",
	StatusLowBattery:     "LowBattery",
}

// StatusDescription 状态码描述，未知状态返回十六进制
func StatusDescription(code uint16) string {
	if s, ok := statusDescriptions[code]; ok {
		return s
	}
	return fmt.Sprintf("0x%04X", code)
}
