package apis

import (
	"time"

	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
)

// StandardResponse 标准API响应格式
type StandardResponse struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Success bool        `json:"success"`
	Time    int64       `json:"time"`
}

// ErrorResponse 错误响应格式
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	Time    int64  `json:"time"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    int64             `json:"uptime"`
	Services  map[string]string `json:"services"`
}

// SessionListResponse 在线会话列表
type SessionListResponse struct {
	Sessions []session.Info `json:"sessions"`
	Total    int            `json:"total"`
}

// DeviceListResponse 设备列表
type DeviceListResponse struct {
	Devices []storage.DeviceInfo `json:"devices"`
	Total   int                  `json:"total"`
}

// DeviceDetailResponse 设备详情，包含在线会话
type DeviceDetailResponse struct {
	Device   storage.DeviceInfo `json:"device"`
	Sessions []session.Info     `json:"sessions,omitempty"`
	Online   bool               `json:"online"`
}

// 命令类型
const (
	CommandSetProperty = "setProperty"
	CommandGetProperty = "getProperty"
	CommandGetFile     = "getFile"
	CommandPutFile     = "putFile"
)

// DeviceCommandRequest 下发给设备的命令，在设备下一次连接的块结束时发送
// 属性可以用键名(property)或属性码(code)指定；值用十六进制(value)或数值列表(values+width)。
type DeviceCommandRequest struct {
	Command  string  `json:"command" binding:"required"`
	Property string  `json:"property,omitempty"`
	Code     *uint16 `json:"code,omitempty"`
	Value    string  `json:"value,omitempty"`
	Values   []int64 `json:"values,omitempty"`
	Width    int     `json:"width,omitempty"`
	FileName string  `json:"fileName,omitempty"`
	FileSize int64   `json:"fileSize,omitempty"`
}

// DeviceCommandResponse 命令入队结果
type DeviceCommandResponse struct {
	CommandID  string `json:"commandId"`
	Account    string `json:"account"`
	Device     string `json:"device"`
	Command    string `json:"command"`
	PacketType string `json:"packetType"`
	Frame      string `json:"frame"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
}

// EventQuery 事件查询参数
type EventQuery struct {
	Limit int `form:"limit"`
}

// NewStandardResponse 创建标准响应
func NewStandardResponse(data interface{}, message string, code int) StandardResponse {
	return StandardResponse{
		Code:    code,
		Data:    data,
		Message: message,
		Success: code == 0,
		Time:    time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string, code int) ErrorResponse {
	return ErrorResponse{
		Code:    code,
		Message: message,
		Success: false,
		Time:    time.Now().Unix(),
	}
}
