package storage

import "time"

// 设备在线状态
const (
	StatusOffline  = "offline"  // 没有会话
	StatusOnline   = "online"   // 已识别，会话进行中
	StatusRejected = "rejected" // 最近一次连接被准入窗口拒绝
)

// 状态变更事件类型
const (
	EventTypeStatusChange = "status_change"
	EventTypeSessionStart = "session_start"
	EventTypeSessionEnd   = "session_end"
	EventTypeRejected     = "connection_rejected"
)

// 存储相关常量
const (
	DefaultRetainedEvents   = 500 // 每个设备保留的最近事件数
	DefaultRetainedSessions = 20  // 每个设备保留的会话统计数
	statusHistoryLength     = 10
)

// StatusChangeEvent 状态变更事件
type StatusChangeEvent struct {
	Account   string    `json:"account"`
	Device    string    `json:"device"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// StatusChangeCallback 状态变更回调函数类型
type StatusChangeCallback func(event *StatusChangeEvent)
