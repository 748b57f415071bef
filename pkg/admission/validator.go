package admission

import "time"

// neverConnected 没有连接记录时视为间隔足够长，窗口清零
const neverConnected = int64(1) << 40

// Limits 设备的连接限制
// 值 <=0 表示不限制；每分钟上限超出 1-3 时按 3 处理。
type Limits struct {
	IntervalMinutes            int `json:"intervalMinutes" mapstructure:"intervalMinutes"`
	MaxTotalConnections        int `json:"maxTotalConnections" mapstructure:"maxTotalConnections"`
	MaxTotalConnectionsPerMin  int `json:"maxTotalConnectionsPerMin" mapstructure:"maxTotalConnectionsPerMin"`
	MaxDuplexConnections       int `json:"maxDuplexConnections" mapstructure:"maxDuplexConnections"`
	MaxDuplexConnectionsPerMin int `json:"maxDuplexConnectionsPerMin" mapstructure:"maxDuplexConnectionsPerMin"`
	MaxAllowedEvents           int `json:"maxAllowedEvents" mapstructure:"maxAllowedEvents"`
}

// State 设备保存的准入状态
type State struct {
	TotalMask      []byte `json:"totalMask"`
	LastTotalConn  int64  `json:"lastTotalConn"`
	DuplexMask     []byte `json:"duplexMask"`
	LastDuplexConn int64  `json:"lastDuplexConn"`
}

// Validate 检查并记录一次连接，返回新的状态
// 总连接与双工连接各自独立计数；任一拒绝时不记录任何一方。
// 上次连接时间按已移出的整分钟推进，连续的短间隔连接不会丢失不足一分钟的余量。
func Validate(l Limits, s State, now time.Time, duplex bool) (State, bool) {
	w := NewWindow(l.IntervalMinutes)
	nowSec := now.Unix()
	next := s

	mask, ok := w.Mark(l.MaxTotalConnections, l.MaxTotalConnectionsPerMin, s.TotalMask, elapsed(s.LastTotalConn, nowSec))
	if !ok {
		return s, false
	}
	next.TotalMask = mask
	next.LastTotalConn = advance(s.LastTotalConn, nowSec)

	if duplex {
		mask, ok = w.Mark(l.MaxDuplexConnections, l.MaxDuplexConnectionsPerMin, s.DuplexMask, elapsed(s.LastDuplexConn, nowSec))
		if !ok {
			return s, false
		}
		next.DuplexMask = mask
		next.LastDuplexConn = advance(s.LastDuplexConn, nowSec)
	}
	return next, true
}

func elapsed(last, now int64) int64 {
	switch {
	case last <= 0:
		return neverConnected
	case now < last:
		return 0
	}
	return now - last
}

// advance 按整分钟推进，掩码的分钟槽位始终与 last 对齐
func advance(last, now int64) int64 {
	if last <= 0 || now < last {
		return now
	}
	return last + (now-last)/60*60
}
