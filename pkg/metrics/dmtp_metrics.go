package metrics

import (
	"fmt"
	"sync"
	"time"
)

// DMTPMetrics DMTP协议运行指标
type DMTPMetrics struct {
	mu               sync.RWMutex
	packetCounts     map[uint8]uint64          // 按客户端包类型计数
	parseErrorCounts map[uint16]uint64         // 按服务器错误码计数
	eventResults     map[uint16]uint64         // 事件入库结果计数
	processingTimes  map[uint8][]time.Duration // 处理时间
	activeSessions   int64
	totalSessions    uint64
	duplexSessions   uint64
	bytesRead        uint64
	bytesWritten     uint64
	lastResetTime    time.Time
}

// maxTimeSamples 每种包类型保留的处理时间样本数
const maxTimeSamples = 256

var globalMetrics = newMetrics()

func newMetrics() *DMTPMetrics {
	return &DMTPMetrics{
		packetCounts:     make(map[uint8]uint64),
		parseErrorCounts: make(map[uint16]uint64),
		eventResults:     make(map[uint16]uint64),
		processingTimes:  make(map[uint8][]time.Duration),
		lastResetTime:    time.Now(),
	}
}

// IncrementPacketCount 增加包计数
func IncrementPacketCount(pktType uint8) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.packetCounts[pktType]++
}

// IncrementParseErrorCount 增加解析错误计数
func IncrementParseErrorCount(code uint16) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.parseErrorCounts[code]++
}

// IncrementEventResult 记录一次事件入库结果
func IncrementEventResult(code uint16) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.eventResults[code]++
}

// RecordProcessingTime 记录处理时间
func RecordProcessingTime(pktType uint8, duration time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	samples := append(globalMetrics.processingTimes[pktType], duration)
	if len(samples) > maxTimeSamples {
		samples = samples[len(samples)-maxTimeSamples:]
	}
	globalMetrics.processingTimes[pktType] = samples
}

// SessionStarted 会话开始
func SessionStarted(duplex bool) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.activeSessions++
	globalMetrics.totalSessions++
	if duplex {
		globalMetrics.duplexSessions++
	}
}

// SessionEnded 会话结束，累加收发字节数
func SessionEnded(bytesRead, bytesWritten uint64) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	if globalMetrics.activeSessions > 0 {
		globalMetrics.activeSessions--
	}
	globalMetrics.bytesRead += bytesRead
	globalMetrics.bytesWritten += bytesWritten
}

// GetPacketCount 获取包计数
func GetPacketCount(pktType uint8) uint64 {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()
	return globalMetrics.packetCounts[pktType]
}

// GetParseErrorCount 获取某错误码的计数
func GetParseErrorCount(code uint16) uint64 {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()
	return globalMetrics.parseErrorCounts[code]
}

// GetActiveSessions 当前会话数
func GetActiveSessions() int64 {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()
	return globalMetrics.activeSessions
}

func sum[K comparable](m map[K]uint64) uint64 {
	var total uint64
	for _, v := range m {
		total += v
	}
	return total
}

// GetMetricsSummary 获取指标摘要
func GetMetricsSummary() map[string]interface{} {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	packets := make(map[string]uint64, len(globalMetrics.packetCounts))
	for t, n := range globalMetrics.packetCounts {
		packets[fmt.Sprintf("0x%02X", t)] = n
	}
	parseErrors := make(map[string]uint64, len(globalMetrics.parseErrorCounts))
	for c, n := range globalMetrics.parseErrorCounts {
		parseErrors[fmt.Sprintf("0x%04X", c)] = n
	}
	events := make(map[string]uint64, len(globalMetrics.eventResults))
	for c, n := range globalMetrics.eventResults {
		events[fmt.Sprintf("0x%04X", c)] = n
	}

	// 计算平均处理时间
	avgProcessingTimes := make(map[string]string)
	for t, times := range globalMetrics.processingTimes {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, d := range times {
			total += d
		}
		avgProcessingTimes[fmt.Sprintf("0x%02X", t)] = (total / time.Duration(len(times))).String()
	}

	return map[string]interface{}{
		"packetCounts":       packets,
		"parseErrorCounts":   parseErrors,
		"eventResults":       events,
		"avgProcessingTimes": avgProcessingTimes,
		"totalPackets":       sum(globalMetrics.packetCounts),
		"totalParseErrors":   sum(globalMetrics.parseErrorCounts),
		"totalEvents":        sum(globalMetrics.eventResults),
		"activeSessions":     globalMetrics.activeSessions,
		"totalSessions":      globalMetrics.totalSessions,
		"duplexSessions":     globalMetrics.duplexSessions,
		"bytesRead":          globalMetrics.bytesRead,
		"bytesWritten":       globalMetrics.bytesWritten,
		"uptime":             time.Since(globalMetrics.lastResetTime).String(),
		"lastResetTime":      globalMetrics.lastResetTime.Format("2006-01-02 15:04:05"),
	}
}

// ResetMetrics 重置指标
func ResetMetrics() {
	fresh := newMetrics()
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.packetCounts = fresh.packetCounts
	globalMetrics.parseErrorCounts = fresh.parseErrorCounts
	globalMetrics.eventResults = fresh.eventResults
	globalMetrics.processingTimes = fresh.processingTimes
	globalMetrics.activeSessions = 0
	globalMetrics.totalSessions = 0
	globalMetrics.duplexSessions = 0
	globalMetrics.bytesRead = 0
	globalMetrics.bytesWritten = 0
	globalMetrics.lastResetTime = fresh.lastResetTime
}
