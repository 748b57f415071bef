package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSummary(t *testing.T) {
	ResetMetrics()
	t.Cleanup(ResetMetrics)

	IncrementPacketCount(0x30)
	IncrementPacketCount(0x30)
	IncrementPacketCount(0x00)
	IncrementParseErrorCount(0xF422)
	IncrementEventResult(0x0000)
	RecordProcessingTime(0x30, 2*time.Millisecond)
	RecordProcessingTime(0x30, 4*time.Millisecond)
	SessionStarted(true)
	SessionStarted(false)
	SessionEnded(100, 20)

	assert.Equal(t, uint64(2), GetPacketCount(0x30))
	assert.Equal(t, uint64(1), GetParseErrorCount(0xF422))
	assert.Equal(t, int64(1), GetActiveSessions())

	s := GetMetricsSummary()
	assert.Equal(t, uint64(3), s["totalPackets"])
	assert.Equal(t, uint64(2), s["totalSessions"])
	assert.Equal(t, uint64(1), s["duplexSessions"])
	assert.Equal(t, uint64(100), s["bytesRead"])
	assert.Equal(t, map[string]string{"0x30": "3ms"}, s["avgProcessingTimes"])
	assert.Equal(t, map[string]uint64{"0xF422": 1}, s["parseErrorCounts"])
}

func TestSessionEnded_NeverNegative(t *testing.T) {
	ResetMetrics()
	t.Cleanup(ResetMetrics)

	SessionEnded(0, 0)
	assert.Equal(t, int64(0), GetActiveSessions())
}
