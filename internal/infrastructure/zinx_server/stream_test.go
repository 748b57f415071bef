package zinx_server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func binaryFrame(t dmtp_protocol.PacketType, data []byte) []byte {
	return protocol.Encode(protocol.NewClientPacket(t, data), dmtp_protocol.EncodingBinary)
}

func eventPayload(seq uint64) []byte {
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength)
	w.WriteUint(uint64(dmtp_protocol.StatusLocation), 2)
	w.WriteUint(1700000000, 4)
	w.WriteGPS(payload.NewGeoPoint(22.54, 114.05), 6)
	w.WriteUint(0, 1)
	w.WriteUint(0, 1)
	w.WriteInt(0, 2)
	w.WriteUint(0, 3)
	w.WriteUint(seq, 1)
	return w.Bytes()
}

func newTestStream(t *testing.T, maxLen int, timeouts Timeouts) (*Stream, *fakeClock, *storage.Device) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000100, 0)}
	store := storage.NewMemoryStore(storage.WithStoreClock(clk.now))
	dev, err := store.AddDevice(storage.DeviceSpec{
		Account: "acme", Device: "truck1", UniqueID: "0A0B0C0D0E", Active: true,
	})
	require.NoError(t, err)
	engine := session.NewEngine(store, session.DefaultConfig(), "192.168.1.9:5000", true, session.WithClock(clk.now))
	return NewStream(engine, maxLen, timeouts, clk.now), clk, dev
}

func TestStream_SplitsPartialAndStickyFrames(t *testing.T) {
	ctx := context.Background()
	st, _, dev := newTestStream(t, 0, Timeouts{})

	var all []byte
	all = append(all, binaryFrame(dmtp_protocol.ClientUniqueID, []byte{0x0A, 0x0B, 0x0C, 0x0D, 0x0E})...)
	all = append(all, binaryFrame(dmtp_protocol.ClientFixedFmtStd, eventPayload(1))...)
	all = append(all, binaryFrame(dmtp_protocol.ClientFixedFmtStd, eventPayload(2))...)
	all = append(all, binaryFrame(dmtp_protocol.ClientEOBDone, nil)...)

	// 半包: 先送前两个字节
	assert.Nil(t, st.Feed(ctx, all[:2]))
	assert.Equal(t, 2, st.Buffered())

	// 粘包: 剩余数据一次送达
	resp := st.Feed(ctx, all[2:])
	assert.Equal(t, []byte{0xE0, 0xA0, 0x01, 0x02, 0xE0, 0xFF, 0x00}, resp)
	assert.True(t, st.Done())
	assert.Zero(t, st.Buffered())
	assert.NoError(t, st.CloseReason(), "EOT 属于正常结束")
	assert.Len(t, dev.RecentEvents(0), 2)

	assert.Nil(t, st.Feed(ctx, binaryFrame(dmtp_protocol.ClientEOBDone, nil)), "结束后数据被丢弃")
}

func TestStream_ASCIILines(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStream(t, 0, Timeouts{})

	// "\r\n" 被拆到两次读取
	assert.Nil(t, st.Feed(ctx, []byte("$E011:0A0B0C0D0E\r")))
	assert.Nil(t, st.Feed(ctx, []byte("\n")))
	assert.Zero(t, st.Buffered())

	resp := st.Feed(ctx, []byte("$E000\r"))
	assert.Equal(t, "$E0FF\r", string(resp), "ASCII会话按会话编码回复")
	assert.True(t, st.Done())
}

func TestStream_Overflow(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStream(t, 32, Timeouts{})

	line := []byte("$E011:")
	for len(line) < 40 {
		line = append(line, '0')
	}
	resp := st.Feed(ctx, line)
	require.NotEmpty(t, resp)
	assert.True(t, st.Done())

	pkt, err := protocol.ParseServer(resp)
	require.NoError(t, err)
	assert.Equal(t, dmtp_protocol.ServerError, pkt.Type())
	assert.Equal(t, []byte{0xF1, 0x13}, pkt.Payload()[:2], "长度错误")

	var pe *dmtp_protocol.ParseError
	require.True(t, errors.As(st.CloseReason(), &pe))
	assert.Equal(t, dmtp_protocol.NakPacketLength, pe.Code)
}

func TestStream_Deadlines(t *testing.T) {
	ctx := context.Background()
	timeouts := Timeouts{Idle: 10 * time.Second, Packet: 4 * time.Second, Session: 15 * time.Second}
	st, clk, _ := newTestStream(t, 0, timeouts)
	start := clk.now()

	assert.Equal(t, start.Add(10*time.Second), st.Deadline(), "空闲超时")

	clk.advance(2 * time.Second)
	st.Feed(ctx, []byte{0xE0, 0x11})
	assert.Equal(t, start.Add(6*time.Second), st.Deadline(), "有半包时用包超时")

	clk.advance(4 * time.Second)
	assert.ErrorIs(t, st.TimeoutCause(), ErrPacketTimeout)
	assert.ErrorIs(t, st.CloseReason(), ErrPacketTimeout)

	clk.advance(3 * time.Second)
	st.Feed(ctx, []byte{0x05, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E})
	assert.Equal(t, start.Add(15*time.Second), st.Deadline(), "不超过会话截止时间")

	clk.advance(7 * time.Second)
	assert.ErrorIs(t, st.TimeoutCause(), ErrSessionTimeout)
}

func TestStream_ConnectionLost(t *testing.T) {
	st, _, _ := newTestStream(t, 0, Timeouts{})
	assert.Nil(t, st.Feed(context.Background(), binaryFrame(dmtp_protocol.ClientUniqueID, []byte{0x0A, 0x0B, 0x0C, 0x0D, 0x0E})))
	assert.Zero(t, st.Deadline())
	assert.ErrorIs(t, st.CloseReason(), ErrConnectionLost)
}
