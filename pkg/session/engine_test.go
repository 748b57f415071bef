package session_test

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/admission"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/fletcher"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clock = func() time.Time { return time.Unix(1700000100, 0) }

func frame(t dmtp_protocol.PacketType, data []byte) []byte {
	return protocol.Encode(protocol.NewClientPacket(t, data), dmtp_protocol.EncodingBinary)
}

func uniqueIDFrame() []byte {
	return frame(dmtp_protocol.ClientUniqueID, []byte{0x01, 0x02, 0x03, 0x04, 0x05})
}

func fixedEvent(status uint16, seq uint64) []byte {
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength)
	w.WriteUint(uint64(status), 2)
	w.WriteUint(1700000000, 4)
	w.WriteGPS(payload.NewGeoPoint(34.05, -118.25), 6)
	w.WriteUint(0, 1)
	w.WriteUint(0, 1)
	w.WriteInt(0, 2)
	w.WriteUint(0, 3)
	w.WriteUint(seq, 1)
	return w.Bytes()
}

func eobDone() []byte { return frame(dmtp_protocol.ClientEOBDone, nil) }

func newStore(t *testing.T, limits admission.Limits) (*storage.MemoryStore, *storage.Device) {
	t.Helper()
	s := storage.NewMemoryStore(storage.WithStoreClock(clock))
	d, err := s.AddDevice(storage.DeviceSpec{
		Account: "A1", Device: "T1", UniqueID: "0102030405", Active: true, Limits: limits,
	})
	require.NoError(t, err)
	return s, d
}

func newEngine(s session.Directory, duplex bool, cfg session.Config) *session.Engine {
	return session.NewEngine(s, cfg, "10.0.0.1:40000", duplex, session.WithClock(clock))
}

func splitResponse(t *testing.T, b []byte) []*protocol.Packet {
	t.Helper()
	var out []*protocol.Packet
	for len(b) > 0 {
		n := protocol.FrameLength(b, 0)
		require.Greater(t, n, 0, "响应不完整: %X", b)
		p, err := protocol.ParseServer(b[:n])
		require.NoError(t, err)
		out = append(out, p)
		b = b[n:]
	}
	return out
}

func types(pkts []*protocol.Packet) []dmtp_protocol.PacketType {
	out := make([]dmtp_protocol.PacketType, 0, len(pkts))
	for _, p := range pkts {
		out = append(out, p.Type())
	}
	return out
}

func TestEngine_UniqueIDEventAndEOT(t *testing.T) {
	ctx := context.Background()
	store, dev := newStore(t, admission.Limits{})
	e := newEngine(store, true, session.DefaultConfig())

	assert.Nil(t, e.HandleFrame(ctx, uniqueIDFrame()))
	assert.Nil(t, e.HandleFrame(ctx, frame(dmtp_protocol.ClientFixedFmtStd, fixedEvent(0x00F1, 1))))

	resp := e.HandleFrame(ctx, eobDone())
	assert.Equal(t, []byte{0xE0, 0xA0, 0x01, 0x01, 0xE0, 0xFF, 0x00}, resp, "确认序列号1，随后结束传输")
	assert.True(t, e.Terminated())

	info := e.Info()
	assert.Equal(t, "a1", info.Account)
	assert.Equal(t, "t1", info.Device)
	assert.Equal(t, 1, info.Events)

	events := dev.RecentEvents(0)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, uint16(0x00F1), ev.StatusCode())
	assert.Equal(t, int64(1700000000), ev.Timestamp())
	assert.InDelta(t, 34.05, ev.GeoPoint().Latitude, 1e-4)
	assert.InDelta(t, -118.25, ev.GeoPoint().Longitude, 1e-4)
	assert.Equal(t, "10.0.0.1", ev.IPAddress())
	assert.Equal(t, "a1", ev.Account)

	stats := e.Close(ctx, nil)
	assert.Equal(t, 1, stats.EventCount)
	assert.True(t, stats.Duplex)
	assert.Equal(t, int64(len(resp)), stats.BytesWritten)
	assert.Len(t, dev.Snapshot().Sessions, 1)

	// 重复关闭无效
	e.Close(ctx, nil)
	assert.Len(t, dev.Snapshot().Sessions, 1)
}

func TestEngine_BlockChecksum(t *testing.T) {
	ctx := context.Background()

	build := func(corrupt bool) (*session.Engine, [][]byte) {
		store, _ := newStore(t, admission.Limits{})
		e := newEngine(store, true, session.DefaultConfig())
		frames := [][]byte{uniqueIDFrame(), frame(dmtp_protocol.ClientFixedFmtStd, fixedEvent(0xF020, 9))}
		f := fletcher.New()
		for _, fr := range frames {
			f.Update(fr)
		}
		f.Update([]byte{0xE0, 0x00, 0x02})
		sum := f.Sum()
		if corrupt {
			sum[1]++
		}
		return e, append(frames, frame(dmtp_protocol.ClientEOBDone, sum[:]))
	}

	t.Run("校验正确", func(t *testing.T) {
		e, frames := build(false)
		var resp []*protocol.Packet
		for _, fr := range frames {
			resp = e.Process(ctx, fr)
		}
		assert.Equal(t, []dmtp_protocol.PacketType{dmtp_protocol.ServerAck, dmtp_protocol.ServerEOT}, types(resp))
		assert.Equal(t, []byte{0x09}, resp[0].Payload())
	})
	t.Run("校验错误", func(t *testing.T) {
		e, frames := build(true)
		var resp []*protocol.Packet
		for _, fr := range frames {
			resp = e.Process(ctx, fr)
		}
		require.Len(t, resp, 1)
		assert.Equal(t, dmtp_protocol.ServerError, resp[0].Type())
		assert.Equal(t, []byte{0xF3, 0x11, 0xE0, 0x00}, resp[0].Payload())
		assert.False(t, e.Terminated())

		// 下一块从零开始累加
		next := frame(dmtp_protocol.ClientFixedFmtStd, fixedEvent(0xF020, 10))
		f := fletcher.New()
		f.Update(next)
		f.Update([]byte{0xE0, 0x00, 0x02})
		sum := f.Sum()
		e.Process(ctx, next)
		resp = e.Process(ctx, frame(dmtp_protocol.ClientEOBDone, sum[:]))
		assert.Equal(t, []dmtp_protocol.PacketType{dmtp_protocol.ServerAck, dmtp_protocol.ServerEOT}, types(resp))
	})
	t.Run("载荷长度错误", func(t *testing.T) {
		store, _ := newStore(t, admission.Limits{})
		e := newEngine(store, true, session.DefaultConfig())
		e.Process(ctx, uniqueIDFrame())
		resp := e.Process(ctx, frame(dmtp_protocol.ClientEOBMore, []byte{1}))
		require.Len(t, resp, 1)
		assert.Equal(t, []byte{0xF1, 0x14, 0xE0, 0x01}, resp[0].Payload())
	})
}

func TestEngine_CustomFormatNegotiation(t *testing.T) {
	ctx := context.Background()
	store, dev := newStore(t, admission.Limits{})
	e := newEngine(store, true, session.DefaultConfig())
	require.Nil(t, e.Process(ctx, uniqueIDFrame()))

	custom := frame(0x70, []byte{0x00, 0x05})
	resp := e.Process(ctx, custom)
	require.Len(t, resp, 1)
	assert.Equal(t, dmtp_protocol.ServerError, resp[0].Type())
	assert.Equal(t, []byte{0xF4, 0x22, 0xE0, 0x70}, resp[0].Payload())
	assert.True(t, e.Info().ExpectTemplate)

	assert.Nil(t, e.Process(ctx, custom), "同类型的未识别错误只回一次")

	tmpl := template.New(0x70, []template.Field{template.NewField(template.FieldCounter, false, 0, 2)}, false)
	assert.Nil(t, e.Process(ctx, frame(dmtp_protocol.ClientFormatDef24, tmpl.EncodeDefinition())))
	require.NotNil(t, dev.Templates().Template(0x70))

	assert.Nil(t, e.Process(ctx, custom), "收到模板后可以解码")

	resp = e.Process(ctx, eobDone())
	assert.Equal(t, []dmtp_protocol.PacketType{dmtp_protocol.ServerAck, dmtp_protocol.ServerEOBDone}, types(resp),
		"等待模板的块以 EOB 结束而不是 EOT")
	assert.Empty(t, resp[0].Payload(), "没有序列号的事件确认载荷为空")
	assert.False(t, e.Terminated())

	resp = e.Process(ctx, eobDone())
	assert.Equal(t, []dmtp_protocol.PacketType{dmtp_protocol.ServerEOT}, types(resp))
	assert.True(t, e.Terminated())

	ev := dev.RecentEvents(0)
	require.Len(t, ev, 1)
	assert.Equal(t, int64(5), ev[0].Int(event.FieldCounter, 0))
}

func TestEngine_NegotiationPolicy(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name         string
		policy       session.NegotiationPolicy
		expectSecond bool
	}{
		{"每会话一次", session.PolicySession, false},
		{"每类型一次", session.PolicyType, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := newStore(t, admission.Limits{})
			cfg := session.DefaultConfig()
			cfg.NegotiationPolicy = tc.policy
			e := newEngine(store, true, cfg)
			e.Process(ctx, uniqueIDFrame())

			require.Len(t, e.Process(ctx, frame(0x70, []byte{1})), 1)
			resp := e.Process(ctx, eobMore())
			assert.Equal(t, dmtp_protocol.ServerEOBDone, resp[len(resp)-1].Type())
			require.False(t, e.Info().ExpectTemplate)

			resp = e.Process(ctx, frame(0x71, []byte{1}))
			require.Len(t, resp, 1, "新的类型仍然回错误包")
			assert.Equal(t, []byte{0xF4, 0x22, 0xE0, 0x71}, resp[0].Payload())
			assert.Equal(t, tc.expectSecond, e.Info().ExpectTemplate)

			assert.Nil(t, e.Process(ctx, frame(0x70, []byte{1})))
			assert.Nil(t, e.Process(ctx, frame(0x71, []byte{1})))
		})
	}
}

func eobMore() []byte { return frame(dmtp_protocol.ClientEOBMore, nil) }

func TestEngine_SimplexUnrecognizedFormat(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, admission.Limits{})
	e := newEngine(store, false, session.DefaultConfig())

	assert.Nil(t, e.HandleFrame(ctx, uniqueIDFrame()))
	assert.Nil(t, e.HandleFrame(ctx, frame(0x70, []byte{1, 2})), "单工会话默认不回包")

	resp := e.Process(ctx, eobDone())
	assert.Equal(t, []dmtp_protocol.PacketType{dmtp_protocol.ServerEOT}, types(resp), "单工会话不进行模板协商")

	cfg := session.DefaultConfig()
	cfg.ReturnSimplexResponse = true
	store2, _ := newStore(t, admission.Limits{})
	e2 := newEngine(store2, false, cfg)
	e2.HandleFrame(ctx, uniqueIDFrame())
	assert.Equal(t, []byte{0xE0, 0xE0, 0x04, 0xF4, 0x22, 0xE0, 0x70}, e2.HandleFrame(ctx, frame(0x70, []byte{1, 2})))
	assert.False(t, e2.Info().ExpectTemplate)
}

func TestEngine_ExcessiveConnections(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, admission.Limits{IntervalMinutes: 60, MaxTotalConnectionsPerMin: 1})

	first := newEngine(store, true, session.DefaultConfig())
	assert.Nil(t, first.Process(ctx, uniqueIDFrame()))
	assert.False(t, first.Terminated())

	second := newEngine(store, true, session.DefaultConfig())
	resp := second.Process(ctx, uniqueIDFrame())
	require.Len(t, resp, 1)
	assert.Equal(t, []byte{0xF0, 0x41, 0xE0, 0x11}, resp[0].Payload())
	assert.True(t, second.Terminated())
	assert.Empty(t, second.Info().Device)
}

func TestEngine_IdentityFailures(t *testing.T) {
	ctx := context.Background()
	accountFrame := func(name string) []byte { return frame(dmtp_protocol.ClientAccountID, []byte(name)) }
	deviceFrame := func(name string) []byte { return frame(dmtp_protocol.ClientDeviceID, []byte(name)) }

	testCases := []struct {
		name   string
		setup  func(s *storage.MemoryStore, d *storage.Device)
		frames [][]byte
		code   dmtp_protocol.ServerErrorCode
	}{
		{"未知唯一ID", nil, [][]byte{frame(dmtp_protocol.ClientUniqueID, []byte{9, 9})}, dmtp_protocol.NakIDInvalid},
		{"空唯一ID", nil, [][]byte{frame(dmtp_protocol.ClientUniqueID, nil)}, dmtp_protocol.NakIDInvalid},
		{"设备停用", func(_ *storage.MemoryStore, d *storage.Device) { d.SetActive(false) },
			[][]byte{uniqueIDFrame()}, dmtp_protocol.NakDeviceInactive},
		{"账号停用", func(s *storage.MemoryStore, _ *storage.Device) { s.AddAccount("a1", false) },
			[][]byte{accountFrame("A1")}, dmtp_protocol.NakAccountInactive},
		{"未知账号", nil, [][]byte{accountFrame("zz")}, dmtp_protocol.NakAccountInvalid},
		{"未知设备名", nil, [][]byte{accountFrame("a1"), deviceFrame("t9")}, dmtp_protocol.NakDeviceInvalid},
		{"重复标识", nil, [][]byte{uniqueIDFrame(), uniqueIDFrame()}, dmtp_protocol.NakProtocolError},
		{"未识别先发事件", nil, [][]byte{frame(dmtp_protocol.ClientFixedFmtStd, fixedEvent(0xF020, 1))}, dmtp_protocol.NakDeviceInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, dev := newStore(t, admission.Limits{})
			if tc.setup != nil {
				tc.setup(store, dev)
			}
			e := newEngine(store, true, session.DefaultConfig())
			var resp []*protocol.Packet
			for _, fr := range tc.frames {
				resp = e.Process(ctx, fr)
			}
			require.Len(t, resp, 1)
			code := uint16(resp[0].Payload()[0])<<8 | uint16(resp[0].Payload()[1])
			assert.Equal(t, uint16(tc.code), code)
			assert.True(t, e.Terminated())
		})
	}

	t.Run("账号加设备名", func(t *testing.T) {
		store, _ := newStore(t, admission.Limits{})
		e := newEngine(store, true, session.DefaultConfig())
		assert.Nil(t, e.Process(ctx, accountFrame("A1")))
		assert.Nil(t, e.Process(ctx, deviceFrame("T1")))
		assert.Equal(t, "t1", e.Info().Device)
	})
	t.Run("设备名作为唯一ID", func(t *testing.T) {
		store := storage.NewMemoryStore()
		_, err := store.AddDevice(storage.DeviceSpec{Account: "a1", Device: "t1", UniqueID: hex.EncodeToString([]byte("imei1")), Active: true})
		require.NoError(t, err)
		e := newEngine(store, true, session.DefaultConfig())
		assert.Nil(t, e.Process(ctx, deviceFrame("imei1")))
		assert.Equal(t, "t1", e.Info().Device)
	})
}

func TestEngine_EventInsertFailure(t *testing.T) {
	ctx := context.Background()
	store, dev := newStore(t, admission.Limits{IntervalMinutes: 60, MaxAllowedEvents: 1})
	e := newEngine(store, true, session.DefaultConfig())
	e.Process(ctx, uniqueIDFrame())

	assert.Nil(t, e.Process(ctx, frame(dmtp_protocol.ClientFixedFmtStd, fixedEvent(0xF020, 1))))
	assert.Nil(t, e.Process(ctx, frame(dmtp_protocol.ClientFixedFmtStd, fixedEvent(0xF020, 2))))
	assert.Nil(t, e.Process(ctx, frame(dmtp_protocol.ClientFixedFmtStd, fixedEvent(0xF020, 3))))

	resp := e.Process(ctx, eobDone())
	require.Equal(t, []dmtp_protocol.PacketType{dmtp_protocol.ServerAck, dmtp_protocol.ServerError, dmtp_protocol.ServerEOT}, types(resp))
	assert.Equal(t, []byte{0x01}, resp[0].Payload())
	assert.Equal(t, []byte{0xF4, 0x31, 0xE0, 0x30, 0x02}, resp[1].Payload(), "错误包带出错事件的序列号")
	assert.Len(t, dev.RecentEvents(0), 1)
	assert.Equal(t, 3, e.Info().Events)
}

func TestEngine_PendingPackets(t *testing.T) {
	ctx := context.Background()
	store, dev := newStore(t, admission.Limits{})
	dev.QueuePacket(protocol.NewGetProperty(dmtp_protocol.PropStateGPS, nil))

	e := newEngine(store, true, session.DefaultConfig())
	e.Process(ctx, uniqueIDFrame())
	resp := e.Process(ctx, eobDone())
	assert.Equal(t, []dmtp_protocol.PacketType{dmtp_protocol.ServerGetProperty, dmtp_protocol.ServerEOBDone}, types(resp),
		"有待发包时继续对话")

	resp = e.Process(ctx, eobDone())
	assert.Equal(t, []dmtp_protocol.PacketType{dmtp_protocol.ServerEOT}, types(resp))
	left, err := dev.PendingPackets(ctx)
	require.NoError(t, err)
	assert.Nil(t, left, "设备回应后已下发的包被清除")

	// 会话异常结束时保留最后一块下发的包
	dev.QueuePacket(protocol.NewEOBSpeakFreely())
	e2 := newEngine(store, true, session.DefaultConfig())
	e2.Process(ctx, uniqueIDFrame())
	e2.Process(ctx, eobDone())
	stats := e2.Close(ctx, errors.New("connection reset"))
	assert.Equal(t, "connection reset", stats.Error)
	kept, err := dev.PendingPackets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, kept.Len())
}

func TestEngine_ASCIIEncodingFallback(t *testing.T) {
	ctx := context.Background()
	store, dev := newStore(t, admission.Limits{})
	e := newEngine(store, true, session.DefaultConfig())

	assert.Nil(t, e.HandleFrame(ctx, []byte("$E011:0102030405\r")))
	assert.Equal(t, "hex", e.Info().Encoding)

	assert.Nil(t, e.HandleFrame(ctx, []byte("$E0E0:F114\r")), "设备报告不支持的编码")
	assert.Equal(t, "base64", e.Info().Encoding)
	assert.False(t, dev.SupportsEncoding(dmtp_protocol.EncodingHex))

	ev := "$E030:" + strings.ToUpper(hex.EncodeToString(fixedEvent(0xF020, 1))) + "\r"
	assert.Nil(t, e.HandleFrame(ctx, []byte(ev)))
	resp := e.HandleFrame(ctx, []byte("$E000\n"))
	assert.Equal(t, "$E0A0=AQ==\r$E0FF\r", string(resp))
	assert.Len(t, splitResponse(t, resp), 2)
}

func TestEngine_FramingErrors(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name  string
		frame []byte
		want  string
		code  dmtp_protocol.ServerErrorCode
	}{
		{"校验和错误", []byte("$E011:0102030405*00\r"), "$E0E0=8RbgEQ==\r", dmtp_protocol.NakPacketChecksum},
		{"帧头错误", []byte{0xE1, 0x11, 0x00}, "", dmtp_protocol.NakPacketHeader},
		{"长度错误", []byte{0xE0, 0x11, 0x05, 0x01}, "", dmtp_protocol.NakPacketLength},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := newStore(t, admission.Limits{})
			e := newEngine(store, true, session.DefaultConfig())
			resp := e.HandleFrame(ctx, tc.frame)
			pkts := splitResponse(t, resp)
			require.Len(t, pkts, 1)
			assert.Equal(t, uint16(tc.code), uint16(pkts[0].Payload()[0])<<8|uint16(pkts[0].Payload()[1]))
			if tc.want != "" {
				assert.Equal(t, tc.want, string(resp))
			}
			assert.True(t, e.Terminated())
		})
	}
}

func TestEngine_UnsupportedServerEncoding(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, admission.Limits{})
	cfg := session.DefaultConfig()
	cfg.SupportedEncodings = []dmtp_protocol.Encoding{dmtp_protocol.EncodingBinary}
	e := newEngine(store, true, cfg)

	pkts := splitResponse(t, e.HandleFrame(ctx, []byte("$E011:0102030405\r")))
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0xF1, 0x15, 0xE0, 0x11}, pkts[0].Payload())
	assert.True(t, e.Terminated())
}

func TestEngine_ClientReports(t *testing.T) {
	ctx := context.Background()
	store, dev := newStore(t, admission.Limits{})
	e := newEngine(store, true, session.DefaultConfig())
	e.Process(ctx, uniqueIDFrame())

	assert.Nil(t, e.Process(ctx, frame(dmtp_protocol.ClientProperty, []byte{0xF1, 0x23, 0xAA, 0xBB})))
	v, ok := dev.Property(dmtp_protocol.PropStateGPS)
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB}, v)

	assert.Nil(t, e.Process(ctx, frame(dmtp_protocol.ClientDiagnostic, []byte{0x00, 0x01})))
	assert.Nil(t, e.Process(ctx, frame(dmtp_protocol.ClientError, []byte{0xF9, 0x11})))
	assert.False(t, e.Terminated())

	resp := e.Process(ctx, frame(0x20, nil))
	require.Len(t, resp, 1)
	assert.Equal(t, []byte{0xF1, 0x12, 0xE0, 0x20}, resp[0].Payload())
	assert.Nil(t, e.Process(ctx, frame(0x20, nil)), "相同错误只回一次")

	bad := frame(dmtp_protocol.ClientFormatDef24, []byte{0x30, 0x00})
	resp = e.Process(ctx, bad)
	require.Len(t, resp, 1)
	assert.Equal(t, []byte{0xF4, 0x11, 0xE0, 0xCF, 0x30}, resp[0].Payload())
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, admission.Limits{})
	r := session.NewRegistry()

	a := session.NewEngine(store, session.DefaultConfig(), "10.0.0.1:1", true, session.WithSessionID("a"), session.WithClock(clock))
	b := session.NewEngine(store, session.DefaultConfig(), "10.0.0.2:1", false, session.WithSessionID("b"), session.WithClock(clock))
	r.Add(a)
	r.Add(b)
	a.Process(ctx, uniqueIDFrame())

	assert.Equal(t, 2, r.Len())
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "10.0.0.2", list[1].RemoteAddr)

	found := r.FindDevice("a1", "t1")
	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0].ID)

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.False(t, got.IsDuplex())
	r.Remove("b")
	assert.Equal(t, 1, r.Len())
}
