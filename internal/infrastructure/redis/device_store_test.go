package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/admission"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Unix(1700000000, 0)

func newTestStore(t *testing.T, limits admission.Limits, opts ...StoreOption) (*DeviceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]StoreOption{WithKeyPrefix("test"), WithClock(func() time.Time { return base })}, opts...)
	s := NewDeviceStore(client, opts...)
	require.NoError(t, s.RegisterDevice(context.Background(), storage.DeviceSpec{
		Account: "A1", Device: "T1", UniqueID: "0x0102030405", Active: true, Limits: limits,
	}))
	return s, mr
}

func geoEvent(status uint16, ts, seq int64) *event.GeoEvent {
	ev := event.New()
	ev.Set(event.FieldStatusCode, int64(status))
	ev.Set(event.FieldTimestamp, ts)
	ev.Set(event.FieldSequence, seq)
	ev.Set(event.FieldSeqLen, int64(1))
	return ev
}

func TestDeviceStore_Lookup(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, admission.Limits{})

	acct, err := s.Account(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, acct.IsActive())

	dev, err := s.Device(ctx, acct, "T1")
	require.NoError(t, err)
	assert.Equal(t, "a1", dev.AccountName())
	assert.Equal(t, "t1", dev.DeviceName())
	assert.Equal(t, "t1", dev.Description())
	assert.True(t, dev.IsValidIPAddress("10.1.1.1"))

	byID, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, "t1", byID.DeviceName())

	_, err = s.DeviceByUniqueID(ctx, []byte{9})
	assert.True(t, errors.Is(err, session.ErrNotFound))
	_, err = s.Account(ctx, "nobody")
	assert.True(t, errors.Is(err, session.ErrNotFound))
	_, err = s.Device(ctx, acct, "t9")
	assert.True(t, errors.Is(err, session.ErrNotFound))

	require.NoError(t, s.SetAccount(ctx, "A1", false))
	acct, err = s.Account(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, acct.IsActive())

	v, err := mr.Get("test:uid:0102030405")
	require.NoError(t, err)
	assert.Equal(t, "a1/t1", v)
}

func TestDeviceStore_Admission(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, admission.Limits{IntervalMinutes: 60, MaxTotalConnectionsPerMin: 1})

	first, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	second, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	assert.True(t, first.MarkAndValidateConnection(ctx, base, true))
	assert.False(t, second.MarkAndValidateConnection(ctx, base.Add(10*time.Second), true), "准入状态在记录之间共享")
	assert.True(t, second.MarkAndValidateConnection(ctx, base.Add(61*time.Second), true))

	info, err := s.DeviceInfo(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusOnline, info.Status)
	assert.Equal(t, 2, admission.NewWindow(60).Count(info.Admission.TotalMask))
	assert.Equal(t, base.Unix()+60, info.Admission.LastTotalConn)
}

func TestDeviceStore_InsertEvent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, admission.Limits{IntervalMinutes: 10, MaxAllowedEvents: 2})
	dev, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	assert.Equal(t, dmtp_protocol.NakOK, dev.InsertEvent(ctx, geoEvent(0xF020, 100, 1)))
	assert.Equal(t, dmtp_protocol.NakDuplicateEvent, dev.InsertEvent(ctx, geoEvent(0xF020, 100, 1)))
	assert.Equal(t, dmtp_protocol.NakOK, dev.InsertEvent(ctx, geoEvent(0xF020, 101, 2)))
	assert.Equal(t, dmtp_protocol.NakExcessiveEvents, dev.InsertEvent(ctx, geoEvent(0xF020, 102, 3)))

	events, err := s.RecentEvents(ctx, "a1", "t1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal(events[0], &m))
	assert.Equal(t, float64(101), m["Timestamp"])

	all, err := s.RecentEvents(ctx, "a1", "t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// flakyArchive 前 failures 次归档失败
type flakyArchive struct {
	mu       sync.Mutex
	failures int
	appended int
}

func (a *flakyArchive) Append(*event.GeoEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		return errors.New("disk full")
	}
	a.appended++
	return nil
}

func TestDeviceStore_InsertEventAfterFailure(t *testing.T) {
	ctx := context.Background()
	archive := &flakyArchive{failures: 1}
	s, _ := newTestStore(t, admission.Limits{}, WithArchive(archive))
	dev, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	assert.Equal(t, dmtp_protocol.NakEventError, dev.InsertEvent(ctx, geoEvent(0xF020, 100, 1)))
	assert.Equal(t, dmtp_protocol.NakOK, dev.InsertEvent(ctx, geoEvent(0xF020, 100, 1)), "失败的事件重发后应保存")
	assert.Equal(t, dmtp_protocol.NakDuplicateEvent, dev.InsertEvent(ctx, geoEvent(0xF020, 100, 1)))

	all, err := s.RecentEvents(ctx, "a1", "t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, archive.appended)
}

func TestDeviceStore_ExcessiveEventsConcurrent(t *testing.T) {
	ctx := context.Background()
	const limit = 5
	s, _ := newTestStore(t, admission.Limits{IntervalMinutes: 10, MaxAllowedEvents: limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		dev, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
		require.NoError(t, err)
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			if dev.InsertEvent(ctx, geoEvent(0xF020, 100+seq, seq)) == dmtp_protocol.NakOK {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	all, err := s.RecentEvents(ctx, "a1", "t1", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, ok, limit)
	assert.Len(t, all, ok)
}

func TestDeviceStore_CorruptAdmissionState(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, admission.Limits{IntervalMinutes: 60, MaxTotalConnectionsPerMin: 1})
	mr.HSet("test:device:a1/t1", fieldAdmission, "{not json")

	_, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.Error(t, err)
	assert.False(t, errors.Is(err, session.ErrNotFound), "损坏的记录不是未知设备")
	assert.Contains(t, err.Error(), "bad admission state")
}

func TestDeviceStore_PendingPackets(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, admission.Limits{})

	_, err := s.QueuePacket(ctx, "a1", "t9", protocol.NewEOT())
	assert.True(t, errors.Is(err, session.ErrNotFound))

	id1, err := s.QueuePacket(ctx, "a1", "t1", protocol.NewGetProperty(dmtp_protocol.PropStateGPS, nil))
	require.NoError(t, err)
	id2, err := s.QueuePacket(ctx, "a1", "t1", protocol.NewSetProperty(0xF000, []byte{1}))
	require.NoError(t, err)

	dev, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	list, err := dev.PendingPackets(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, list.Len())
	assert.Equal(t, []string{id1, id2}, list.IDs())
	assert.Equal(t, dmtp_protocol.ServerGetProperty, list.Packets()[0].Type())

	sent := protocol.NewPacketList()
	sent.Add(id1, list.Packets()[0])
	require.NoError(t, dev.ClearPendingPackets(ctx, sent))

	left, err := dev.PendingPackets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id2}, left.IDs())
}

func TestDeviceStore_TemplatesAndStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, admission.Limits{})

	dev, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	tmpl := template.New(0x71, []template.Field{template.NewField(template.FieldCounter, false, 0, 2)}, false)
	dev.Templates().Put(tmpl)
	dev.HandleProperty(ctx, dmtp_protocol.PropStateGPS, []byte{0xAA})
	dev.RemoveEncoding(dmtp_protocol.EncodingHex)
	require.NoError(t, dev.SessionStatistics(ctx, session.Stats{SessionID: "s1", EndTime: base, EventCount: 3}))

	// 重新读取的记录带有已保存的模板和编码掩码
	again, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	got := again.Templates().Template(0x71)
	require.NotNil(t, got)
	assert.True(t, tmpl.Equal(got))
	assert.False(t, again.SupportsEncoding(dmtp_protocol.EncodingHex))
	assert.True(t, again.SupportsEncoding(dmtp_protocol.EncodingBinary))

	infos, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, storage.StatusOffline, info.Status)
	assert.Equal(t, "0x0102030405", info.UniqueID)
	assert.Equal(t, "aa", info.Properties["sta.gpsloc"])
	require.Len(t, info.Sessions, 1)
	assert.Equal(t, 3, info.Sessions[0].EventCount)
	assert.Len(t, info.Templates, 1)
}

func TestDeviceStore_TemplateSharedAcrossLiveRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, admission.Limits{})

	first, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	second, err := s.DeviceByUniqueID(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.Nil(t, second.Templates().Template(0x72))

	tmpl := template.New(0x72, []template.Field{template.NewField(template.FieldStatusCode, false, 0, 2)}, false)
	first.Templates().Put(tmpl)

	// 已打开的另一条连接无需重连即可看到新模板
	got := second.Templates().Template(0x72)
	require.NotNil(t, got)
	assert.True(t, tmpl.Equal(got))
	assert.Nil(t, second.Templates().Template(0x73))
}

func TestDeviceStore_Session(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, admission.Limits{})
	id, err := s.QueuePacket(ctx, "a1", "t1", protocol.NewGetProperty(dmtp_protocol.PropStateTime, nil))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e := session.NewEngine(s, session.DefaultConfig(), "10.0.0.1:9999", true,
		session.WithClock(func() time.Time { return base }))
	assert.Nil(t, e.Process(ctx, []byte{0xE0, 0x11, 0x05, 0x01, 0x02, 0x03, 0x04, 0x05}))

	resp := e.Process(ctx, []byte{0xE0, 0x00, 0x00})
	require.Len(t, resp, 2)
	assert.Equal(t, dmtp_protocol.ServerGetProperty, resp[0].Type())
	assert.Equal(t, dmtp_protocol.ServerEOBDone, resp[1].Type())

	resp = e.Process(ctx, []byte{0xE0, 0x00, 0x00})
	require.Len(t, resp, 1)
	assert.Equal(t, dmtp_protocol.ServerEOT, resp[0].Type())
	e.Close(ctx, nil)

	info, err := s.DeviceInfo(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, info.PendingCount)
	assert.Len(t, info.Sessions, 1)
}
