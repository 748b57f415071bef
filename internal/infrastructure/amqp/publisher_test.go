package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
	"github.com/fxamacker/cbor/v2"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	fail   error
	closed bool
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func testEvent() *event.GeoEvent {
	ev := event.New()
	ev.Set(event.FieldRawData, "$E030...")
	ev.Set(event.FieldStatusCode, int64(0xF020))
	ev.Set(event.FieldTimestamp, int64(1700000000))
	ev.Set(event.FieldGeoPoint, payload.NewGeoPoint(34.05, -118.25))
	ev.Account, ev.Device = "a1", "t1"
	return ev
}

func TestPublisher_JSON(t *testing.T) {
	ch := &fakeChannel{}
	dials := 0
	p := NewPublisher(config.AMQPConfig{Exchange: "dmtp.events", RoutingKey: "event", BodyFormat: "json"},
		func() (Channel, error) { dials++; return ch, nil })

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.NoError(t, p.Publish(context.Background(), testEvent()))
	assert.Equal(t, 1, dials, "连接复用")
	require.Len(t, ch.sent, 2)

	got := ch.sent[0]
	assert.Equal(t, "dmtp.events", got.exchange)
	assert.Equal(t, "event.a1.t1", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, int64(1700000000), got.msg.Timestamp.Unix())
	var m map[string]any
	require.NoError(t, json.Unmarshal(got.msg.Body, &m))
	assert.Equal(t, "t1", m["Device"])
}

func TestPublisher_CBOR(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(config.AMQPConfig{RoutingKey: "event", BodyFormat: "cbor"},
		func() (Channel, error) { return ch, nil })
	require.NoError(t, p.Publish(context.Background(), testEvent()))

	require.Len(t, ch.sent, 1)
	assert.Equal(t, "application/cbor", ch.sent[0].msg.ContentType)
	var msg struct {
		Account string                 `cbor:"account"`
		Fields  map[string]interface{} `cbor:"fields"`
	}
	require.NoError(t, cbor.Unmarshal(ch.sent[0].msg.Body, &msg))
	assert.Equal(t, "a1", msg.Account)
	assert.Contains(t, msg.Fields, event.FieldGeoPoint)
	assert.NotContains(t, msg.Fields, event.FieldRawData)
}

func TestPublisher_Failures(t *testing.T) {
	p := NewPublisher(config.AMQPConfig{}, func() (Channel, error) { return nil, errors.New("refused") })
	assert.Error(t, p.Publish(context.Background(), testEvent()))
	assert.Error(t, p.Publish(context.Background(), testEvent()), "重连间隔内不再拨号")

	ch := &fakeChannel{fail: errors.New("channel closed")}
	p2 := NewPublisher(config.AMQPConfig{}, func() (Channel, error) { return ch, nil })
	assert.Error(t, p2.Publish(context.Background(), testEvent()))
	assert.True(t, ch.closed, "发布失败后关闭通道")
	assert.NoError(t, p2.Close())
}
