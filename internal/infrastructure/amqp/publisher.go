// Package amqp 把入库成功的事件转发到消息队列
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// 消息体格式
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// redialInterval 连接断开后两次重连之间的最小间隔
const redialInterval = 5 * time.Second

// Channel 发布所需的通道操作，*amqp.Channel 实现
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// DialFunc 建立连接并返回通道
type DialFunc func() (Channel, error)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("amqp: CBOR encoder initialization failed: " + err.Error())
	}
}

// Message CBOR 消息体
type Message struct {
	Account string         `cbor:"account" json:"account"`
	Device  string         `cbor:"device" json:"device"`
	Fields  map[string]any `cbor:"fields" json:"fields"`
}

// Publisher 事件发布器，实现 session.EventSink
type Publisher struct {
	mu         sync.Mutex
	dial       DialFunc
	ch         Channel
	lastDial   time.Time
	exchange   string
	routingKey string
	format     string
	log        *logrus.Entry
}

// NewPublisher 创建发布器，首次发布时才建立连接
func NewPublisher(cfg config.AMQPConfig, dial DialFunc) *Publisher {
	format := cfg.BodyFormat
	if format != FormatCBOR {
		format = FormatJSON
	}
	return &Publisher{
		dial:       dial,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		format:     format,
		log:        logrus.WithField("component", "amqp"),
	}
}

// Dialer 连接 RabbitMQ 并声明 topic 交换机
func Dialer(cfg config.AMQPConfig) DialFunc {
	return func() (Channel, error) {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp channel: %w", err)
		}
		if err := ch.ExchangeDeclare(
			cfg.Exchange, // name of the exchange
			"topic",      // type
			true,         // durable
			false,        // delete when complete
			false,        // internal
			false,        // noWait
			nil,          // arguments
		); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp exchange declare: %w", err)
		}
		return connChannel{Channel: ch, conn: conn}, nil
	}
}

// connChannel 关闭通道时同时关闭连接
type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c connChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

// Publish 实现 session.EventSink
// 路由键为 routingKey.account.device。
func (p *Publisher) Publish(_ context.Context, ev *event.GeoEvent) error {
	body, contentType, err := p.encode(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Unix(ev.Timestamp(), 0),
		Body:         body,
	}
	key := p.routingKey + "." + ev.Account + "." + ev.Device

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.Publish(p.exchange, key, false, false, msg); err != nil {
		p.log.WithError(err).Warn("发布失败，断开连接")
		_ = ch.Close()
		p.ch = nil
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (p *Publisher) channelLocked() (Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	if !p.lastDial.IsZero() && time.Since(p.lastDial) < redialInterval {
		return nil, fmt.Errorf("amqp: not connected")
	}
	p.lastDial = time.Now()
	ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.log.Info("AMQP 连接已建立")
	p.ch = ch
	return ch, nil
}

func (p *Publisher) encode(ev *event.GeoEvent) ([]byte, string, error) {
	if p.format == FormatJSON {
		b, err := json.Marshal(ev)
		return b, "application/json", err
	}
	msg := Message{Account: ev.Account, Device: ev.Device, Fields: make(map[string]any, ev.Len())}
	for _, k := range ev.Keys() {
		if k == event.FieldRawData {
			continue
		}
		v, _ := ev.Get(k)
		msg.Fields[k] = v
	}
	b, err := encMode.Marshal(msg)
	return b, "application/cbor", err
}

// Close 关闭连接
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
