// Package session DMTP 会话协议引擎
//
// 一个 Engine 对应一条连接（TCP）或一个数据报（UDP）。引擎本身不做任何网络 I/O，
// 传输层把切分好的帧交给 HandleFrame，并把返回的字节写回设备。
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/fletcher"
	"github.com/bujia-iot/dmtp-zinx/pkg/metrics"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// reportKey 已回过的错误 (错误码, 包类型)
type reportKey struct {
	code    dmtp_protocol.ServerErrorCode
	pktType dmtp_protocol.PacketType
}

// Engine 单个会话的协议状态机
type Engine struct {
	mu sync.Mutex

	id   string
	cfg  Config
	dir  Directory
	sink EventSink
	log  *logrus.Entry
	now  func() time.Time

	ipAddr    string
	duplex    bool
	startTime time.Time

	encoding dmtp_protocol.Encoding
	fletcher *fletcher.Checksum

	account AccountRecord
	device  DeviceRecord

	eventTotal       int
	eventBlock       int
	lastValidEvent   *event.GeoEvent
	eventErrorPacket *protocol.Packet

	formatErrorCount  int
	formatErrorTypes  map[dmtp_protocol.PacketType]struct{}
	reported          map[reportKey]struct{}
	templatesReceived int
	expectTemplate    bool

	pending   *protocol.PacketList
	terminate bool
	termErr   error

	bytesRead    int64
	bytesWritten int64
	closeOnce    sync.Once
}

// Option 引擎选项
type Option func(*Engine)

// WithLogger 指定日志入口
func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock 指定时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEventSink 事件转发
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithSessionID 指定会话ID
func WithSessionID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.id = id
		}
	}
}

// NewEngine 开始一个会话
// remoteAddr 可以是 "ip:port" 或纯IP；duplex 为 false 表示单工(UDP)会话。
func NewEngine(dir Directory, cfg Config, remoteAddr string, duplex bool, opts ...Option) *Engine {
	e := &Engine{
		id:               uuid.NewString(),
		cfg:              cfg,
		dir:              dir,
		log:              logrus.NewEntry(logrus.StandardLogger()),
		now:              time.Now,
		ipAddr:           hostOf(remoteAddr),
		duplex:           duplex,
		encoding:         dmtp_protocol.EncodingUnknown,
		fletcher:         fletcher.New(),
		formatErrorTypes: make(map[dmtp_protocol.PacketType]struct{}),
		reported:         make(map[reportKey]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.startTime = e.now()
	e.log = e.log.WithFields(logrus.Fields{
		"sessionID":  e.id,
		"remoteAddr": e.ipAddr,
	})

	metrics.SessionStarted(duplex)
	if duplex {
		e.log.Info("Begin Duplex communication")
	} else {
		e.log.Info("Begin Simplex communication")
	}
	return e
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// ID 会话ID
func (e *Engine) ID() string { return e.id }

// IsDuplex 是否双工
func (e *Engine) IsDuplex() bool { return e.duplex }

// Terminated 会话是否应当结束
func (e *Engine) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminate
}

// Err 导致会话终止的协议错误；正常结束(EOT)或未终止时为nil
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.termErr
}

// HandleFrame 处理一个完整的帧，返回要写回设备的字节（可能为nil）
// 单工会话未开启回包时丢弃响应。
func (e *Engine) HandleFrame(ctx context.Context, frame []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.encodeResponse(frame, e.process(ctx, frame))
}

// HandleOverflow 流中出现超过最大长度仍未结束的包，回长度错误并终止会话
func (e *Engine) HandleOverflow(prefix []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.bytesRead += int64(len(prefix))
	pkt, _ := protocol.Parser{IsClient: true}.Parse(prefix)
	pe := dmtp_protocol.NewParseError(dmtp_protocol.NakPacketLength, pkt.Ref()).
		WithCause(fmt.Errorf("packet exceeds %d bytes", len(prefix))).WithTerminate()
	return e.encodeResponse(prefix, e.handleFailure(nil, pe))
}

func (e *Engine) encodeResponse(frame []byte, resp []*protocol.Packet) []byte {
	if len(resp) == 0 {
		return nil
	}
	if !e.duplex && !e.cfg.ReturnSimplexResponse {
		e.log.WithField("count", len(resp)).Debug("UDP Response discarded")
		return nil
	}

	enc := e.responseEncoding(frame)
	var buf bytes.Buffer
	for _, p := range resp {
		buf.Write(protocol.Encode(p, enc))
	}
	e.bytesWritten += int64(buf.Len())
	return buf.Bytes()
}

// Process 处理一个完整的帧，返回响应包（不编码，不受单工回包开关影响）
func (e *Engine) Process(ctx context.Context, frame []byte) []*protocol.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.process(ctx, frame)
}

// responseEncoding 会话编码未确定时按帧首字节推断
func (e *Engine) responseEncoding(frame []byte) dmtp_protocol.Encoding {
	if e.encoding != dmtp_protocol.EncodingUnknown {
		return e.encoding
	}
	if len(frame) > 0 && frame[0] == dmtp_protocol.AsciiStart {
		return dmtp_protocol.EncodingBase64
	}
	return dmtp_protocol.EncodingBinary
}

func (e *Engine) process(ctx context.Context, frame []byte) []*protocol.Packet {
	start := time.Now()
	e.bytesRead += int64(len(frame))
	e.fletcher.Update(frame)

	parser := protocol.Parser{IsClient: true}
	if e.device != nil {
		parser.Custom = e.device.Templates()
	}
	pkt, err := parser.Parse(frame)
	if err == nil {
		metrics.IncrementPacketCount(uint8(pkt.Type()))
		if e.encoding == dmtp_protocol.EncodingUnknown {
			if !e.cfg.acceptsEncoding(pkt.Encoding()) {
				err = dmtp_protocol.NewParseError(dmtp_protocol.NakPacketEncoding, pkt.Ref()).WithTerminate()
			} else {
				e.encoding = pkt.Encoding()
			}
		}
	} else {
		err = terminateOnFraming(err)
	}

	var resp []*protocol.Packet
	if err == nil {
		resp, err = e.handlePacket(ctx, pkt)
	}
	if err != nil {
		resp = e.handleFailure(pkt, err)
	}

	if pkt != nil {
		metrics.RecordProcessingTime(uint8(pkt.Type()), time.Since(start))
	}
	return resp
}

// terminateOnFraming 帧级错误之后的字节不可信，会话结束
func terminateOnFraming(err error) error {
	var pe *dmtp_protocol.ParseError
	if !errors.As(err, &pe) {
		return dmtp_protocol.NewParseError(dmtp_protocol.NakPacketPayload, dmtp_protocol.PacketRef{}).
			WithCause(err).WithTerminate()
	}
	switch pe.Code {
	case dmtp_protocol.NakPacketHeader, dmtp_protocol.NakPacketLength, dmtp_protocol.NakPacketEncoding,
		dmtp_protocol.NakPacketChecksum, dmtp_protocol.NakPacketPayload:
		pe.Terminate = true
	}
	return pe
}

// handleFailure 把错误转换为最多一个服务器错误包
func (e *Engine) handleFailure(pkt *protocol.Packet, err error) []*protocol.Packet {
	var pe *dmtp_protocol.ParseError
	if !errors.As(err, &pe) {
		pe = dmtp_protocol.NewParseError(dmtp_protocol.NakProtocolError, dmtp_protocol.PacketRef{}).WithCause(err)
	}
	if pkt != nil {
		pe.AttachPacket(pkt.Ref())
	}
	metrics.IncrementParseErrorCount(uint16(pe.Code))

	log := e.log.WithFields(logrus.Fields{
		"errCode": pe.Code.String(),
		"pktType": pe.Packet.Type,
	})
	if pe.Terminate {
		e.terminate = true
		e.termErr = pe
	}

	switch {
	case pe.Code == dmtp_protocol.NakFormatNotRecognized:
		if !e.noteUnrecognizedFormat(pe, log) {
			return nil
		}
	case pe.Terminate:
		log.WithError(pe).Error("会话因协议错误终止")
	default:
		key := reportKey{code: pe.Code, pktType: pe.Packet.Type}
		if _, dup := e.reported[key]; dup {
			log.Debug("重复的错误，不再回复")
			return nil
		}
		e.reported[key] = struct{}{}
		log.WithError(pe).Warn("包处理失败")
	}
	return []*protocol.Packet{protocol.NewErrorPacketFrom(pe)}
}

// noteUnrecognizedFormat 记录未识别的自定义格式，返回是否需要回错误包
func (e *Engine) noteUnrecognizedFormat(pe *dmtp_protocol.ParseError, log *logrus.Entry) bool {
	t := pe.Packet.Type
	if _, seen := e.formatErrorTypes[t]; seen {
		return false
	}
	e.formatErrorTypes[t] = struct{}{}
	e.formatErrorCount++

	if e.formatErrorCount > 1 && e.cfg.policy() == PolicySession {
		log.Warn("未识别的自定义格式（本会话已协商过）")
		return true
	}
	if e.duplex {
		log.Warn("未识别的自定义格式，将通知设备")
		if e.cfg.AllowFirstSessionNegotiation {
			e.expectTemplate = true
		}
	} else {
		log.WithError(pe).Error("单工传输中出现未识别的自定义格式")
	}
	return true
}

// Close 结束会话，记录统计；err 非nil 时保留已下发的待发包
// 可重复调用，只有第一次生效。
func (e *Engine) Close(ctx context.Context, err error) Stats {
	var stats Stats
	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if err != nil {
			if !e.pending.IsEmpty() {
				e.log.WithError(err).Warn("会话异常结束，待发包保留")
			} else {
				e.log.WithError(err).Warn("会话异常结束")
			}
		} else {
			e.clearPendingPackets(ctx)
		}

		stats = Stats{
			SessionID:    e.id,
			StartTime:    e.startTime,
			EndTime:      e.now(),
			IPAddress:    e.ipAddr,
			Duplex:       e.duplex,
			BytesRead:    e.bytesRead,
			BytesWritten: e.bytesWritten,
			EventCount:   e.eventTotal,
		}
		if err != nil {
			stats.Error = err.Error()
		}
		if e.device != nil {
			if serr := e.device.SessionStatistics(ctx, stats); serr != nil {
				e.log.WithError(serr).Error("保存会话统计失败")
			}
		}
		metrics.SessionEnded(uint64(e.bytesRead), uint64(e.bytesWritten))

		if e.duplex {
			e.log.WithField("events", e.eventTotal).Info("End Duplex communication")
		} else {
			e.log.WithField("events", e.eventTotal).Info("End Simplex communication")
		}
	})
	return stats
}

// Info 会话快照
type Info struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remoteAddr"`
	Duplex         bool      `json:"duplex"`
	Account        string    `json:"account,omitempty"`
	Device         string    `json:"device,omitempty"`
	Encoding       string    `json:"encoding"`
	StartTime      time.Time `json:"startTime"`
	Events         int       `json:"events"`
	BytesRead      int64     `json:"bytesRead"`
	BytesWritten   int64     `json:"bytesWritten"`
	ExpectTemplate bool      `json:"expectTemplate"`
	Terminated     bool      `json:"terminated"`
}

// Info 当前状态
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := Info{
		ID:             e.id,
		RemoteAddr:     e.ipAddr,
		Duplex:         e.duplex,
		Encoding:       e.encoding.String(),
		StartTime:      e.startTime,
		Events:         e.eventTotal,
		BytesRead:      e.bytesRead,
		BytesWritten:   e.bytesWritten,
		ExpectTemplate: e.expectTemplate,
		Terminated:     e.terminate,
	}
	if e.account != nil {
		info.Account = e.account.Name()
	}
	if e.device != nil {
		info.Account = e.device.AccountName()
		info.Device = e.device.DeviceName()
	}
	return info
}
