package session

import (
	"context"
	"errors"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/metrics"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
	"github.com/sirupsen/logrus"
)

// 标识包中账号/设备名/唯一ID的最大长度
const maxIdentityLength = 20

type packetHandler func(e *Engine, ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error)

// categoryHandlers 包分类 -> 处理函数
var categoryHandlers map[dmtp_protocol.Category]packetHandler

func init() {
	categoryHandlers = map[dmtp_protocol.Category]packetHandler{
		dmtp_protocol.CategoryDialog:        (*Engine).handleEndOfBlock,
		dmtp_protocol.CategoryIdentity:      (*Engine).handleIdentity,
		dmtp_protocol.CategoryFixedEvent:    (*Engine).handleEvent,
		dmtp_protocol.CategoryProviderEvent: (*Engine).handleEvent,
		dmtp_protocol.CategoryCustomEvent:   (*Engine).handleEvent,
		dmtp_protocol.CategoryProperty:      (*Engine).handleProperty,
		dmtp_protocol.CategoryFormatDef:     (*Engine).handleFormatDefinition,
		dmtp_protocol.CategoryDiagnostic:    (*Engine).handleDiagnostic,
		dmtp_protocol.CategoryError:         (*Engine).handleClientError,
	}
}

func (e *Engine) handlePacket(ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error) {
	cat := pkt.Category()
	if cat != dmtp_protocol.CategoryIdentity {
		if _, err := e.requireDevice(); err != nil {
			return nil, err
		}
	}
	h, ok := categoryHandlers[cat]
	if !ok {
		return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketType, pkt.Ref())
	}
	return h(e, ctx, pkt)
}

func (e *Engine) requireDevice() (DeviceRecord, error) {
	if e.device == nil {
		return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakDeviceInvalid, dmtp_protocol.PacketRef{}).WithTerminate()
	}
	return e.device, nil
}

// ---------------------------------------------------------------------------
// 身份

func (e *Engine) handleIdentity(ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error) {
	r := pkt.Reader()
	var err error
	switch pkt.Type() {
	case dmtp_protocol.ClientUniqueID:
		err = e.loadUniqueID(ctx, r.ReadBytes(maxIdentityLength))
	case dmtp_protocol.ClientAccountID:
		err = e.loadAccount(ctx, r.ReadString(maxIdentityLength, true))
	case dmtp_protocol.ClientDeviceID:
		name := r.ReadString(maxIdentityLength, true)
		if e.account != nil {
			err = e.loadDevice(ctx, name)
		} else {
			// 没有账号时设备名按唯一ID处理
			err = e.loadUniqueID(ctx, []byte(name))
		}
	default:
		return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketType, pkt.Ref())
	}
	if err != nil {
		var pe *dmtp_protocol.ParseError
		if errors.As(err, &pe) {
			return nil, pe.WithTerminate()
		}
		return nil, err
	}
	return nil, nil
}

func identityError(code dmtp_protocol.ServerErrorCode, cause error) error {
	return dmtp_protocol.NewParseError(code, dmtp_protocol.PacketRef{}).WithCause(cause)
}

func (e *Engine) loadUniqueID(ctx context.Context, id []byte) error {
	if e.device != nil {
		return identityError(dmtp_protocol.NakProtocolError, errors.New("device already defined"))
	}
	if len(id) == 0 {
		return identityError(dmtp_protocol.NakIDInvalid, errors.New("empty unique id"))
	}
	dev, err := e.dir.DeviceByUniqueID(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return identityError(dmtp_protocol.NakIDInvalid, err)
	case err != nil:
		return identityError(dmtp_protocol.NakDeviceError, err)
	}

	acct, err := e.dir.Account(ctx, dev.AccountName())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return identityError(dmtp_protocol.NakAccountError, err)
	}
	if err := e.setAccount(acct); err != nil {
		return err
	}
	return e.setDevice(ctx, dev)
}

func (e *Engine) loadAccount(ctx context.Context, name string) error {
	if e.account != nil {
		return identityError(dmtp_protocol.NakProtocolError, errors.New("account already defined"))
	}
	if name == "" {
		return identityError(dmtp_protocol.NakAccountInvalid, errors.New("empty account name"))
	}
	acct, err := e.dir.Account(ctx, strings.ToLower(name))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return identityError(dmtp_protocol.NakAccountError, err)
	}
	return e.setAccount(acct)
}

func (e *Engine) setAccount(acct AccountRecord) error {
	if acct == nil {
		return identityError(dmtp_protocol.NakAccountInvalid, ErrNotFound)
	}
	if !acct.IsActive() {
		return identityError(dmtp_protocol.NakAccountInactive, nil)
	}
	e.account = acct
	e.log = e.log.WithField("account", acct.Name())
	return nil
}

func (e *Engine) loadDevice(ctx context.Context, name string) error {
	if e.device != nil {
		return identityError(dmtp_protocol.NakProtocolError, errors.New("device already defined"))
	}
	if name == "" {
		return identityError(dmtp_protocol.NakDeviceInvalid, errors.New("empty device name"))
	}
	dev, err := e.dir.Device(ctx, e.account, strings.ToLower(name))
	switch {
	case errors.Is(err, ErrNotFound):
		return identityError(dmtp_protocol.NakDeviceInvalid, err)
	case err != nil:
		return identityError(dmtp_protocol.NakDeviceError, err)
	}
	return e.setDevice(ctx, dev)
}

func (e *Engine) setDevice(ctx context.Context, dev DeviceRecord) error {
	if dev == nil {
		return identityError(dmtp_protocol.NakDeviceInvalid, ErrNotFound)
	}
	if !dev.IsValidIPAddress(e.ipAddr) {
		return identityError(dmtp_protocol.NakDeviceError, errors.New("invalid ip address "+e.ipAddr))
	}
	if !dev.IsActive() {
		return identityError(dmtp_protocol.NakDeviceInactive, nil)
	}
	if !dev.MarkAndValidateConnection(ctx, e.now(), e.duplex) {
		return identityError(dmtp_protocol.NakExcessiveConnections, nil)
	}
	if err := dev.SaveChanges(ctx); err != nil {
		return identityError(dmtp_protocol.NakDeviceError, err)
	}

	e.device = dev
	e.log = e.log.WithFields(logrus.Fields{
		"account": dev.AccountName(),
		"device":  dev.DeviceName(),
	})
	if e.encoding != dmtp_protocol.EncodingUnknown && !dev.SupportsEncoding(e.encoding) {
		e.log.WithField("encoding", e.encoding.String()).Warn("设备记录未声明支持当前编码")
	}
	e.log.Info("设备已识别")
	return nil
}

// ---------------------------------------------------------------------------
// 事件

func (e *Engine) handleEvent(ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error) {
	dev := e.device
	ev, err := event.Decoder{Templates: dev.Templates(), Now: e.now}.Decode(pkt, e.ipAddr)
	if err != nil {
		return nil, err
	}
	e.eventTotal++
	e.eventBlock++

	if e.eventErrorPacket != nil {
		// 本块已有入库错误，后续事件只解码不保存
		return nil, nil
	}

	ev.Account, ev.Device = dev.AccountName(), dev.DeviceName()
	code := dev.InsertEvent(ctx, ev)
	metrics.IncrementEventResult(uint16(code))
	switch code {
	case dmtp_protocol.NakOK:
		e.lastValidEvent = ev
		e.forward(ctx, ev)
	case dmtp_protocol.NakDuplicateEvent:
		e.lastValidEvent = ev
	default:
		e.log.WithField("errCode", code.String()).Error("事件入库失败")
		pe := dmtp_protocol.NewParseError(code, pkt.Ref())
		if seq, seqLen := ev.Sequence(), ev.SequenceLength(); seq >= 0 && seqLen > 0 {
			w := payload.NewWriter(seqLen)
			w.WriteUint(uint64(seq), seqLen)
			pe.WithData(w.Bytes())
		}
		e.eventErrorPacket = protocol.NewErrorPacketFrom(pe)
	}
	return nil, nil
}

func (e *Engine) forward(ctx context.Context, ev *event.GeoEvent) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.log.WithError(err).Warn("事件转发失败")
	}
}

// ---------------------------------------------------------------------------
// 块结束

func (e *Engine) handleEndOfBlock(ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error) {
	clientHasMore := pkt.Type() == dmtp_protocol.ClientEOBMore

	// 校验失败时也清零，会话继续时下一块重新累加
	if e.encoding == dmtp_protocol.EncodingBinary {
		switch pkt.PayloadLength() {
		case 0:
		case 2:
			if !e.fletcher.IsValid() {
				e.fletcher.Reset()
				return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakBlockChecksum, pkt.Ref())
			}
		default:
			e.fletcher.Reset()
			return nil, dmtp_protocol.NewParseError(dmtp_protocol.NakPacketPayload, pkt.Ref())
		}
	}
	e.fletcher.Reset()

	var resp []*protocol.Packet
	if e.lastValidEvent != nil {
		ev := e.lastValidEvent
		resp = append(resp, protocol.NewAck(ev.Sequence(), ev.SequenceLength()))
		e.eventBlock = 0
		e.lastValidEvent = nil
	}
	if e.eventErrorPacket != nil {
		resp = append(resp, e.eventErrorPacket)
		e.eventErrorPacket = nil
	}

	// 上一块下发的待发包设备已收到
	e.clearPendingPackets(ctx)

	serverSentPending := false
	pending, err := e.device.PendingPackets(ctx)
	if err != nil {
		e.log.WithError(err).Error("读取待发包失败")
	} else if !pending.IsEmpty() {
		e.pending = pending
		e.log.WithField("count", pending.Len()).Info("下发待发包")
		resp = append(resp, pending.Packets()...)
		serverSentPending = true
	}

	if clientHasMore || serverSentPending || e.expectTemplate {
		resp = append(resp, protocol.NewEOBDone())
		e.expectTemplate = false
	} else {
		resp = append(resp, protocol.NewEOT())
		e.terminate = true
	}
	return resp, nil
}

func (e *Engine) clearPendingPackets(ctx context.Context) {
	if e.pending == nil || e.device == nil {
		return
	}
	if err := e.device.ClearPendingPackets(ctx, e.pending); err != nil {
		e.log.WithError(err).Error("清除已下发的待发包失败")
	}
	e.pending = nil
}

// ---------------------------------------------------------------------------
// 属性/诊断/错误/格式定义

func codeAndData(pkt *protocol.Packet) (uint16, []byte) {
	r := pkt.Reader()
	code := uint16(r.ReadUint(2, 0))
	return code, r.ReadBytes(dmtp_protocol.MaxPayloadLength)
}

func (e *Engine) handleProperty(ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error) {
	code, data := codeAndData(pkt)
	e.log.WithField("property", dmtp_protocol.PropertyName(code)).Debug("收到属性值")
	e.device.HandleProperty(ctx, code, data)
	return nil, nil
}

func (e *Engine) handleDiagnostic(ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error) {
	code, data := codeAndData(pkt)
	e.log.WithField("diagCode", code).Debug("收到诊断信息")
	e.device.HandleDiagnostic(ctx, code, data)
	return nil, nil
}

func (e *Engine) handleClientError(ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error) {
	code, data := codeAndData(pkt)
	e.device.HandleError(ctx, code, data)

	cc := dmtp_protocol.ClientErrorCode(code)
	log := e.log.WithFields(logrus.Fields{
		"clientErr": cc.Description(),
		"code":      code,
	})
	if cc != dmtp_protocol.ClientErrPacketEncoding {
		log.Warn("设备报告错误")
		return nil, nil
	}

	// 设备不支持当前编码，改用 base64
	e.device.RemoveEncoding(e.encoding)
	if e.encoding.IsASCII() {
		e.encoding = dmtp_protocol.EncodingBase64.WithChecksum(e.encoding.HasChecksum())
	}
	log.WithField("encoding", e.encoding.String()).Warn("设备不支持当前编码")
	return nil, nil
}

func (e *Engine) handleFormatDefinition(ctx context.Context, pkt *protocol.Packet) ([]*protocol.Packet, error) {
	e.templatesReceived++
	tmpl, err := template.ParseDefinition(pkt.Payload())
	if err != nil {
		return nil, err
	}
	e.device.Templates().Put(tmpl)
	e.log.WithField("template", tmpl.String()).Info("收到自定义格式定义")
	return nil, nil
}
