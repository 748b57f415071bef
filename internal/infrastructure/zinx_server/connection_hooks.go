package zinx_server

import (
	"context"
	"net"
	"time"

	"github.com/aceld/zinx/ziface"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/logger"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/sirupsen/logrus"
)

const (
	// 连接属性键
	PropKeyStream     = "dmtpStream"
	PropKeyRemoteAddr = "remoteAddr"
	PropKeyConnStatus = "connStatus"

	// 连接状态
	ConnStatusActive = "active"
	ConnStatusClosed = "closed"
)

// TCPKeepAlivePeriod TCP保活间隔
const TCPKeepAlivePeriod = 30 * time.Second

// closeTimeout 连接关闭时保存会话统计的最长时间
const closeTimeout = 5 * time.Second

// SessionHooks 连接生命周期与会话引擎的绑定
type SessionHooks struct {
	Directory       session.Directory
	Config          session.Config
	Sink            session.EventSink
	Registry        *session.Registry
	MaxPacketLength int
	Timeouts        Timeouts
}

// OnConnectionStart 连接建立时创建双工会话
func (h *SessionHooks) OnConnectionStart(conn ziface.IConnection) {
	remoteAddr := conn.RemoteAddr().String()
	conn.SetProperty(PropKeyRemoteAddr, remoteAddr)
	conn.SetProperty(PropKeyConnStatus, ConnStatusActive)

	if tcpConn, ok := conn.GetTCPConnection().(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(TCPKeepAlivePeriod)
	}

	log := logger.WithFields(logrus.Fields{
		"connID":     conn.GetConnID(),
		"remoteAddr": remoteAddr,
	})
	opts := []session.Option{session.WithLogger(log)}
	if h.Sink != nil {
		opts = append(opts, session.WithEventSink(h.Sink))
	}
	engine := session.NewEngine(h.Directory, h.Config, remoteAddr, true, opts...)
	st := NewStream(engine, h.MaxPacketLength, h.Timeouts, nil)
	conn.SetProperty(PropKeyStream, st)
	if h.Registry != nil {
		h.Registry.Add(engine)
	}
	setReadDeadline(conn, st)

	log.WithField("sessionID", engine.ID()).Info("新连接已建立")
}

// OnConnectionStop 连接断开时结束会话并保存统计
func (h *SessionHooks) OnConnectionStop(conn ziface.IConnection) {
	conn.SetProperty(PropKeyConnStatus, ConnStatusClosed)
	st := StreamOf(conn)
	if st == nil {
		return
	}
	conn.RemoveProperty(PropKeyStream)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	reason := st.CloseReason()
	stats := st.Engine().Close(ctx, reason)
	if h.Registry != nil {
		h.Registry.Remove(st.Engine().ID())
	}

	fields := logrus.Fields{
		"connID":       conn.GetConnID(),
		"sessionID":    stats.SessionID,
		"events":       stats.EventCount,
		"bytesRead":    stats.BytesRead,
		"bytesWritten": stats.BytesWritten,
	}
	if reason != nil {
		logger.WithFields(fields).WithError(reason).Warn("连接已断开")
		return
	}
	logger.WithFields(fields).Info("连接已断开")
}

// StreamOf 连接上的字节流
func StreamOf(conn ziface.IConnection) *Stream {
	v, err := conn.GetProperty(PropKeyStream)
	if err != nil || v == nil {
		return nil
	}
	st, _ := v.(*Stream)
	return st
}

// setReadDeadline 按当前缓冲状态刷新读超时，超时后 Zinx 的读协程退出并关闭连接
func setReadDeadline(conn ziface.IConnection, st *Stream) {
	if err := conn.GetConnection().SetReadDeadline(st.Deadline()); err != nil {
		logger.WithFields(logrus.Fields{
			"connID": conn.GetConnID(),
			"error":  err.Error(),
		}).Debug("设置读超时失败")
	}
}
