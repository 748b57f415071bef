package zinx_server

import (
	"github.com/aceld/zinx/ziface"
	"github.com/aceld/zinx/znet"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/logger"
	"github.com/sirupsen/logrus"
)

// DMTPRouter 处理 MsgIDRaw 上的全部原始数据
// Zinx 保证同一连接的请求按顺序交给同一个工作协程。
type DMTPRouter struct {
	znet.BaseRouter
}

// NewDMTPRouter 创建路由
func NewDMTPRouter() ziface.IRouter {
	return &DMTPRouter{}
}

// Handle 切帧、交给会话引擎、写回响应；会话结束后关闭连接
func (r *DMTPRouter) Handle(request ziface.IRequest) {
	conn := request.GetConnection()
	st := StreamOf(conn)
	if st == nil {
		logger.WithField("connID", conn.GetConnID()).Error("连接没有会话，关闭连接")
		conn.Stop()
		return
	}

	resp := st.Feed(conn.Context(), request.GetData())
	if len(resp) > 0 {
		if logger.HexDumpEnabled() {
			logger.HexDump("DMTP发送响应", resp, logrus.Fields{"connID": conn.GetConnID()})
		}
		if _, err := conn.GetTCPConnection().Write(resp); err != nil {
			logger.WithFields(logrus.Fields{
				"connID": conn.GetConnID(),
				"error":  err.Error(),
			}).Error("发送响应失败")
			conn.Stop()
			return
		}
	}

	if st.Done() {
		conn.Stop()
		return
	}
	setReadDeadline(conn, st)
}
