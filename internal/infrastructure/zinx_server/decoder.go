package zinx_server

import (
	"github.com/aceld/zinx/ziface"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/logger"
	"github.com/sirupsen/logrus"
)

// MsgIDRaw 所有原始数据统一使用的消息ID
const MsgIDRaw uint32 = 0

// DMTPDecoder DMTP 的拦截器
// DMTP 的二进制帧与 ASCII 行混用同一条连接，无法用定长的长度字段描述，
// 所以不让 Zinx 做切分，原始读取块统一路由到 MsgIDRaw，由 Stream 按连接缓冲切分。
type DMTPDecoder struct{}

// NewDMTPDecoder 创建解码器
func NewDMTPDecoder() ziface.IDecoder {
	return &DMTPDecoder{}
}

// GetLengthField 返回nil，Zinx 直接传递读取到的原始数据
func (d *DMTPDecoder) GetLengthField() *ziface.LengthField {
	return nil
}

// Intercept 复制数据并固定消息ID
// Zinx 的读缓冲会被下一次读取复用，交给工作池前必须复制。
func (d *DMTPDecoder) Intercept(chain ziface.IChain) ziface.IcResp {
	iMessage := chain.GetIMessage()
	if iMessage == nil {
		return chain.ProceedWithIMessage(iMessage, nil)
	}

	data := iMessage.GetData()
	if len(data) == 0 {
		return chain.ProceedWithIMessage(iMessage, nil)
	}
	raw := make([]byte, len(data))
	copy(raw, data)

	iMessage.SetMsgID(MsgIDRaw)
	iMessage.SetData(raw)
	iMessage.SetDataLen(uint32(len(raw)))

	if logger.HexDumpEnabled() {
		logger.HexDump("DMTP收到原始数据", raw, logrus.Fields{"dataLen": len(raw)})
	}
	return chain.ProceedWithIMessage(iMessage, nil)
}
