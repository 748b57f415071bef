package session

import "github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"

// NegotiationPolicy 未识别自定义格式的协商策略
type NegotiationPolicy string

const (
	// PolicySession 每个会话只协商一次，之后同类型的包静默丢弃
	PolicySession NegotiationPolicy = "session"
	// PolicyType 每个不同的自定义类型各协商一次
	PolicyType NegotiationPolicy = "type"
)

// Config 会话引擎配置
type Config struct {
	// AllowFirstSessionNegotiation 双工连接首次遇到未识别的自定义格式时，等待设备补发模板
	AllowFirstSessionNegotiation bool
	NegotiationPolicy            NegotiationPolicy
	// ReturnSimplexResponse 单工(UDP)会话是否回包
	ReturnSimplexResponse bool
	// SupportedEncodings 非空时只接受这些编码（按基础编码比较）
	SupportedEncodings []dmtp_protocol.Encoding
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		AllowFirstSessionNegotiation: true,
		NegotiationPolicy:            PolicySession,
	}
}

func (c Config) policy() NegotiationPolicy {
	if c.NegotiationPolicy == PolicyType {
		return PolicyType
	}
	return PolicySession
}

func (c Config) acceptsEncoding(enc dmtp_protocol.Encoding) bool {
	if len(c.SupportedEncodings) == 0 {
		return true
	}
	for _, e := range c.SupportedEncodings {
		if e.Base() == enc.Base() {
			return true
		}
	}
	return false
}
