package protocol

import "github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"

// FrameLength 从流缓冲区开头切出一个完整包的长度
//
//	>0  完整包长度（ASCII包包含行尾的全部 '\r' '\n'）
//	 0  数据不足，继续等待
//	<0  超过 maxLen 仍未结束，流无法恢复
//
// 二进制包的长度为 3 + buf[2]；ASCII 包以 '\r' 或 '\n' 结束。
// 非 '$' 开头的数据按二进制帧头处理，由 Parse 报告帧头错误。
func FrameLength(buf []byte, maxLen int) int {
	if maxLen <= 0 {
		maxLen = dmtp_protocol.DefaultMaxPacketLength
	}
	if len(buf) == 0 {
		return 0
	}

	if buf[0] == dmtp_protocol.AsciiStart {
		for i := 1; i < len(buf); i++ {
			if buf[i] != dmtp_protocol.AsciiEOL && buf[i] != dmtp_protocol.AsciiLF {
				continue
			}
			for i < len(buf) && (buf[i] == dmtp_protocol.AsciiEOL || buf[i] == dmtp_protocol.AsciiLF) {
				i++
			}
			if i > maxLen {
				return -1
			}
			return i
		}
		if len(buf) >= maxLen {
			return -1
		}
		return 0
	}

	if len(buf) < dmtp_protocol.MinHeaderLength {
		return 0
	}
	n := dmtp_protocol.MinHeaderLength + int(buf[2])
	if len(buf) < n {
		return 0
	}
	return n
}

// SkipLineEnds 去掉缓冲区开头残留的行尾字符（上一个ASCII包的 "\r\n" 被拆到两次读取时出现）
func SkipLineEnds(buf []byte) []byte {
	i := 0
	for i < len(buf) && (buf[i] == dmtp_protocol.AsciiEOL || buf[i] == dmtp_protocol.AsciiLF) {
		i++
	}
	return buf[i:]
}
