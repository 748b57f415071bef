package protocol

import "github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"

// Checksum ASCII包的XOR校验和
// 跳过开头的 '$'，累加到 '*' 或 '\r' 为止。
func Checksum(b []byte) byte {
	s := 0
	if len(b) > 0 && b[0] == dmtp_protocol.AsciiStart {
		s = 1
	}
	var cksum byte
	for ; s < len(b); s++ {
		if b[s] == dmtp_protocol.AsciiChecksum || b[s] == dmtp_protocol.AsciiEOL {
			break
		}
		cksum ^= b[s]
	}
	return cksum
}
