package payload

import (
	"encoding/hex"
	"math"
	"strings"
)

// DefaultMaxPayloadLength 单个载荷的默认最大长度（二进制帧长度字段为1字节）
const DefaultMaxPayloadLength = 255

// Payload 字节游标，在字节缓冲区上按位置读写整数、浮点、字符串和GPS坐标
//
// 不变式: 0 <= index <= size <= cap(buf)
// 读操作不会越过 size，写操作不会越过容量，并把 size 推进到写到的最远处。
// 所有越界的读写都被截断而不是报错，调用方通过 Size/Index 观察截断。
type Payload struct {
	buf       []byte
	size      int
	index     int
	snapshot  int
	bigEndian bool
}

// NewWriter 创建写入型游标（空，容量受限）
func NewWriter(capacity int) *Payload {
	if capacity < 0 {
		capacity = 0
	}
	return &Payload{
		buf:       make([]byte, capacity),
		snapshot:  -1,
		bigEndian: true,
	}
}

// NewReader 创建读取型游标，包装已有字节，size = len(b)
func NewReader(b []byte) *Payload {
	if b == nil {
		b = []byte{}
	}
	return &Payload{
		buf:       b,
		size:      len(b),
		snapshot:  -1,
		bigEndian: true,
	}
}

// NewReaderRange 从 b[ofs:ofs+n] 拷贝出读取型游标，越界部分被截断
func NewReaderRange(b []byte, ofs, n int) *Payload {
	if ofs < 0 || ofs >= len(b) || n <= 0 {
		return NewReader(nil)
	}
	if n > len(b)-ofs {
		n = len(b) - ofs
	}
	c := make([]byte, n)
	copy(c, b[ofs:ofs+n])
	return NewReader(c)
}

// SetBigEndian 设置字节序
func (p *Payload) SetBigEndian(bigEndian bool) {
	p.bigEndian = bigEndian
}

// IsBigEndian 是否大端
func (p *Payload) IsBigEndian() bool {
	return p.bigEndian
}

// Size 写入型: 已写入的字节数；读取型: 载荷总长度
func (p *Payload) Size() int {
	return p.size
}

// Capacity 缓冲区容量
func (p *Payload) Capacity() int {
	return len(p.buf)
}

// Clear 清空游标
func (p *Payload) Clear() {
	p.size = 0
	p.index = 0
}

// Bytes 返回 [0,size) 的数据副本
func (p *Payload) Bytes() []byte {
	out := make([]byte, p.size)
	copy(out, p.buf[:p.size])
	return out
}

// Index 当前读写位置
func (p *Payload) Index() int {
	return p.index
}

// ResetIndex 回到起点
func (p *Payload) ResetIndex() {
	p.SetIndex(0)
}

// SetIndex 设置读写位置，负数按0处理
func (p *Payload) SetIndex(ndx int) {
	if ndx <= 0 {
		p.index = 0
		return
	}
	if ndx > len(p.buf) {
		ndx = len(p.buf)
	}
	p.index = ndx
}

// SaveIndex 保存当前位置
func (p *Payload) SaveIndex() {
	p.snapshot = p.index
}

// RestoreIndex 恢复到 SaveIndex 保存的位置，未保存过返回false
func (p *Payload) RestoreIndex() bool {
	if p.snapshot < 0 {
		return false
	}
	p.SetIndex(p.snapshot)
	return true
}

// AvailableRead 剩余可读字节数
func (p *Payload) AvailableRead() int {
	if p.index >= p.size {
		return 0
	}
	return p.size - p.index
}

// AvailableWrite 剩余可写字节数
func (p *Payload) AvailableWrite() int {
	return len(p.buf) - p.index
}

// IsValidReadLength 是否至少还有 n 字节可读
func (p *Payload) IsValidReadLength(n int) bool {
	return p.index+n <= p.size
}

// IsValidWriteLength 是否至少还有 n 字节可写
func (p *Payload) IsValidWriteLength(n int) bool {
	return p.index+n <= len(p.buf)
}

// HasAvailableRead 是否还有数据可读
func (p *Payload) HasAvailableRead() bool {
	return p.AvailableRead() > 0
}

// readLen 把请求长度截断到剩余可读范围
func (p *Payload) readLen(n int) int {
	if n < 0 {
		return 0
	}
	if avail := p.AvailableRead(); n > avail {
		return avail
	}
	return n
}

// writeLen 把请求长度截断到剩余容量
func (p *Payload) writeLen(n int) int {
	if avail := p.AvailableWrite(); n > avail {
		return avail
	}
	return n
}

func (p *Payload) advance(n int) {
	p.index += n
	if p.size < p.index {
		p.size = p.index
	}
}

// Skip 跳过 n 字节（截断）
func (p *Payload) Skip(n int) {
	if m := p.readLen(n); m > 0 {
		p.index += m
	}
}

// ReadBytes 读取最多 n 字节；n<0 表示读取剩余全部
func (p *Payload) ReadBytes(n int) []byte {
	m := p.AvailableRead()
	if n >= 0 && n < m {
		m = n
	}
	if m <= 0 {
		return []byte{}
	}
	out := make([]byte, m)
	copy(out, p.buf[p.index:p.index+m])
	p.index += m
	return out
}

// PeekByte 查看下一字节但不移动位置
func (p *Payload) PeekByte() (byte, bool) {
	if p.index < p.size {
		return p.buf[p.index], true
	}
	return 0, false
}

// DecodeInt 从 data 解码 n 字节整数；signed 时做符号扩展。数据不足返回 dft
func DecodeInt(data []byte, bigEndian, signed bool, dft int64) int64 {
	n := len(data)
	if n == 0 || n > 8 {
		return dft
	}
	var v uint64
	var neg bool
	if bigEndian {
		neg = signed && data[0]&0x80 != 0
		for _, b := range data {
			v = v<<8 | uint64(b)
		}
	} else {
		neg = signed && data[n-1]&0x80 != 0
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
	}
	if neg && n < 8 {
		v |= ^uint64(0) << (uint(n) * 8)
	}
	return int64(v)
}

// EncodeInt 把 v 的低 len(dst) 字节写入 dst
func EncodeInt(dst []byte, bigEndian bool, v uint64) {
	n := len(dst)
	if bigEndian {
		for i := n - 1; i >= 0; i-- {
			dst[i] = byte(v)
			v >>= 8
		}
		return
	}
	for i := 0; i < n; i++ {
		dst[i] = byte(v)
		v >>= 8
	}
}

// ReadInt 读取有符号整数，无可读数据时返回 dft
func (p *Payload) ReadInt(n int, dft int64) int64 {
	m := p.readLen(n)
	if m <= 0 {
		return dft
	}
	v := DecodeInt(p.buf[p.index:p.index+m], p.bigEndian, true, dft)
	p.index += m
	return v
}

// ReadUint 读取无符号整数，无可读数据时返回 dft
func (p *Payload) ReadUint(n int, dft uint64) uint64 {
	m := p.readLen(n)
	if m <= 0 {
		return dft
	}
	v := DecodeInt(p.buf[p.index:p.index+m], p.bigEndian, false, int64(dft))
	p.index += m
	return uint64(v)
}

// DecodeFloat IEEE 754 解码: >=8字节按 double，>=4字节按 float
func DecodeFloat(data []byte, bigEndian bool, dft float64) float64 {
	switch {
	case len(data) >= 8:
		return math.Float64frombits(uint64(DecodeInt(data[:8], bigEndian, false, 0)))
	case len(data) >= 4:
		return float64(math.Float32frombits(uint32(DecodeInt(data[:4], bigEndian, false, 0))))
	default:
		return dft
	}
}

// ReadFloat 读取浮点数
func (p *Payload) ReadFloat(n int, dft float64) float64 {
	m := p.readLen(n)
	if m <= 0 {
		return dft
	}
	v := DecodeFloat(p.buf[p.index:p.index+m], p.bigEndian, dft)
	p.index += m
	return v
}

// ReadString 读取字符串
// varLength 为真时遇到 0 字节结束（并吞掉终止符），否则按固定长度读取。
func (p *Payload) ReadString(n int, varLength bool) string {
	m := p.readLen(n)
	if m <= 0 {
		return ""
	}
	s := p.buf[p.index : p.index+m]
	k := m
	if varLength {
		for k = 0; k < m && s[k] != 0; k++ {
		}
	}
	out := string(s[:k])
	p.index += k
	if k < m {
		p.index++
	}
	if !varLength {
		out = strings.TrimRight(out, "\x00")
	}
	return out
}

// ReadGPS 读取 6 或 8 字节的GPS坐标，不足6字节返回零值坐标
func (p *Payload) ReadGPS(n int) GeoPoint {
	m := p.readLen(n)
	if m < 6 {
		if m > 0 {
			p.index += m
		}
		return GeoPoint{}
	}
	gp := DecodeGeoPoint(p.buf[p.index : p.index+m])
	p.index += m
	return gp
}

// WriteInt 写入 n 字节整数，容量不足时不写入并返回0
func (p *Payload) WriteInt(v int64, n int) int {
	return p.WriteUint(uint64(v), n)
}

// WriteUint 写入 n 字节无符号整数
func (p *Payload) WriteUint(v uint64, n int) int {
	if n <= 0 || p.writeLen(n) < n {
		return 0
	}
	switch {
	case n > 8 && p.bigEndian:
		clear(p.buf[p.index : p.index+n-8])
		EncodeInt(p.buf[p.index+n-8:p.index+n], true, v)
	case n > 8:
		EncodeInt(p.buf[p.index:p.index+8], false, v)
		clear(p.buf[p.index+8 : p.index+n])
	default:
		EncodeInt(p.buf[p.index:p.index+n], p.bigEndian, v)
	}
	p.advance(n)
	return n
}

// WriteFloat 写入浮点数，n<8 按 float(4字节)，否则 double(8字节)
func (p *Payload) WriteFloat(v float64, n int) int {
	if n <= 0 || p.writeLen(n) < 4 {
		return 0
	}
	if n < 8 {
		EncodeInt(p.buf[p.index:p.index+4], p.bigEndian, uint64(math.Float32bits(float32(v))))
		p.advance(4)
		return 4
	}
	if p.writeLen(8) < 8 {
		return 0
	}
	EncodeInt(p.buf[p.index:p.index+8], p.bigEndian, math.Float64bits(v))
	p.advance(8)
	return 8
}

// WriteZeroFill 填充 n 个0字节（截断）
func (p *Payload) WriteZeroFill(n int) int {
	if n <= 0 {
		return 0
	}
	m := p.writeLen(n)
	if m <= 0 {
		return 0
	}
	clear(p.buf[p.index : p.index+m])
	p.advance(m)
	return m
}

// WriteBytes 写入固定宽度 n 的字节字段，b 不足部分补0，超出部分丢弃
func (p *Payload) WriteBytes(b []byte, n int) int {
	if n <= 0 {
		return 0
	}
	if len(b) == 0 {
		return p.WriteZeroFill(n)
	}
	m := p.writeLen(n)
	if m <= 0 {
		return 0
	}
	k := copy(p.buf[p.index:p.index+m], b)
	clear(p.buf[p.index+k : p.index+m])
	p.advance(m)
	return m
}

// WriteRaw 原样写入全部字节（截断）
func (p *Payload) WriteRaw(b []byte) int {
	return p.WriteBytes(b, len(b))
}

// WriteString 写入字符串，空间有余时追加0终止符
func (p *Payload) WriteString(s string, n int) int {
	if n <= 0 {
		return 0
	}
	m := p.writeLen(n)
	if m <= 0 {
		return 0
	}
	if s == "" {
		p.buf[p.index] = 0
		p.advance(1)
		return 1
	}
	k := copy(p.buf[p.index:p.index+m], s)
	if k < m {
		p.buf[p.index+k] = 0
		k++
	}
	p.advance(k)
	return k
}

// WriteGPS 写入GPS坐标，n<8 使用6字节编码，否则8字节
func (p *Payload) WriteGPS(gp GeoPoint, n int) int {
	if n <= 0 || p.writeLen(n) < 6 {
		return 0
	}
	w := 6
	if n >= 8 {
		if p.writeLen(8) < 8 {
			return 0
		}
		w = 8
	}
	EncodeGeoPoint(gp, p.buf[p.index:p.index+w])
	p.advance(w)
	return w
}

// String 十六进制表示
func (p *Payload) String() string {
	return strings.ToUpper(hex.EncodeToString(p.buf[:p.size]))
}
