// Package fletcher 块校验和累加器
//
// 设备在一个数据块的所有包之后发送 EOB，EOB 载荷中的2字节校验值使整个块
// (含 EOB 的帧头、类型、长度和校验值本身) 的两个累加和模256都为0。
package fletcher

// Checksum 运行中的 Fletcher 累加器
type Checksum struct {
	c0, c1 uint8
}

// New 创建累加器
func New() *Checksum {
	return &Checksum{}
}

// Reset 清零
func (f *Checksum) Reset() {
	f.c0, f.c1 = 0, 0
}

// Update 累加字节
func (f *Checksum) Update(b []byte) {
	for _, v := range b {
		f.c0 += v
		f.c1 += f.c0
	}
}

// IsValid 两个累加和都为0
func (f *Checksum) IsValid() bool {
	return f.c0 == 0 && f.c1 == 0
}

// Sum 追加到已累加数据之后能使 IsValid 成立的2字节校验值，不修改状态
func (f *Checksum) Sum() [2]byte {
	// 追加 F0,F1 后要求 c0+F0+F1 == 0 且 c1+2*c0+2*F0+F1 == 0
	return [2]byte{-(f.c0 + f.c1), f.c1}
}
