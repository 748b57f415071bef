// Package admission 按分钟计数的连接准入窗口
//
// 掩码是一个字节数组，每分钟占2位(0-3次连接)，mask[0] 为最早的分钟，
// 最后一个字节的低2位为当前分钟。所有函数都不修改传入的掩码。
package admission

const (
	// BitsPerMinute 每分钟占用的位数
	BitsPerMinute = 2
	// MaxPerMinute 每分钟可表示的最大连接数
	MaxPerMinute = 1<<BitsPerMinute - 1

	bitsPerByte    = 8
	minutesPerByte = bitsPerByte / BitsPerMinute
	minuteMask     = byte(MaxPerMinute)
)

// Window 固定分钟范围的准入窗口
type Window struct {
	minuteRange int
	byteLength  int
	padMask     byte
}

// NewWindow 创建覆盖 minuteRange 分钟的窗口
func NewWindow(minuteRange int) Window {
	if minuteRange < 0 {
		minuteRange = 0
	}
	w := Window{minuteRange: minuteRange}
	w.byteLength = (minuteRange*BitsPerMinute + bitsPerByte - 1) / bitsPerByte
	pad := w.byteLength*minutesPerByte - minuteRange
	switch {
	case pad > 0:
		w.padMask = byte(1<<((minutesPerByte-pad)*BitsPerMinute) - 1)
	case minuteRange > 0:
		w.padMask = 0xFF
	}
	return w
}

// MinuteRange 分钟范围
func (w Window) MinuteRange() int { return w.minuteRange }

// ByteLength 掩码字节数
func (w Window) ByteLength() int { return w.byteLength }

// PadMask 最早字节中属于窗口范围的位
func (w Window) PadMask() byte { return w.padMask }

// Adjust 返回长度正确的掩码副本，长度不符时右对齐（保留最近的分钟）
func (w Window) Adjust(mask []byte) []byte {
	out := make([]byte, w.byteLength)
	switch {
	case len(mask) == 0:
	case len(mask) <= w.byteLength:
		copy(out[w.byteLength-len(mask):], mask)
	default:
		copy(out, mask[len(mask)-w.byteLength:])
	}
	return out
}

// Shift 丢弃 minutes 分钟之前的计数，新的分钟计数为0
func (w Window) Shift(mask []byte, minutes int64) []byte {
	m := w.Adjust(mask)
	if minutes <= 0 || w.byteLength == 0 {
		return m
	}
	bits := minutes * BitsPerMinute
	units := bits / bitsPerByte
	if units >= int64(w.byteLength) {
		return make([]byte, w.byteLength)
	}

	n := int(units)
	nBits := uint(bits % bitsPerByte)
	out := make([]byte, w.byteLength)
	if nBits == 0 {
		copy(out, m[n:])
	} else {
		i := 0
		for ; i < w.byteLength-n-1; i++ {
			out[i] = m[i+n]<<nBits | m[i+n+1]>>(bitsPerByte-nBits)
		}
		out[i] = m[i+n] << nBits
	}
	out[0] &= w.padMask
	return out
}

// Count 窗口内的连接总数
func (w Window) Count(mask []byte) int {
	count := 0
	for _, b := range w.Adjust(mask) {
		for v := b; v != 0; v >>= BitsPerMinute {
			count += int(v & minuteMask)
		}
	}
	return count
}

// Mark 记录一次连接
// 先按 elapsedSec 整分钟移位；窗口内总数加1超过 maxTotal(>0时) 拒绝；
// 当前分钟已达到 maxPerMinute(超出1-3时按3)也拒绝。返回新的掩码和是否允许。
func (w Window) Mark(maxTotal, maxPerMinute int, mask []byte, elapsedSec int64) ([]byte, bool) {
	m := w.Shift(mask, elapsedSec/60)
	if len(m) == 0 {
		return m, true
	}
	if maxTotal > 0 && w.Count(m)+1 > maxTotal {
		return nil, false
	}
	if maxPerMinute <= 0 || maxPerMinute > MaxPerMinute {
		maxPerMinute = MaxPerMinute
	}
	last := len(m) - 1
	val := m[last] & minuteMask
	if int(val) >= maxPerMinute {
		return nil, false
	}
	m[last] = m[last]&^minuteMask | (val+1)&minuteMask
	return m, true
}
