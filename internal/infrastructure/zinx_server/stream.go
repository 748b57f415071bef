package zinx_server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
)

var (
	// ErrIdleTimeout 连接空闲超时
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrPacketTimeout 包未在规定时间内收完
	ErrPacketTimeout = errors.New("packet timeout")
	// ErrSessionTimeout 会话总时长超时
	ErrSessionTimeout = errors.New("session timeout")
	// ErrConnectionLost 未收到 EOT 连接已断开
	ErrConnectionLost = errors.New("connection closed before end of transmission")
)

// Timeouts TCP会话的三种超时，<=0 表示不限制
type Timeouts struct {
	Idle    time.Duration
	Packet  time.Duration
	Session time.Duration
}

// Stream 一条TCP连接上的字节流，负责粘包/半包切分并交给会话引擎
type Stream struct {
	engine   *session.Engine
	maxLen   int
	timeouts Timeouts
	now      func() time.Time
	started  time.Time

	mu       sync.Mutex
	buf      []byte
	lastRead time.Time
	done     bool
}

// NewStream 创建字节流，now 为 nil 时使用 time.Now
func NewStream(engine *session.Engine, maxLen int, timeouts Timeouts, now func() time.Time) *Stream {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Stream{
		engine:   engine,
		maxLen:   maxLen,
		timeouts: timeouts,
		now:      now,
		started:  t,
		lastRead: t,
	}
}

// Engine 会话引擎
func (s *Stream) Engine() *session.Engine { return s.engine }

// Feed 追加收到的数据并处理其中所有完整的帧，返回需要写回设备的字节
// 会话终止后剩余的数据被丢弃。
func (s *Stream) Feed(ctx context.Context, data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRead = s.now()
	if s.done {
		return nil
	}
	s.buf = append(s.buf, data...)

	var out []byte
	for !s.done {
		s.buf = protocol.SkipLineEnds(s.buf)
		n := protocol.FrameLength(s.buf, s.maxLen)
		if n == 0 {
			break
		}
		if n < 0 {
			out = append(out, s.engine.HandleOverflow(s.buf)...)
			s.buf = nil
			s.done = true
			break
		}
		frame := s.buf[:n]
		out = append(out, s.engine.HandleFrame(ctx, frame)...)
		s.buf = s.buf[n:]
		s.done = s.engine.Terminated()
	}
	if s.done {
		s.buf = nil
	} else if len(s.buf) == 0 {
		s.buf = nil
	}
	return out
}

// Done 会话是否已结束，传输层应在写完响应后关闭连接
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Buffered 未处理的字节数
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Deadline 下一次读取的截止时间，零值表示不限制
// 缓冲区有半包时用包超时，否则用空闲超时，两者都不超过会话截止时间。
func (s *Stream) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, _ := s.deadlineLocked()
	return d
}

// TimeoutCause 按当前时间判断是哪一种超时，未超时返回nil
func (s *Stream) TimeoutCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, cause := s.deadlineLocked()
	if d.IsZero() || s.now().Before(d) {
		return nil
	}
	return cause
}

func (s *Stream) deadlineLocked() (time.Time, error) {
	var (
		deadline time.Time
		cause    error
	)
	read, readCause := s.timeouts.Idle, ErrIdleTimeout
	if len(s.buf) > 0 {
		read, readCause = s.timeouts.Packet, ErrPacketTimeout
	}
	if read > 0 {
		deadline, cause = s.lastRead.Add(read), readCause
	}
	if s.timeouts.Session > 0 {
		end := s.started.Add(s.timeouts.Session)
		if deadline.IsZero() || end.Before(deadline) {
			deadline, cause = end, ErrSessionTimeout
		}
	}
	return deadline, cause
}

// CloseReason 连接关闭时交给 Engine.Close 的错误
// 正常结束(EOT)返回nil。
func (s *Stream) CloseReason() error {
	if err := s.engine.Err(); err != nil {
		return err
	}
	if s.Done() {
		return nil
	}
	if err := s.TimeoutCause(); err != nil {
		return err
	}
	return ErrConnectionLost
}
