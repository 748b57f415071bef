package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/logger"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/zinx_server"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/sirupsen/logrus"
)

// ErrIncompleteDatagram 数据报末尾有不完整的包
var ErrIncompleteDatagram = errors.New("incomplete packet at end of datagram")

// maxDatagramSize UDP数据报最大长度
const maxDatagramSize = 64 * 1024

// UDPServer 单工(UDP)服务器，每个数据报是一个独立的会话
type UDPServer struct {
	cfg  *config.Config
	deps Deps

	mu   sync.Mutex
	conn *net.UDPConn
	wg   sync.WaitGroup
}

// NewUDPServer 创建UDP服务器
func NewUDPServer(cfg *config.Config, deps Deps) *UDPServer {
	return &UDPServer{cfg: cfg, deps: deps}
}

// Start 监听并处理数据报，阻塞直到 Stop 或监听出错
func (s *UDPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.UDPServer.Host, s.cfg.UDPServer.Port)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("解析UDP地址失败: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("UDP监听失败: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	logger.Infof("UDP服务器启动在 %s", conn.LocalAddr())
	return s.Serve(conn)
}

// Serve 在已有连接上处理数据报
func (s *UDPServer) Serve(conn net.PacketConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("读取UDP数据报失败: %w", err)
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			resp := s.HandleDatagram(context.Background(), remote.String(), datagram)
			if len(resp) == 0 {
				return
			}
			if _, err := conn.WriteTo(resp, remote); err != nil {
				logger.WithFields(logrus.Fields{
					"remoteAddr": remote.String(),
					"error":      err.Error(),
				}).Error("UDP回包失败")
			}
		}()
	}
}

// HandleDatagram 以单工会话处理一个数据报，返回需要回复的字节
// 只有开启 udpServer.returnResponse 时才会有回复。
func (s *UDPServer) HandleDatagram(ctx context.Context, remoteAddr string, datagram []byte) []byte {
	log := logger.WithField("remoteAddr", remoteAddr)
	opts := []session.Option{session.WithLogger(log)}
	if s.deps.Sink != nil {
		opts = append(opts, session.WithEventSink(s.deps.Sink))
	}
	engine := session.NewEngine(s.deps.Directory, s.cfg.SessionConfig(), remoteAddr, false, opts...)
	if s.deps.Registry != nil {
		s.deps.Registry.Add(engine)
		defer s.deps.Registry.Remove(engine.ID())
	}

	st := zinx_server.NewStream(engine, s.cfg.Protocol.MaxPacketLength, zinx_server.Timeouts{}, nil)
	resp := st.Feed(ctx, datagram)

	reason := engine.Err()
	if reason == nil && !st.Done() && st.Buffered() > 0 {
		reason = ErrIncompleteDatagram
	}
	engine.Close(ctx, reason)
	return resp
}

// Stop 关闭监听
func (s *UDPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
