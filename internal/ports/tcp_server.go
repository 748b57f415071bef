package ports

import (
	"fmt"
	"time"

	"github.com/aceld/zinx/zconf"
	"github.com/aceld/zinx/ziface"
	"github.com/aceld/zinx/znet"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/logger"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/zinx_server"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
)

// Deps 传输层共用的会话依赖
type Deps struct {
	Directory session.Directory
	Sink      session.EventSink
	Registry  *session.Registry
}

// TCPServer 封装双工(TCP)服务器
type TCPServer struct {
	server ziface.IServer
	cfg    *config.Config
	deps   Deps
}

// NewTCPServer 创建新的TCP服务器实例
func NewTCPServer(cfg *config.Config, deps Deps) *TCPServer {
	return &TCPServer{cfg: cfg, deps: deps}
}

// Start 配置并启动Zinx TCP服务器，阻塞直到服务器退出
func (s *TCPServer) Start() error {
	if err := s.initialize(); err != nil {
		return err
	}
	s.registerRoutes()
	s.setupConnectionHooks()
	return s.startServer()
}

// Stop 停止服务器
func (s *TCPServer) Stop() {
	if s.server != nil {
		s.server.Stop()
	}
}

// initialize 初始化服务器配置
func (s *TCPServer) initialize() error {
	tcpCfg := s.cfg.TCPServer
	zinxCfg := tcpCfg.Zinx

	zconf.GlobalObject.Name = zinxCfg.Name
	zconf.GlobalObject.Host = tcpCfg.Host
	zconf.GlobalObject.TCPPort = tcpCfg.Port
	zconf.GlobalObject.Version = zinxCfg.Version
	zconf.GlobalObject.MaxConn = zinxCfg.MaxConn
	zconf.GlobalObject.MaxPacketSize = zinxCfg.MaxPacketSize
	zconf.GlobalObject.WorkerPoolSize = uint32(zinxCfg.WorkerPoolSize)
	zconf.GlobalObject.MaxWorkerTaskLen = uint32(zinxCfg.MaxWorkerTaskLen)

	s.server = znet.NewUserConfServer(zconf.GlobalObject)
	if s.server == nil {
		errMsg := "创建Zinx服务器实例失败"
		logger.Error(errMsg)
		return fmt.Errorf("%s", errMsg)
	}

	s.server.SetDecoder(zinx_server.NewDMTPDecoder())
	return nil
}

// registerRoutes 注册路由，DMTP 只有一个原始数据路由
func (s *TCPServer) registerRoutes() {
	s.server.AddRouter(zinx_server.MsgIDRaw, zinx_server.NewDMTPRouter())
}

// setupConnectionHooks 设置连接钩子
func (s *TCPServer) setupConnectionHooks() {
	tcpCfg := s.cfg.TCPServer
	hooks := &zinx_server.SessionHooks{
		Directory:       s.deps.Directory,
		Config:          s.cfg.SessionConfig(),
		Sink:            s.deps.Sink,
		Registry:        s.deps.Registry,
		MaxPacketLength: s.cfg.Protocol.MaxPacketLength,
		Timeouts: zinx_server.Timeouts{
			Idle:    millis(tcpCfg.IdleTimeoutMs),
			Packet:  millis(tcpCfg.PacketTimeoutMs),
			Session: millis(tcpCfg.SessionTimeoutMs),
		},
	}
	s.server.SetOnConnStart(hooks.OnConnectionStart)
	s.server.SetOnConnStop(hooks.OnConnectionStop)
}

// startServer 启动服务器并等待
func (s *TCPServer) startServer() error {
	startChan := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				startChan <- fmt.Errorf("服务器启动panic: %v", r)
			}
		}()

		logger.Infof("TCP服务器启动在 %s:%d", s.cfg.TCPServer.Host, s.cfg.TCPServer.Port)
		s.server.Serve() // 阻塞调用
		startChan <- fmt.Errorf("服务器意外停止")
	}()

	select {
	case err := <-startChan:
		logger.Errorf("TCP服务器启动失败: %v", err)
		return err
	case <-time.After(2 * time.Second):
		logger.Info("TCP服务器启动成功")
	}
	return <-startChan
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
