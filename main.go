// Package main OpenDMTP 服务器
// 双工(TCP)连接由 Zinx 承载，单工(UDP)数据报每个都是独立的会话，管理接口基于 Gin。
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/amqp"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/logger"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/redis"
	"github.com/bujia-iot/dmtp-zinx/internal/ports"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
	"github.com/sirupsen/logrus"
)

var configFile = flag.String("config", config.DefaultConfigPath, "配置文件路径")

const shutdownTimeout = 5 * time.Second

func loadConfigOrExit() *config.Config {
	path := *configFile
	if _, err := os.Stat(path); err != nil && path == config.DefaultConfigPath {
		// 默认配置文件不存在时只用默认值
		path = ""
	}
	if err := config.Load(path); err != nil {
		logger.Error("加载配置文件失败: " + err.Error())
		os.Exit(1)
	}
	return config.GetConfig()
}

func setupLoggerOrExit(cfg *config.Config) {
	if err := logger.Init(&cfg.Logger); err != nil {
		logger.Error("初始化日志系统失败: " + err.Error())
		os.Exit(1)
	}
	logger.SetupZinxLogger()
}

// newArchive 按配置创建CSV事件归档，未配置目录时返回nil
func newArchive(cfg config.StoreConfig) *storage.CSVSink {
	if cfg.EventArchiveDir == "" {
		return nil
	}
	return storage.NewCSVSink(cfg.EventArchiveDir, cfg.ArchiveMaxSizeMB, cfg.ArchiveMaxBackups)
}

// newStore 创建设备存储并导入配置中的设备
func newStore(ctx context.Context, cfg *config.Config, archive *storage.CSVSink) (storage.Manager, error) {
	var store storage.Manager
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		client, err := redis.InitClient(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		opts := []redis.StoreOption{
			redis.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redis.WithRetainedEvents(cfg.Store.RetainedEvents),
		}
		if archive != nil {
			opts = append(opts, redis.WithArchive(archive))
		}
		store = redis.NewDeviceStore(client, opts...)
	default:
		opts := []storage.MemoryOption{
			storage.WithRetainedEvents(cfg.Store.RetainedEvents),
			storage.WithAutoRegister(cfg.Store.AutoRegister),
		}
		if archive != nil {
			opts = append(opts, storage.WithArchive(archive))
		}
		store = storage.NewMemoryStore(opts...)
	}

	for _, spec := range cfg.Store.Devices {
		if err := store.RegisterDevice(ctx, spec); err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"account": spec.Account,
			"device":  spec.Device,
		}).Info("设备已登记")
	}
	return store, nil
}

func main() {
	flag.Parse()

	cfg := loadConfigOrExit()
	setupLoggerOrExit(cfg)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archive := newArchive(cfg.Store)
	store, err := newStore(ctx, cfg, archive)
	if err != nil {
		logger.Fatalf("初始化设备存储失败: %v", err)
	}

	deps := ports.Deps{
		Directory: store,
		Registry:  session.NewRegistry(),
	}
	var publisher *amqp.Publisher
	if cfg.AMQP.Enabled {
		publisher = amqp.NewPublisher(cfg.AMQP, amqp.Dialer(cfg.AMQP))
		deps.Sink = publisher
	}

	services := func() map[string]string {
		status := map[string]string{"store": cfg.Store.Backend}
		if cfg.UDPServer.Enabled {
			status["udp"] = "running"
		}
		if publisher != nil {
			status["amqp"] = "enabled"
		}
		return status
	}
	httpServer := ports.NewHTTPServer(cfg, store, deps, services)
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.WithField("error", err.Error()).Warn("HTTP API服务器启动失败")
		}
	}()

	var udpServer *ports.UDPServer
	if cfg.UDPServer.Enabled {
		udpServer = ports.NewUDPServer(cfg, deps)
		go func() {
			if err := udpServer.Start(); err != nil {
				logger.WithField("error", err.Error()).Error("UDP服务器启动失败")
			}
		}()
	}

	tcpServer := ports.NewTCPServer(cfg, deps)
	go func() {
		if err := tcpServer.Start(); err != nil {
			logger.WithField("error", err.Error()).Error("TCP服务器启动失败")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("接收到停止信号，开始关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.WithField("error", err.Error()).Error("关闭HTTP服务器失败")
	}
	if udpServer != nil {
		udpServer.Stop()
	}
	tcpServer.Stop()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.WithField("error", err.Error()).Error("关闭AMQP连接失败")
		}
	}
	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.WithField("error", err.Error()).Error("关闭事件归档失败")
		}
	}
	if cfg.Store.Backend == config.StoreBackendRedis {
		if err := redis.Close(); err != nil {
			logger.WithField("error", err.Error()).Error("关闭Redis连接失败")
		}
	}
}
