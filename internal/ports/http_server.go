package ports

import (
	"github.com/bujia-iot/dmtp-zinx/internal/apis"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
)

// NewHTTPServer 创建管理接口服务器
// services 返回各后端的状态，health 接口中展示。
func NewHTTPServer(cfg *config.Config, store storage.Manager, deps Deps, services func() map[string]string) *apis.GinHTTPServer {
	api := apis.NewDeviceAPI(store, deps.Registry, cfg.TCPServer.Zinx.Version)
	if services != nil {
		api.SetServiceStatus(services)
	}
	return apis.NewGinHTTPServer(cfg.HTTPAPIServer, api)
}
