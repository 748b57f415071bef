package apis

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/logger"
	apperrors "github.com/bujia-iot/dmtp-zinx/pkg/errors"
	"github.com/bujia-iot/dmtp-zinx/pkg/metrics"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GetHealthGin 健康检查
func (api *DeviceAPI) GetHealthGin(c *gin.Context) {
	services := map[string]string{"dmtp": "running"}
	if api.services != nil {
		for k, v := range api.services() {
			services[k] = v
		}
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Version:   api.version,
		Uptime:    int64(time.Since(api.startTime).Seconds()),
		Services:  services,
	})
}

// GetSessionsGin 在线会话列表
func (api *DeviceAPI) GetSessionsGin(c *gin.Context) {
	sessions := api.registry.List()
	c.JSON(http.StatusOK, NewStandardResponse(SessionListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	}, "success", 0))
}

// GetDevicesGin 设备列表
func (api *DeviceAPI) GetDevicesGin(c *gin.Context) {
	devices, err := api.store.ListDevices(c.Request.Context())
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStandardResponse(DeviceListResponse{
		Devices: devices,
		Total:   len(devices),
	}, "success", 0))
}

// RegisterDeviceGin 登记设备，已存在时覆盖登记信息
func (api *DeviceAPI) RegisterDeviceGin(c *gin.Context) {
	var spec storage.DeviceSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("参数错误: "+err.Error(), http.StatusBadRequest))
		return
	}
	if err := validateSpec(spec); err != nil {
		api.fail(c, err)
		return
	}
	if err := api.store.RegisterDevice(c.Request.Context(), spec); err != nil {
		api.fail(c, err)
		return
	}
	info, err := api.store.DeviceInfo(c.Request.Context(), spec.Account, spec.Device)
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStandardResponse(info, "设备已登记", 0))
}

func validateSpec(spec storage.DeviceSpec) error {
	if spec.Account == "" || spec.Device == "" {
		return apperrors.New(apperrors.ErrInvalidParameter, "account 和 device 不能为空")
	}
	if _, err := storage.ParseUniqueID(spec.UniqueID); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidParameter, "uniqueId 无效", err)
	}
	if _, err := storage.NewIPFilter(spec.AllowedIPs); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidParameter, "allowedIps 无效", err)
	}
	if _, err := storage.EncodingMask(spec.Encodings); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidParameter, "encodings 无效", err)
	}
	return nil
}

// GetDeviceGin 设备详情
func (api *DeviceAPI) GetDeviceGin(c *gin.Context) {
	account, device := c.Param("account"), c.Param("device")
	info, err := api.store.DeviceInfo(c.Request.Context(), account, device)
	if err != nil {
		api.fail(c, err)
		return
	}
	sessions := api.registry.FindDevice(info.Account, info.Device)
	c.JSON(http.StatusOK, NewStandardResponse(DeviceDetailResponse{
		Device:   info,
		Sessions: sessions,
		Online:   len(sessions) > 0,
	}, "success", 0))
}

// QueueCommandGin 命令入队，设备下次连接时发送
func (api *DeviceAPI) QueueCommandGin(c *gin.Context) {
	account, device := c.Param("account"), c.Param("device")
	var req DeviceCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("参数错误: "+err.Error(), http.StatusBadRequest))
		return
	}
	pkt, err := buildCommand(req)
	if err != nil {
		api.fail(c, err)
		return
	}
	id, err := api.store.QueuePacket(c.Request.Context(), account, device, pkt)
	if err != nil {
		api.fail(c, err)
		return
	}

	frame := hex.EncodeToString(protocol.Encode(pkt, dmtp_protocol.EncodingBinary))
	logger.WithFields(logrus.Fields{
		"account":   account,
		"device":    device,
		"command":   req.Command,
		"commandID": id,
		"frame":     frame,
	}).Info("命令已入队")

	c.JSON(http.StatusOK, NewStandardResponse(DeviceCommandResponse{
		CommandID:  id,
		Account:    account,
		Device:     device,
		Command:    req.Command,
		PacketType: pkt.TypeName(),
		Frame:      frame,
		Status:     "queued",
		Timestamp:  time.Now().Unix(),
	}, "命令已入队", 0))
}

// GetEventsGin 设备最近的事件
func (api *DeviceAPI) GetEventsGin(c *gin.Context) {
	account, device := c.Param("account"), c.Param("device")
	var query EventQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("参数错误: "+err.Error(), http.StatusBadRequest))
		return
	}
	if query.Limit <= 0 {
		query.Limit = defaultEventLimit
	}
	events, err := api.store.RecentEvents(c.Request.Context(), account, device, query.Limit)
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStandardResponse(gin.H{
		"events": events,
		"total":  len(events),
	}, "success", 0))
}

// GetMetricsGin 协议计数器
func (api *DeviceAPI) GetMetricsGin(c *gin.Context) {
	summary := metrics.GetMetricsSummary()
	summary["onlineSessions"] = api.registry.Len()
	c.JSON(http.StatusOK, NewStandardResponse(summary, "success", 0))
}

// PingGin 存活探测
func (api *DeviceAPI) PingGin(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

func (api *DeviceAPI) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.WithFields(logrus.Fields{
			"path":  c.FullPath(),
			"error": err.Error(),
		}).Error("管理接口请求失败")
	}
	c.JSON(status, NewErrorResponse(err.Error(), status))
}
