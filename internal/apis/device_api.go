package apis

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	apperrors "github.com/bujia-iot/dmtp-zinx/pkg/errors"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
)

// defaultEventLimit 事件查询默认条数
const defaultEventLimit = 50

// DeviceAPI 管理接口的处理器集合
type DeviceAPI struct {
	store     storage.Manager
	registry  *session.Registry
	version   string
	startTime time.Time
	services  func() map[string]string
}

// NewDeviceAPI 创建设备API
func NewDeviceAPI(store storage.Manager, registry *session.Registry, version string) *DeviceAPI {
	if registry == nil {
		registry = session.NewRegistry()
	}
	return &DeviceAPI{
		store:     store,
		registry:  registry,
		version:   version,
		startTime: time.Now(),
	}
}

// SetServiceStatus 健康检查中附带的各服务状态
func (api *DeviceAPI) SetServiceStatus(fn func() map[string]string) {
	api.services = fn
}

// buildCommand 把命令请求转换为服务器包
func buildCommand(req DeviceCommandRequest) (*protocol.Packet, error) {
	switch req.Command {
	case CommandSetProperty, CommandGetProperty:
		code, err := propertyCode(req)
		if err != nil {
			return nil, err
		}
		value, err := propertyValue(req)
		if err != nil {
			return nil, err
		}
		if req.Command == CommandSetProperty {
			return protocol.NewSetProperty(code, value), nil
		}
		return protocol.NewGetProperty(code, value), nil
	case CommandGetFile, CommandPutFile:
		if req.FileName == "" {
			return nil, apperrors.New(apperrors.ErrInvalidParameter, "缺少文件名")
		}
		if req.Command == CommandGetFile {
			if req.FileSize < 0 || req.FileSize > 0xFFFFFF {
				return nil, apperrors.New(apperrors.ErrInvalidParameter, "文件大小超出范围")
			}
			return protocol.NewGetFile(req.FileName, req.FileSize), nil
		}
		return protocol.NewPutFile(req.FileName), nil
	}
	return nil, apperrors.New(apperrors.ErrPendingCommandInvalid, fmt.Sprintf("不支持的命令: %s", req.Command))
}

func propertyCode(req DeviceCommandRequest) (uint16, error) {
	if req.Code != nil {
		return *req.Code, nil
	}
	if req.Property == "" {
		return 0, apperrors.New(apperrors.ErrInvalidParameter, "缺少属性码或属性名")
	}
	code, ok := dmtp_protocol.PropertyCode(req.Property)
	if !ok {
		return 0, apperrors.New(apperrors.ErrInvalidParameter, fmt.Sprintf("未知属性: %s", req.Property))
	}
	return code, nil
}

func propertyValue(req DeviceCommandRequest) ([]byte, error) {
	if len(req.Values) > 0 {
		return protocol.EncodePropertyValues(req.Values, req.Width), nil
	}
	if req.Value == "" {
		return nil, nil
	}
	value, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(req.Value), "0x"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidParameter, "属性值不是十六进制", err)
	}
	if len(value) > dmtp_protocol.MaxPayloadLength-2 {
		return nil, apperrors.New(apperrors.ErrInvalidParameter, "属性值过长")
	}
	return value, nil
}

// statusOf 错误对应的HTTP状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case apperrors.IsErrCode(err, apperrors.ErrInvalidParameter),
		apperrors.IsErrCode(err, apperrors.ErrPendingCommandInvalid),
		apperrors.IsErrCode(err, apperrors.ErrDeviceAlreadyRegistered):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
