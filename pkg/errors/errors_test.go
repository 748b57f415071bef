package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := Wrap(ErrRedisConnectionFailed, "连接Redis失败", cause)

	assert.Contains(t, err.Error(), "连接Redis失败")
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsErrCode(err, ErrRedisConnectionFailed))
	assert.True(t, IsErrCode(fmt.Errorf("启动: %w", err), ErrRedisConnectionFailed), "包装后仍可识别")
	assert.False(t, IsErrCode(err, ErrDeviceNotFound))
	assert.False(t, IsErrCode(nil, ErrUnknown))
	assert.Equal(t, "[1005] 设备不存在", New(ErrDeviceNotFound, "设备不存在").Error())
}
