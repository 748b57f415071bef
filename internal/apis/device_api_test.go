package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, auth config.AuthConfig) (*GinHTTPServer, *storage.MemoryStore, *session.Registry) {
	t.Helper()
	store := storage.NewMemoryStore()
	_, err := store.AddDevice(storage.DeviceSpec{Account: "acme", Device: "truck1", UniqueID: "0A0B0C0D0E", Active: true})
	require.NoError(t, err)
	registry := session.NewRegistry()
	api := NewDeviceAPI(store, registry, "test")
	srv := NewGinHTTPServer(config.HTTPAPIServerConfig{Host: "127.0.0.1", Port: 0, Auth: auth}, api)
	return srv, store, registry
}

func doRequest(srv *GinHTTPServer, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.GetRouter().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var resp struct {
		Code int             `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func TestHealthAndPing(t *testing.T) {
	srv, _, _ := newTestServer(t, config.AuthConfig{})

	w := doRequest(srv, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "running", health.Services["dmtp"])

	w = doRequest(srv, http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

func TestSessions(t *testing.T) {
	srv, store, registry := newTestServer(t, config.AuthConfig{})
	e := session.NewEngine(store, session.DefaultConfig(), "10.1.1.1:4000", true)
	registry.Add(e)
	e.HandleFrame(context.Background(), []byte{0xE0, 0x11, 0x05, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E})

	w := doRequest(srv, http.MethodGet, "/api/v1/sessions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list SessionListResponse
	decodeData(t, w, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "truck1", list.Sessions[0].Device)
	assert.Equal(t, "10.1.1.1", list.Sessions[0].RemoteAddr)

	w = doRequest(srv, http.MethodGet, "/api/v1/devices/acme/truck1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail DeviceDetailResponse
	decodeData(t, w, &detail)
	assert.True(t, detail.Online)
	assert.Equal(t, "0x0A0B0C0D0E", detail.Device.UniqueID)
}

func TestDeviceNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, config.AuthConfig{})
	for _, path := range []string{"/api/v1/devices/acme/nope", "/api/v1/devices/acme/nope/events"} {
		w := doRequest(srv, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestQueueCommand(t *testing.T) {
	srv, store, _ := newTestServer(t, config.AuthConfig{})
	code := dmtp_protocol.PropCommMaxConnections

	testCases := []struct {
		name   string
		req    DeviceCommandRequest
		status int
	}{
		{"按属性码设置", DeviceCommandRequest{Command: CommandSetProperty, Code: &code, Value: "0x0A"}, http.StatusOK},
		{"按键名读取", DeviceCommandRequest{Command: CommandGetProperty, Property: "com.maxconn"}, http.StatusOK},
		{"数值列表", DeviceCommandRequest{Command: CommandSetProperty, Code: &code, Values: []int64{1, 2}, Width: 1}, http.StatusOK},
		{"下载文件", DeviceCommandRequest{Command: CommandPutFile, FileName: "log.txt"}, http.StatusOK},
		{"未知属性", DeviceCommandRequest{Command: CommandGetProperty, Property: "no.such"}, http.StatusBadRequest},
		{"属性值不是十六进制", DeviceCommandRequest{Command: CommandSetProperty, Code: &code, Value: "zz"}, http.StatusBadRequest},
		{"缺少文件名", DeviceCommandRequest{Command: CommandGetFile}, http.StatusBadRequest},
		{"未知命令", DeviceCommandRequest{Command: "reboot"}, http.StatusBadRequest},
	}
	queued := 0
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(srv, http.MethodPost, "/api/v1/devices/acme/truck1/commands", tc.req, nil)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			if tc.status != http.StatusOK {
				return
			}
			queued++
			var resp DeviceCommandResponse
			decodeData(t, w, &resp)
			assert.NotEmpty(t, resp.CommandID)
			assert.Equal(t, "queued", resp.Status)
		})
	}

	dev, ok := store.Lookup("acme", "truck1")
	require.True(t, ok)
	assert.Equal(t, queued, dev.Snapshot().PendingCount)

	// 设置属性的帧: E0 B1 03 F3 11 0A
	w := doRequest(srv, http.MethodPost, "/api/v1/devices/acme/truck1/commands",
		DeviceCommandRequest{Command: CommandSetProperty, Code: &code, Value: "0A"}, nil)
	var resp DeviceCommandResponse
	decodeData(t, w, &resp)
	assert.Equal(t, "e0b103f3110a", resp.Frame)

	w = doRequest(srv, http.MethodPost, "/api/v1/devices/acme/nope/commands", DeviceCommandRequest{Command: CommandPutFile, FileName: "a"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterDeviceAndEvents(t *testing.T) {
	srv, _, _ := newTestServer(t, config.AuthConfig{})

	w := doRequest(srv, http.MethodPost, "/api/v1/devices", storage.DeviceSpec{Account: "acme", Device: "van2", UniqueID: "zz"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/v1/devices", storage.DeviceSpec{Account: "acme", Device: "van2", Active: true}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(srv, http.MethodGet, "/api/v1/devices", nil, nil)
	var list DeviceListResponse
	decodeData(t, w, &list)
	assert.Equal(t, 2, list.Total)

	w = doRequest(srv, http.MethodGet, "/api/v1/devices/acme/van2/events?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Total int `json:"total"`
	}
	decodeData(t, w, &events)
	assert.Zero(t, events.Total)

	w = doRequest(srv, http.MethodGet, "/api/v1/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "onlineSessions")
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := newTestServer(t, config.AuthConfig{SharedKey: "secret"})

	w := doRequest(srv, http.MethodGet, "/api/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/v1/sessions", nil, map[string]string{HeaderAPIKey: "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code, "健康检查不需要密钥")

	ipOnly, _, _ := newTestServer(t, config.AuthConfig{AllowedIPs: []string{"10.9.9.9"}})
	w = doRequest(ipOnly, http.MethodGet, "/api/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
