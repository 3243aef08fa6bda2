package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nic-router/internal/config"
	"nic-router/internal/dao"
	"nic-router/internal/database"
	"nic-router/internal/logging"
	"nic-router/internal/report"
	"nic-router/internal/router"
	"nic-router/internal/stream"
	"nic-router/internal/web/handlers"
)

func quietLogger() *logging.Logger {
	return logging.NewWriterLogger(logging.LogLevelError, io.Discard)
}

// startRouter 以默认配置启动路由器事件循环，返回的函数停止事件循环
func startRouter(t *testing.T) (*router.Router, func()) {
	t.Helper()
	cfg := config.DefaultConfig()
	r, err := router.New(cfg, router.WithLogger(quietLogger()))
	require.NoError(t, err)
	for _, ic := range cfg.Interfaces {
		ep, _ := stream.NewPair(stream.PairOptions{})
		_, err := r.AddInterface(router.InterfaceSpec{
			Name:     ic.Name,
			Label:    ic.Label,
			Endpoint: ep,
			Policy:   router.NewPolicy(ic, ep),
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return r, func() {
		cancel()
		assert.NoError(t, <-done)
	}
}

func getJSON(t *testing.T, client *http.Client, url string, v interface{}) int {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestStatusEndpoints(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, stop := startRouter(t)
	defer stop()
	ws := NewServer(config.WebConfig{}, r, nil, quietLogger())
	ts := httptest.NewServer(ws.Handler())
	defer ts.Close()
	client := ts.Client()

	var status map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, client, ts.URL+"/api/status", &status))
	assert.Equal(t, "nic-router", status["hostname"])
	assert.Equal(t, float64(2), status["domains"])

	var ifaces []handlers.InterfaceView
	require.Equal(t, http.StatusOK, getJSON(t, client, ts.URL+"/api/interfaces", &ifaces))
	require.Len(t, ifaces, 2)
	names := map[string]string{}
	for _, v := range ifaces {
		names[v.Name] = v.Domain
		assert.Contains(t, v.Stats, "tcp")
	}
	assert.Equal(t, "default", names["lan0"])
	assert.Equal(t, "uplink", names["uplink"])

	var domains []handlers.DomainView
	require.Equal(t, http.StatusOK, getJSON(t, client, ts.URL+"/api/domains", &domains))
	require.Len(t, domains, 2)
	for _, d := range domains {
		assert.True(t, d.Ready, d.Name)
		assert.Len(t, d.Interfaces, 1, d.Name)
	}

	var links []handlers.LinkView
	require.Equal(t, http.StatusOK, getJSON(t, client, ts.URL+"/api/interfaces/lan0/links?protocol=udp", &links))
	assert.Empty(t, links)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, client, ts.URL+"/api/interfaces/lan0/links?protocol=sctp", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, client, ts.URL+"/api/interfaces/eth9/links", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, client, ts.URL+"/api/dhcp/leases", nil), "未启用持久化")

	var node map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, client, ts.URL+"/api/report", &node))
	assert.Equal(t, "nic-router", node["name"])
}

func TestBasicAuth(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, stop := startRouter(t)
	defer stop()
	ws := NewServer(config.WebConfig{Username: "admin", Password: "secret"}, r, nil, quietLogger())
	ts := httptest.NewServer(ws.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryEndpoints(t *testing.T) {
	defer goleak.VerifyNone(t)

	dbm := database.NewManager(database.FromRouterConfig(config.DatabaseConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "web.db"),
	}))
	require.NoError(t, dbm.Initialize(context.Background(), dao.Models()...))
	mgr := dao.NewDAOManager(dbm.GetDatabase())
	// 数据库在 VerifyNone 之前关闭，连接清理 goroutine 随之退出
	defer func() { assert.NoError(t, mgr.Close()) }()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, mgr.Leases().Create(ctx, &dao.LeaseRecord{Kind: string(report.LeaseBound), MAC: "02:00:00:00:00:01", IP: "10.0.1.100", At: at}))
	require.NoError(t, mgr.Leases().Create(ctx, &dao.LeaseRecord{Kind: string(report.LeaseBound), MAC: "02:00:00:00:00:02", IP: "10.0.1.101", At: at}))
	require.NoError(t, mgr.Snapshots().CreateBatch(ctx, []*dao.StatsSnapshot{
		{Interface: "lan0", Protocol: "udp", Counters: map[string]uint64{"open": 1}, At: at},
	}))

	r, stop := startRouter(t)
	defer stop()
	ws := NewServer(config.WebConfig{}, r, mgr, quietLogger())
	ts := httptest.NewServer(ws.Handler())
	defer ts.Close()
	client := ts.Client()

	var leases []dao.LeaseRecord
	require.Equal(t, http.StatusOK, getJSON(t, client, ts.URL+"/api/dhcp/leases?mac=02:00:00:00:00:02", &leases))
	require.Len(t, leases, 1)
	assert.Equal(t, "10.0.1.101", leases[0].IP)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, client, ts.URL+"/api/dhcp/leases?limit=abc", nil))

	var snaps []dao.StatsSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, client, ts.URL+"/api/snapshots?interface=lan0&limit=5", &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(1), snaps[0].Counters["open"])

	snaps = nil
	require.Equal(t, http.StatusOK, getJSON(t, client, ts.URL+"/api/snapshots?interface=wan0", &snaps))
	assert.Empty(t, snaps)
}

func TestServerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, stop := startRouter(t)
	defer stop()
	ws := NewServer(config.WebConfig{Enabled: true, Listen: "127.0.0.1:0"}, r, nil, quietLogger())
	require.NoError(t, ws.Start())
	assert.Error(t, ws.Start())

	addr := ws.Addr()
	require.NotNil(t, addr)
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	assert.Equal(t, http.StatusOK, getJSON(t, client, "http://"+addr.String()+"/api/status", nil))

	require.NoError(t, ws.Stop(context.Background()))
	assert.Nil(t, ws.Addr())
	require.NoError(t, ws.Stop(context.Background()))
}
