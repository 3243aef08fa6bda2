// Package web 提供只读的 HTTP 状态接口。
//
// 所有实时数据都通过 Router.Do 在路由器事件循环中读取，历史数据来自
// dao 持久化的租约事件与统计快照。
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"nic-router/internal/config"
	"nic-router/internal/dao"
	"nic-router/internal/logging"
	"nic-router/internal/router"
	"nic-router/internal/web/handlers"
)

// Server 状态接口服务器
type Server struct {
	config config.WebConfig
	router *handlers.RouterInstance
	log    *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer 创建服务器，daoManager 可以为 nil
func NewServer(cfg config.WebConfig, r *router.Router, daoManager dao.DAOManager, log *logging.Logger) *Server {
	if log == nil {
		log = logging.GetLogger()
	}
	return &Server{
		config: cfg,
		router: &handlers.RouterInstance{Router: r, DAO: daoManager},
		log:    log,
	}
}

// Handler 返回路由处理器
func (ws *Server) Handler() http.Handler {
	return ws.setupRoutes()
}

// Start 监听配置的地址并在后台提供服务
func (ws *Server) Start() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.server != nil {
		return errors.New("web server already started")
	}

	ln, err := net.Listen("tcp", ws.config.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", ws.config.Listen)
	}

	ws.listener = ln
	ws.server = &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ws.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("状态接口服务异常: %v", err)
		}
	}(ws.server, ws.done)

	ws.log.Info("状态接口监听 http://%s", ln.Addr())
	return nil
}

// Addr 实际监听地址，未启动时为 nil
func (ws *Server) Addr() net.Addr {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// Stop 优雅关闭服务器
func (ws *Server) Stop(ctx context.Context) error {
	ws.mu.Lock()
	srv, done := ws.server, ws.done
	ws.server, ws.listener, ws.done = nil, nil, nil
	ws.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}
