package web

import (
	"net/http"

	"nic-router/internal/web/handlers"
	"nic-router/internal/web/middleware"
)

// setupRoutes 设置路由
func (ws *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := middleware.NewAuthMiddleware(middleware.AuthConfig{
		Username: ws.config.Username,
		Password: ws.config.Password,
	})
	loggingMiddleware := middleware.LoggingMiddleware(ws.log)

	// 中间件顺序：日志 -> CORS -> 认证
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return loggingMiddleware(middleware.CORSMiddleware(authMiddleware.RequireAuth(h)))
	}

	statusHandler := handlers.NewStatusHandler(ws.router)
	historyHandler := handlers.NewHistoryHandler(ws.router)

	mux.HandleFunc("GET /api/status", wrap(statusHandler.HandleStatus))
	mux.HandleFunc("GET /api/report", wrap(statusHandler.HandleReport))
	mux.HandleFunc("GET /api/interfaces", wrap(statusHandler.HandleInterfaces))
	mux.HandleFunc("GET /api/interfaces/{name}/links", wrap(statusHandler.HandleLinks))
	mux.HandleFunc("GET /api/domains", wrap(statusHandler.HandleDomains))
	mux.HandleFunc("GET /api/dhcp/leases", wrap(historyHandler.HandleLeases))
	mux.HandleFunc("GET /api/snapshots", wrap(historyHandler.HandleSnapshots))

	return mux
}
