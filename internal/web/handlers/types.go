package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"nic-router/internal/dao"
	"nic-router/internal/router"
)

// queryTimeout 等待路由器事件循环的最长时间
const queryTimeout = 2 * time.Second

// RouterInstance 处理器访问的路由器组件
type RouterInstance struct {
	// Router 路由器，所有读取都经由其事件循环
	Router *router.Router

	// DAO 持久化记录，未启用数据库时为 nil
	DAO dao.DAOManager
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// inLoop 在路由器事件循环中执行 fn，失败时写入 503
func (ri *RouterInstance) inLoop(w http.ResponseWriter, r *http.Request, fn func()) bool {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	if err := ri.Router.Do(ctx, fn); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return false
	}
	return true
}

// limitParam 解析 limit 查询参数
func limitParam(r *http.Request, def, ceiling int) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > ceiling {
		n = ceiling
	}
	return n, true
}
