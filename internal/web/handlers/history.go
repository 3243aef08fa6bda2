package handlers

import (
	"net/http"

	"nic-router/internal/dao"
)

// HistoryHandler 持久化的租约与统计历史
type HistoryHandler struct {
	router *RouterInstance
}

// NewHistoryHandler 创建历史记录处理器
func NewHistoryHandler(router *RouterInstance) *HistoryHandler {
	return &HistoryHandler{router: router}
}

// HandleLeases 最近的租约事件，可按 mac 过滤
func (h *HistoryHandler) HandleLeases(w http.ResponseWriter, r *http.Request) {
	if h.router.DAO == nil {
		writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	limit, ok := limitParam(r, 100, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	var cond interface{}
	if mac := r.URL.Query().Get("mac"); mac != "" {
		cond = &dao.LeaseRecord{MAC: mac}
	}
	records, err := h.router.DAO.Leases().FindRecent(r.Context(), cond, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*dao.LeaseRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleSnapshots 最近的链路统计快照，可按 interface 过滤
func (h *HistoryHandler) HandleSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.router.DAO == nil {
		writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	limit, ok := limitParam(r, 100, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	var cond interface{}
	if iface := r.URL.Query().Get("interface"); iface != "" {
		cond = &dao.StatsSnapshot{Interface: iface}
	}
	records, err := h.router.DAO.Snapshots().FindRecent(r.Context(), cond, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*dao.StatsSnapshot{}
	}
	writeJSON(w, http.StatusOK, records)
}
