package handlers

import (
	"net/http"

	"nic-router/internal/router"
)

// StatusHandler 路由器实时状态
type StatusHandler struct {
	router *RouterInstance
}

// NewStatusHandler 创建状态处理器
func NewStatusHandler(router *RouterInstance) *StatusHandler {
	return &StatusHandler{router: router}
}

// InterfaceView 接口状态
type InterfaceView struct {
	Name   string                       `json:"name"`
	Label  string                       `json:"label,omitempty"`
	Domain string                       `json:"domain,omitempty"`
	MAC    string                       `json:"mac"`
	LinkUp bool                         `json:"link_up"`
	Links  map[string]int               `json:"links"`
	Stats  map[string]map[string]uint64 `json:"stats"`
	Leases int                          `json:"dhcp_allocations"`
}

// DomainView 域状态
type DomainView struct {
	Name       string   `json:"name"`
	Ready      bool     `json:"ready"`
	Address    string   `json:"address,omitempty"`
	Gateway    string   `json:"gateway,omitempty"`
	FromDHCP   bool     `json:"from_dhcp"`
	Interfaces []string `json:"interfaces"`
	ARPEntries int      `json:"arp_entries"`
}

// LinkView 链路
type LinkView struct {
	Protocol  string `json:"protocol"`
	Client    string `json:"client"`
	Server    string `json:"server"`
	NATPort   uint16 `json:"nat_port,omitempty"`
	State     string `json:"state"`
	Dissolved bool   `json:"dissolved"`
}

// HandleStatus 概要
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var status struct {
		Hostname   string `json:"hostname"`
		Domains    int    `json:"domains"`
		Interfaces int    `json:"interfaces"`
		Time       string `json:"time"`
	}
	rt := h.router.Router
	if !h.router.inLoop(w, r, func() {
		status.Hostname = rt.Config().Hostname
		status.Domains = len(rt.Domains())
		status.Interfaces = len(rt.Interfaces())
		status.Time = rt.Clock().Now().Format("2006-01-02 15:04:05")
	}) {
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleReport 完整状态报告
func (h *StatusHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	var data []byte
	var err error
	if !h.router.inLoop(w, r, func() {
		data, err = h.router.Router.GenerateReport().JSON(false)
	}) {
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// HandleInterfaces 接口列表
func (h *StatusHandler) HandleInterfaces(w http.ResponseWriter, r *http.Request) {
	views := []InterfaceView{}
	if !h.router.inLoop(w, r, func() {
		for _, i := range h.router.Router.Interfaces() {
			v := InterfaceView{
				Name:   i.Name(),
				Label:  i.Label(),
				MAC:    i.MAC().String(),
				LinkUp: i.LinkState(),
				Links:  make(map[string]int),
				Stats:  make(map[string]map[string]uint64),
				Leases: len(i.Allocations()),
			}
			if d, ok := i.Domain(); ok {
				v.Domain = d.Name()
			}
			st := i.Stats()
			for _, p := range router.Protocols() {
				v.Links[p.String()] = len(i.Links(p))
				v.Stats[p.String()] = st.Links[p].Counters()
			}
			views = append(views, v)
		}
	}) {
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleDomains 域列表
func (h *StatusHandler) HandleDomains(w http.ResponseWriter, r *http.Request) {
	views := []DomainView{}
	if !h.router.inLoop(w, r, func() {
		for _, d := range h.router.Router.Domains() {
			ip := d.IPConfig()
			v := DomainView{
				Name:       d.Name(),
				Ready:      d.Ready(),
				FromDHCP:   ip.FromDHCP,
				Interfaces: []string{},
				ARPEntries: d.ARP().Len(),
			}
			if ip.Valid() {
				v.Address = ip.Interface.String()
			}
			if ip.Gateway.IsValid() {
				v.Gateway = ip.Gateway.String()
			}
			for _, i := range d.Interfaces() {
				v.Interfaces = append(v.Interfaces, i.Name())
			}
			views = append(views, v)
		}
	}) {
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleLinks 某接口的链路，可用 protocol 参数过滤
func (h *StatusHandler) HandleLinks(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	protocols := router.Protocols()
	if s := r.URL.Query().Get("protocol"); s != "" {
		p, ok := router.ParseProtocol(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown protocol "+s)
			return
		}
		protocols = []router.Protocol{p}
	}

	views := []LinkView{}
	found := false
	if !h.router.inLoop(w, r, func() {
		i, ok := h.router.Router.Interface(name)
		if !ok {
			return
		}
		found = true
		for _, p := range protocols {
			for _, l := range i.Links(p) {
				views = append(views, LinkView{
					Protocol:  p.String(),
					Client:    l.ClientID().String(),
					Server:    l.ServerID().String(),
					NATPort:   l.NATPort(),
					State:     l.State().String(),
					Dissolved: l.Dissolved(),
				})
			}
		}
	}) {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "interface not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, views)
}
