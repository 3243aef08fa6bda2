package router

import (
	"nic-router/internal/config"
	"nic-router/internal/report"
)

// GenerateReport 生成当前状态报告
func (r *Router) GenerateReport() *report.Generator {
	name := r.cfg.Hostname
	if name == "" {
		name = "router"
	}
	g := report.NewGenerator(name, r.clock.Now())
	r.Report(g)
	return g
}

// Report 写入全部域与接口的状态
func (r *Router) Report(g *report.Generator) {
	for _, d := range r.Domains() {
		g.Node("domain", func() {
			g.Attr("name", d.Name())
			g.Attr("ready", d.Ready())
			if d.ip.Valid() {
				g.Attr("ipv4", d.ip.Interface.String())
				if d.ip.Gateway.IsValid() {
					g.Attr("gw", d.ip.Gateway.String())
				}
				if d.ip.FromDHCP {
					g.Attr("dhcp", true)
				}
			}
			g.Attr("arp_entries", d.arp.Len())
			g.Attr("arp_waiters", d.foreignWaiters.Len())
			for _, i := range d.interfaces {
				i.report(g)
			}
		})
	}
	for _, i := range r.interfaces {
		if _, ok := i.domain.Get(); !ok {
			i.report(g)
		}
	}
}

func (i *Interface) report(g *report.Generator) {
	g.Node("interface", func() {
		g.Attr("name", i.name)
		g.Attr("mac", i.mac.String())
		g.Attr("link_state", i.LinkState())
		i.policy.Report(g)
		if c := i.dhcpClient; c != nil {
			g.Attr("dhcp_client", c.State().String())
		}
		i.stats.Report(g)
		for _, a := range i.dhcpAllocs.All() {
			g.Node("dhcp-allocation", func() {
				g.Attr("mac", a.MAC.String())
				g.Attr("ip", a.IP.String())
				g.Attr("bound", a.Bound)
			})
		}
	})
}

// Snapshots 各接口非空的链路统计快照
func (r *Router) Snapshots() []report.LinkSnapshot {
	now := r.clock.Now()
	var out []report.LinkSnapshot
	for _, i := range r.interfaces {
		domain := ""
		if d, ok := i.domain.Get(); ok {
			domain = d.Name()
		}
		for p := Protocol(0); p < numProtocols; p++ {
			st := &i.stats.Links[p]
			if st.empty() {
				continue
			}
			out = append(out, report.LinkSnapshot{
				Interface: i.name,
				Domain:    domain,
				Protocol:  p.String(),
				Counters:  st.Counters(),
				At:        now,
			})
		}
	}
	return out
}

// scheduleReport 按配置安排周期报告
func (r *Router) scheduleReport() {
	r.reportTimer.Stop()
	r.reportTimer = nil
	if r.cfg.Report.IntervalSec <= 0 {
		return
	}
	r.reportTimer = r.timers.Schedule(config.Seconds(r.cfg.Report.IntervalSec), r.periodicReport)
}

func (r *Router) periodicReport() {
	if r.cfg.Report.Log {
		if data, err := r.GenerateReport().JSON(false); err != nil {
			r.log.Error("生成报告失败: %v", err)
		} else {
			r.log.Info("状态报告 %s", data)
		}
	}
	if snaps := r.Snapshots(); len(snaps) > 0 {
		r.recorder.RecordSnapshots(snaps)
	}
	r.scheduleReport()
}
