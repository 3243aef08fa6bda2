package router

import (
	"nic-router/internal/report"
)

// ObjectStats 一类对象的存活/销毁计数
type ObjectStats struct {
	Alive     uint64
	Destroyed uint64
}

func (s *ObjectStats) created() { s.Alive++ }

func (s *ObjectStats) destroyed() {
	s.Alive--
	s.Destroyed++
}

func (s ObjectStats) report(g *report.Generator, name string) {
	if s.Alive == 0 && s.Destroyed == 0 {
		return
	}
	g.Node(name, func() {
		g.Attr("alive", s.Alive)
		g.Attr("destroyed", s.Destroyed)
	})
}

// LinkStats 一种协议的链路统计
// Opening/Open/Closing/Closed 为当前处于该状态的活动链路数，其余为累计值
type LinkStats struct {
	RefusedForRAM           uint64
	RefusedForPorts         uint64
	Opening                 uint64
	Open                    uint64
	Closing                 uint64
	Closed                  uint64
	DissolvedTimeoutOpening uint64
	DissolvedTimeoutOpen    uint64
	DissolvedTimeoutClosing uint64
	DissolvedTimeoutClosed  uint64
	DissolvedNoTimeout      uint64
	Destroyed               uint64
}

func (s *LinkStats) gauge(st LinkState) *uint64 {
	switch st {
	case StateOpening:
		return &s.Opening
	case StateOpen:
		return &s.Open
	case StateClosing:
		return &s.Closing
	default:
		return &s.Closed
	}
}

func (s *LinkStats) dissolvedTimeout(st LinkState) {
	switch st {
	case StateOpening:
		s.DissolvedTimeoutOpening++
	case StateOpen:
		s.DissolvedTimeoutOpen++
	case StateClosing:
		s.DissolvedTimeoutClosing++
	default:
		s.DissolvedTimeoutClosed++
	}
}

// Counters 以报告使用的名称返回全部计数
func (s *LinkStats) Counters() map[string]uint64 {
	return map[string]uint64{
		"refused_for_ram":           s.RefusedForRAM,
		"refused_for_ports":         s.RefusedForPorts,
		"opening":                   s.Opening,
		"open":                      s.Open,
		"closing":                   s.Closing,
		"closed":                    s.Closed,
		"dissolved_timeout_opening": s.DissolvedTimeoutOpening,
		"dissolved_timeout_open":    s.DissolvedTimeoutOpen,
		"dissolved_timeout_closing": s.DissolvedTimeoutClosing,
		"dissolved_timeout_closed":  s.DissolvedTimeoutClosed,
		"dissolved_no_timeout":      s.DissolvedNoTimeout,
		"destroyed":                 s.Destroyed,
	}
}

func (s *LinkStats) empty() bool {
	return *s == LinkStats{}
}

func (s *LinkStats) report(g *report.Generator, name string) {
	if s.empty() {
		return
	}
	counters := s.Counters()
	g.Node(name, func() {
		for _, k := range linkCounterNames {
			if v := counters[k]; v > 0 {
				g.Attr(k, v)
			}
		}
	})
}

var linkCounterNames = []string{
	"refused_for_ram", "refused_for_ports",
	"opening", "open", "closing", "closed",
	"dissolved_timeout_opening", "dissolved_timeout_open",
	"dissolved_timeout_closing", "dissolved_timeout_closed",
	"dissolved_no_timeout", "destroyed",
}

// InterfaceStats 接口统计
type InterfaceStats struct {
	Links [numProtocols]LinkStats

	LinkObjects     [numProtocols]ObjectStats
	ARPWaiters      ObjectStats
	DHCPAllocations ObjectStats

	RxPackets        uint64
	TxPackets        uint64
	Dropped          uint64
	DroppedFragmIPv4 uint64
	SendFailed       uint64
	Postponed        uint64
}

// Report 写入 Interface_link_stats 与 Interface_object_stats
func (s *InterfaceStats) Report(g *report.Generator) {
	for p := Protocol(0); p < numProtocols; p++ {
		s.Links[p].report(g, p.String()+"-links")
	}
	for p := Protocol(0); p < numProtocols; p++ {
		s.LinkObjects[p].report(g, p.String()+"-link-objects")
	}
	s.ARPWaiters.report(g, "arp-waiters")
	s.DHCPAllocations.report(g, "dhcp-allocations")
	g.Node("packets", func() {
		g.Attr("rx", s.RxPackets)
		g.Attr("tx", s.TxPackets)
		g.Attr("dropped", s.Dropped)
		g.Attr("dropped_fragm_ipv4", s.DroppedFragmIPv4)
		g.Attr("send_failed", s.SendFailed)
		g.Attr("postponed", s.Postponed)
	})
}
