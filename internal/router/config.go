package router

import (
	"net/netip"
	"sort"
	"time"

	"github.com/pkg/errors"

	"nic-router/internal/config"
	"nic-router/internal/dhcp"
	"nic-router/internal/packet"
)

// Protocol 被跟踪的传输层协议
type Protocol int

const (
	TCP Protocol = iota
	UDP
	ICMP
	numProtocols
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case ICMP:
		return "icmp"
	}
	return "unknown"
}

// ParseProtocol 按名称解析协议
func ParseProtocol(name string) (Protocol, bool) {
	for p := Protocol(0); p < numProtocols; p++ {
		if p.String() == name {
			return p, true
		}
	}
	return 0, false
}

// Protocols 全部被跟踪的协议
func Protocols() []Protocol {
	return []Protocol{TCP, UDP, ICMP}
}

// protocolOf 把 IP 协议号映射为被跟踪协议
func protocolOf(ipProto uint8) (Protocol, bool) {
	switch ipProto {
	case packet.IPProtocolTCP:
		return TCP, true
	case packet.IPProtocolUDP:
		return UDP, true
	case packet.IPProtocolICMP:
		return ICMP, true
	}
	return 0, false
}

// IPConfig 域的 IPv4 配置
type IPConfig struct {
	Interface  netip.Prefix
	Gateway    netip.Addr
	DNSServers []netip.Addr
	FromDHCP   bool
}

// Valid 配置是否可用（DHCP 客户端尚未获得地址时无效）
func (c IPConfig) Valid() bool { return c.Interface.IsValid() }

// Addr 路由器在域内的地址
func (c IPConfig) Addr() netip.Addr { return c.Interface.Addr() }

func (c IPConfig) equal(o IPConfig) bool {
	return c.Interface == o.Interface && c.Gateway == o.Gateway && c.FromDHCP == o.FromDHCP
}

// TransportRule 编译后的传输层规则
type TransportRule struct {
	Dst       netip.Prefix
	PermitAny string
	Permits   map[uint16]string
}

// ForwardRule 编译后的端口转发规则
type ForwardRule struct {
	Port   uint16
	Domain string
	To     netip.Addr
	ToPort uint16
}

type prefixRule struct {
	Dst    netip.Prefix
	Domain string
}

// NATSettings 本域为某个客户域提供的地址转换端口池
type NATSettings struct {
	pools [numProtocols]*PortAllocator
}

// Pool 协议对应的端口池，未配置时为 nil
func (n *NATSettings) Pool(p Protocol) *PortAllocator { return n.pools[p] }

// DomainSettings 由域配置编译得到的只读设置
// 报文处理期间只读，仅在重新配置时整体替换
type DomainSettings struct {
	Name       string
	Static     IPConfig
	DHCPClient bool
	ICMPEcho   bool
	FragReject bool
	DHCPServer *dhcp.ServerSettings

	nat       map[string]*NATSettings
	transport [2][]TransportRule
	forward   [2]map[uint16]ForwardRule
	icmp      []prefixRule
	ip        []prefixRule
}

// compileDomain 编译域配置
func compileDomain(cfg *config.DomainConfig) (*DomainSettings, error) {
	s := &DomainSettings{
		Name:       cfg.Name,
		ICMPEcho:   cfg.ICMPEchoServer,
		FragReject: cfg.DroppedFragments == config.FragmentReject,
		nat:        make(map[string]*NATSettings),
	}

	if cfg.Interface == "" {
		s.DHCPClient = true
	} else {
		p, err := netip.ParsePrefix(cfg.Interface)
		if err != nil {
			return nil, errors.Wrapf(err, "域 %s 接口地址", cfg.Name)
		}
		s.Static.Interface = p
		if cfg.Gateway != "" {
			gw, err := netip.ParseAddr(cfg.Gateway)
			if err != nil {
				return nil, errors.Wrapf(err, "域 %s 网关", cfg.Name)
			}
			s.Static.Gateway = gw
		}
	}

	if cfg.DHCPServer != nil {
		if s.DHCPClient {
			return nil, errors.Errorf("域 %s 的 DHCP 服务需要静态接口地址", cfg.Name)
		}
		srv, err := dhcp.NewServerSettings(cfg.DHCPServer, s.Static.Interface)
		if err != nil {
			return nil, errors.Wrapf(err, "域 %s DHCP 服务", cfg.Name)
		}
		s.DHCPServer = srv
		s.Static.DNSServers = srv.DNSServers
	}

	for _, n := range cfg.NAT {
		ns := &NATSettings{}
		for p, r := range map[Protocol]config.PortRange{TCP: n.TCPPorts, UDP: n.UDPPorts, ICMP: n.ICMPIDs} {
			if r.Size() == 0 {
				continue
			}
			pool, err := NewPortAllocator(r)
			if err != nil {
				return nil, err
			}
			ns.pools[p] = pool
		}
		s.nat[n.Domain] = ns
	}

	for idx, rules := range [][]config.TransportRuleConfig{cfg.TCP, cfg.UDP} {
		for _, rc := range rules {
			dst, err := netip.ParsePrefix(rc.Dst)
			if err != nil {
				return nil, errors.Wrapf(err, "域 %s 传输规则", cfg.Name)
			}
			r := TransportRule{Dst: dst.Masked(), PermitAny: rc.PermitAny, Permits: make(map[uint16]string)}
			for _, p := range rc.Permit {
				r.Permits[p.Port] = p.Domain
			}
			s.transport[idx] = append(s.transport[idx], r)
		}
		sort.SliceStable(s.transport[idx], func(a, b int) bool {
			return s.transport[idx][a].Dst.Bits() > s.transport[idx][b].Dst.Bits()
		})
	}

	for idx, rules := range [][]config.ForwardRuleConfig{cfg.TCPForward, cfg.UDPForward} {
		s.forward[idx] = make(map[uint16]ForwardRule)
		for _, rc := range rules {
			to, err := netip.ParseAddr(rc.To)
			if err != nil {
				return nil, errors.Wrapf(err, "域 %s 转发规则", cfg.Name)
			}
			toPort := rc.ToPort
			if toPort == 0 {
				toPort = rc.Port
			}
			s.forward[idx][rc.Port] = ForwardRule{Port: rc.Port, Domain: rc.Domain, To: to, ToPort: toPort}
		}
	}

	var err error
	if s.icmp, err = compilePrefixRules(cfg.ICMP); err != nil {
		return nil, errors.Wrapf(err, "域 %s ICMP 规则", cfg.Name)
	}
	ipRules := make([]config.ICMPRuleConfig, 0, len(cfg.IP))
	for _, r := range cfg.IP {
		ipRules = append(ipRules, config.ICMPRuleConfig{Dst: r.Dst, Domain: r.Domain})
	}
	if s.ip, err = compilePrefixRules(ipRules); err != nil {
		return nil, errors.Wrapf(err, "域 %s IP 规则", cfg.Name)
	}
	return s, nil
}

func compilePrefixRules(rules []config.ICMPRuleConfig) ([]prefixRule, error) {
	out := make([]prefixRule, 0, len(rules))
	for _, r := range rules {
		dst, err := netip.ParsePrefix(r.Dst)
		if err != nil {
			return nil, err
		}
		out = append(out, prefixRule{Dst: dst.Masked(), Domain: r.Domain})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Dst.Bits() > out[b].Dst.Bits() })
	return out, nil
}

// NAT 本域为客户域 client 提供的地址转换设置
func (s *DomainSettings) NAT(client string) (*NATSettings, bool) {
	n, ok := s.nat[client]
	return n, ok
}

// transportRule 最长前缀匹配传输规则，并按目的端口选择目标域
// 最长前缀的规则不放行该端口时不再回退到更短的前缀
func (s *DomainSettings) transportRule(p Protocol, dst netip.Addr, port uint16) (string, bool) {
	if p != TCP && p != UDP {
		return "", false
	}
	for _, r := range s.transport[p] {
		if !r.Dst.Contains(dst) {
			continue
		}
		if d, ok := r.Permits[port]; ok {
			return d, true
		}
		if r.PermitAny != "" {
			return r.PermitAny, true
		}
		return "", false
	}
	return "", false
}

// forwardRule 按目的端口查找端口转发规则
func (s *DomainSettings) forwardRule(p Protocol, port uint16) (ForwardRule, bool) {
	if p != TCP && p != UDP {
		return ForwardRule{}, false
	}
	r, ok := s.forward[p][port]
	return r, ok
}

func (s *DomainSettings) icmpRule(dst netip.Addr) (string, bool) {
	return matchPrefix(s.icmp, dst)
}

func (s *DomainSettings) ipRule(dst netip.Addr) (string, bool) {
	return matchPrefix(s.ip, dst)
}

func matchPrefix(rules []prefixRule, dst netip.Addr) (string, bool) {
	for _, r := range rules {
		if r.Dst.Contains(dst) {
			return r.Domain, true
		}
	}
	return "", false
}

// Timeouts 编译后的超时设置
type Timeouts struct {
	TCPOpening   time.Duration
	TCPIdle      time.Duration
	TCPClosing   time.Duration
	UDPIdle      time.Duration
	ICMPIdle     time.Duration
	Dissolve     time.Duration
	ARPRequest   time.Duration
	DHCPOffer    time.Duration
	DHCPDiscover time.Duration
	DHCPRequest  time.Duration
}

func compileTimeouts(t config.TimeoutConfig) Timeouts {
	return Timeouts{
		TCPOpening:   config.Seconds(t.TCPOpening),
		TCPIdle:      config.Seconds(t.TCPIdle),
		TCPClosing:   config.Seconds(t.TCPClosing),
		UDPIdle:      config.Seconds(t.UDPIdle),
		ICMPIdle:     config.Seconds(t.ICMPIdle),
		Dissolve:     config.Seconds(t.Dissolve),
		ARPRequest:   time.Duration(t.ARPRequest) * time.Millisecond,
		DHCPOffer:    config.Seconds(t.DHCPOffer),
		DHCPDiscover: config.Seconds(t.DHCPDiscover),
		DHCPRequest:  config.Seconds(t.DHCPRequest),
	}
}

// linkTimeout 链路在某状态下的空闲超时
func (t Timeouts) linkTimeout(p Protocol, s LinkState) time.Duration {
	switch p {
	case TCP:
		switch s {
		case StateOpening:
			return t.TCPOpening
		case StateClosing:
			return t.TCPClosing
		}
		return t.TCPIdle
	case UDP:
		return t.UDPIdle
	}
	return t.ICMPIdle
}
