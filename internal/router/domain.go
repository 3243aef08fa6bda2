package router

import (
	"container/list"
	"net/netip"

	"nic-router/internal/packet"
)

// Domain 一个路由域：共享同一 IPv4 子网、规则集与链路表的一组接口
type Domain struct {
	router   *Router
	settings *DomainSettings
	gen      uint64
	alive    bool

	ip         IPConfig
	interfaces []*Interface
	links      [numProtocols]map[LinkSideID]*LinkSide
	arp        *ARPCache

	// foreignWaiters 等待本域地址解析的报文（来自任意接口）
	foreignWaiters *list.List

	// dhcpClient 在本域运行 DHCP 客户端的接口
	dhcpClient *Interface
}

// DomainHandle 对域的弱引用，域被销毁后 Get 返回 false
type DomainHandle struct {
	d   *Domain
	gen uint64
}

// Get 解引用
func (h DomainHandle) Get() (*Domain, bool) {
	if h.d == nil || !h.d.alive || h.d.gen != h.gen {
		return nil, false
	}
	return h.d, true
}

func newDomain(r *Router, s *DomainSettings, gen uint64) *Domain {
	d := &Domain{
		router:         r,
		settings:       s,
		gen:            gen,
		alive:          true,
		arp:            NewARPCache(r.cfg.ARPCacheSize),
		foreignWaiters: list.New(),
	}
	for p := range d.links {
		d.links[p] = make(map[LinkSideID]*LinkSide)
	}
	if !s.DHCPClient {
		d.ip = s.Static
	}
	return d
}

// Name 域名称
func (d *Domain) Name() string { return d.settings.Name }

// IPConfig 当前地址配置
func (d *Domain) IPConfig() IPConfig { return d.ip }

// Ready 域是否具备可用的地址配置
func (d *Domain) Ready() bool { return d.ip.Valid() }

// Handle 返回弱引用
func (d *Domain) Handle() DomainHandle { return DomainHandle{d: d, gen: d.gen} }

// Interfaces 已接入的接口
func (d *Domain) Interfaces() []*Interface {
	return append([]*Interface(nil), d.interfaces...)
}

// ARP 地址解析缓存
func (d *Domain) ARP() *ARPCache { return d.arp }

// LinkCount 登记在本域的某协议链路侧数量
func (d *Domain) LinkCount(p Protocol) int { return len(d.links[p]) }

func (d *Domain) findLink(p Protocol, id LinkSideID) (*LinkSide, bool) {
	s, ok := d.links[p][id]
	return s, ok
}

// isRouterAddr 目的地址是否为路由器在本域的地址
func (d *Domain) isRouterAddr(a netip.Addr) bool {
	return d.ip.Valid() && a == d.ip.Addr()
}

// isBroadcast 目的地址是否为受限广播或子网广播
func (d *Domain) isBroadcast(a netip.Addr) bool {
	if a == broadcastIPv4 {
		return true
	}
	if !d.ip.Valid() || !d.ip.Interface.Contains(a) {
		return false
	}
	return a == subnetBroadcast(d.ip.Interface)
}

// nextHop 在本域中到达 dst 的下一跳：子网内直接交付，否则交给网关
func (d *Domain) nextHop(dst netip.Addr) (netip.Addr, bool) {
	if !d.ip.Valid() {
		return netip.Addr{}, false
	}
	if d.ip.Interface.Contains(dst) {
		return dst, true
	}
	if d.ip.Gateway.IsValid() && d.ip.Interface.Contains(d.ip.Gateway) {
		return d.ip.Gateway, true
	}
	return netip.Addr{}, false
}

func (d *Domain) attach(i *Interface) {
	d.interfaces = append(d.interfaces, i)
}

func (d *Domain) detach(i *Interface) {
	for idx, cur := range d.interfaces {
		if cur == i {
			d.interfaces = append(d.interfaces[:idx], d.interfaces[idx+1:]...)
			break
		}
	}
	d.arp.PurgeInterface(i)
	if d.dhcpClient == i {
		d.dhcpClient = nil
	}
}

// broadcastARPRequest 从本域全部接口广播 ARP 请求
func (d *Domain) broadcastARPRequest(ip netip.Addr) {
	if !d.ip.Valid() {
		return
	}
	for _, i := range d.interfaces {
		i.sendARPRequest(d.ip.Addr(), ip)
	}
}

// broadcastFrame 把帧原样泛洪到除 except 以外的本域接口
func (d *Domain) broadcastFrame(frame []byte, except *Interface) {
	for _, i := range d.interfaces {
		if i != except {
			i.sendFrame(frame)
		}
	}
}

// flushState 地址配置变化后丢弃依赖旧地址的全部状态：
// 两侧中任一侧位于本域的链路、地址解析缓存以及等待本域解析的报文
func (d *Domain) flushState() {
	for p := Protocol(0); p < numProtocols; p++ {
		seen := make(map[*Link]struct{})
		for _, side := range d.links[p] {
			seen[side.link] = struct{}{}
		}
		for l := range seen {
			l.owner.discardLink(l)
		}
	}
	d.arp.Flush()
	d.cancelForeignWaiters()
	for _, i := range d.interfaces {
		i.cancelAllWaiters()
	}
}

// setIPConfig 替换地址配置并通知各接口的策略
func (d *Domain) setIPConfig(cfg IPConfig) {
	if d.ip.equal(cfg) {
		d.ip.DNSServers = cfg.DNSServers
		return
	}
	d.flushState()
	d.ip = cfg
	if cfg.Valid() {
		d.router.log.Info("域 %s 地址配置 %s 网关 %s", d.Name(), cfg.Interface, cfg.Gateway)
	} else {
		d.router.log.Info("域 %s 地址配置已撤销", d.Name())
	}
	d.notifyReadyState()
}

func (d *Domain) discardIPConfig() { d.setIPConfig(IPConfig{}) }

func (d *Domain) notifyReadyState() {
	for _, i := range d.interfaces {
		i.handleDomainReadyState(d.Ready())
	}
}

// destroy 域在重新配置中被移除
func (d *Domain) destroy() {
	d.flushState()
	d.alive = false
	d.gen++
}

// ensureDHCPClient 动态地址的域在第一个链路正常的接口上运行 DHCP 客户端
func (d *Domain) ensureDHCPClient() {
	if !d.settings.DHCPClient || d.dhcpClient != nil {
		return
	}
	for _, i := range d.interfaces {
		if i.endpointUp() {
			d.dhcpClient = i
			i.startDHCPClient()
			return
		}
	}
}

var broadcastIPv4 = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func subnetBroadcast(p netip.Prefix) netip.Addr {
	a := p.Addr().As4()
	bits := p.Bits()
	for idx := 0; idx < 4; idx++ {
		for b := 0; b < 8; b++ {
			if idx*8+b >= bits {
				a[idx] |= 0x80 >> b
			}
		}
	}
	return netip.AddrFrom4(a)
}

// arpLearnable ARP 发送方地址是否可以记入缓存
func (d *Domain) arpLearnable(ip netip.Addr, mac packet.MAC) bool {
	return d.ip.Valid() && d.ip.Interface.Contains(ip) && !ip.IsUnspecified() &&
		ip != d.ip.Addr() && !mac.IsBroadcast()
}

// applyIPMode 按新设置应用静态地址或启动 DHCP 客户端
func (d *Domain) applyIPMode() {
	if !d.settings.DHCPClient {
		if c := d.dhcpClient; c != nil {
			c.stopDHCPClient()
			d.dhcpClient = nil
		}
		d.setIPConfig(d.settings.Static)
		return
	}
	if d.ip.Valid() && !d.ip.FromDHCP {
		d.discardIPConfig()
	}
	d.ensureDHCPClient()
}
