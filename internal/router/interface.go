package router

import (
	"container/list"
	"net/netip"
	"sync/atomic"

	"nic-router/internal/dhcp"
	"nic-router/internal/logging"
	"nic-router/internal/packet"
	"nic-router/internal/stream"
)

// InterfaceSpec 创建接口所需的参数
type InterfaceSpec struct {
	// Name 接口名称，在路由器内唯一
	Name string

	// Label 会话标签，会话策略按标签前缀选择域
	Label string

	// MAC 路由器在该接口上使用的MAC地址，零值时自动生成
	MAC packet.MAC

	// Endpoint 数据包流端点
	Endpoint stream.Endpoint

	// Policy 域选择与链路状态策略
	Policy Policy
}

// Interface 路由器的一个网络接口
//
// 接口通过 DomainHandle 弱引用所在域；链路、ARP 等待者与 DHCP 分配都归属于
// 接口，接口脱离域时一并销毁。
type Interface struct {
	router *Router
	name   string
	label  string
	mac    packet.MAC
	ep     stream.Endpoint
	policy Policy
	log    *logging.Logger

	domain DomainHandle
	stats  InterfaceStats

	links      [numProtocols]linkLists
	ownWaiters *list.List
	dhcpAllocs *dhcp.AllocationTree
	dhcpClient *dhcp.Client

	signalled atomic.Bool
	linkUp    bool

	// 重新配置期间的目标域
	nextDomain string
	moving     bool
}

func newInterface(r *Router, spec InterfaceSpec) *Interface {
	i := &Interface{
		router:     r,
		name:       spec.Name,
		label:      spec.Label,
		mac:        spec.MAC,
		ep:         spec.Endpoint,
		policy:     spec.Policy,
		log:        r.log.Named(spec.Name),
		ownWaiters: list.New(),
		dhcpAllocs: dhcp.NewAllocationTree(),
	}
	for p := range i.links {
		i.links[p] = newLinkLists()
	}
	i.linkUp = i.ep.LinkState()
	return i
}

// Name 接口名称
func (i *Interface) Name() string { return i.name }

// Label 会话标签
func (i *Interface) Label() string { return i.label }

// MAC 路由器在该接口上的MAC地址
func (i *Interface) MAC() packet.MAC { return i.mac }

// Stats 接口统计
func (i *Interface) Stats() InterfaceStats { return i.stats }

// Domain 所在域
func (i *Interface) Domain() (*Domain, bool) { return i.domain.Get() }

// Allocations DHCP 分配快照
func (i *Interface) Allocations() []*dhcp.Allocation { return i.dhcpAllocs.All() }

// DHCPClient 接口上运行的 DHCP 客户端，未运行时为 nil
func (i *Interface) DHCPClient() *dhcp.Client { return i.dhcpClient }

// LinkState 对端看到的链路状态，由策略决定
func (i *Interface) LinkState() bool { return i.policy.InterfaceLinkState() }

func (i *Interface) endpointUp() bool { return i.ep.LinkState() }

// signal 端点信号处理函数，可能在任意 goroutine 中调用
func (i *Interface) signal() {
	i.signalled.Store(true)
	i.router.wakeup()
}

// handlePktStreamSignal 处理端点上的待收报文，单次最多 budget 个
// 返回处理的报文数，仍有剩余报文时重新置位信号
func (i *Interface) handlePktStreamSignal(budget int) int {
	i.checkLinkState()

	n := 0
	for (budget <= 0 || n < budget) && i.ep.PacketAvail() && i.ep.ReadyToAck() {
		p, ok := i.ep.GetPacket()
		if !ok {
			break
		}
		i.stats.RxPackets++
		i.handlePacket(i.ep.PacketContent(p))
		i.ep.AcknowledgePacket(p)
		n++
	}
	if i.ep.PacketAvail() {
		i.signal()
	}
	return n
}

// checkLinkState 检测端点链路状态变化
func (i *Interface) checkLinkState() {
	up := i.ep.LinkState()
	if up == i.linkUp {
		return
	}
	i.linkUp = up
	d, ok := i.domain.Get()
	if !ok {
		return
	}
	if up {
		i.log.Info("链路已连接")
		d.ensureDHCPClient()
		return
	}
	i.log.Info("链路已断开")
	if d.dhcpClient == i {
		i.stopDHCPClient()
		d.dhcpClient = nil
		d.discardIPConfig()
		d.ensureDHCPClient()
	}
}

func (i *Interface) handleDomainReadyState(ready bool) {
	i.policy.HandleDomainReadyState(ready)
}

// attach 接入域
func (i *Interface) attach(d *Domain) {
	i.domain = d.Handle()
	i.log = i.router.log.Named(d.Name() + "/" + i.name)
	d.attach(i)
	i.log.Info("接入域 %s", d.Name())
	i.handleDomainReadyState(d.Ready())
}

// detach 脱离当前域并销毁归属于接口的全部状态
func (i *Interface) detach() {
	d, ok := i.domain.Get()
	i.domain = DomainHandle{}
	if !ok {
		return
	}
	i.destroyAllLinks()
	i.cancelAllWaiters()
	i.destroyAllocations()
	wasClient := d.dhcpClient == i
	i.stopDHCPClient()
	d.detach(i)
	i.log.Info("脱离域 %s", d.Name())
	i.log = i.router.log.Named(i.name)
	i.handleDomainReadyState(false)

	if wasClient && d.alive {
		d.discardIPConfig()
		d.ensureDHCPClient()
	}
}

// send 分配发送缓冲区并由 write 填充，失败时计数并返回 false
func (i *Interface) send(size int, write func(buf []byte, g *packet.SizeGuard) error) bool {
	if !i.ep.ReadyToSubmit() {
		i.stats.SendFailed++
		return false
	}
	p, buf, err := i.ep.AllocPacket(size)
	if err != nil {
		i.stats.SendFailed++
		i.log.Debug("分配发送缓冲区失败: %v", err)
		return false
	}
	if err := write(buf, packet.NewSizeGuard(size)); err != nil {
		i.ep.ReleasePacket(p)
		i.stats.SendFailed++
		i.log.Warn("构造报文失败: %v", err)
		return false
	}
	i.ep.SubmitPacket(p)
	i.stats.TxPackets++
	return true
}

// sendFrame 原样发送一个完整的帧
func (i *Interface) sendFrame(frame []byte) bool {
	return i.send(len(frame), func(buf []byte, _ *packet.SizeGuard) error {
		copy(buf, frame)
		return nil
	})
}

// sendARPRequest 广播地址解析请求
func (i *Interface) sendARPRequest(src, target netip.Addr) bool {
	return i.send(packet.EthernetHeaderLen+packet.ARPPacketLen, func(buf []byte, g *packet.SizeGuard) error {
		eth, err := packet.ConstructEthernet(buf, g, packet.BroadcastMAC, i.mac, packet.EtherTypeARP)
		if err != nil {
			return err
		}
		_, err = packet.ConstructARP(eth.Payload(), g, packet.ARPOperationRequest, i.mac, src, packet.MAC{}, target)
		return err
	})
}

// sendUDP 构造并发送一个 UDP 报文
func (i *Interface) sendUDP(dstMAC packet.MAC, src, dst netip.Addr, sport, dport uint16, payload []byte) bool {
	size := packet.EthernetHeaderLen + packet.IPv4MinHeaderLen + packet.UDPHeaderLen + len(payload)
	return i.send(size, func(buf []byte, g *packet.SizeGuard) error {
		eth, err := packet.ConstructEthernet(buf, g, dstMAC, i.mac, packet.EtherTypeIPv4)
		if err != nil {
			return err
		}
		ip, err := packet.ConstructIPv4(eth.Payload(), g, packet.IPProtocolUDP, src, dst, packet.UDPHeaderLen+len(payload))
		if err != nil {
			return err
		}
		udp, err := packet.ConstructUDP(ip.Payload(), g, sport, dport, len(payload))
		if err != nil {
			return err
		}
		copy(udp.Payload(), payload)
		udp.UpdateChecksum(src, dst)
		ip.UpdateChecksum()
		return nil
	})
}

// handleConfig1 重新配置第一阶段：确定目标域，销毁在新配置下无效的状态
func (i *Interface) handleConfig1(settings map[string]*DomainSettings) {
	i.nextDomain = i.policy.DetermineDomainName(i.router.cfg)
	d, ok := i.domain.Get()
	_, exists := settings[i.nextDomain]
	i.moving = !ok || d.Name() != i.nextDomain || !exists
	if i.moving {
		return
	}
	next := settings[d.Name()]

	for p := Protocol(0); p < numProtocols; p++ {
		for _, l := range i.Links(p) {
			if !linkValid(l, d, next, settings) {
				i.log.Debug("重新配置后链路失效 %s", l)
				i.discardLink(l)
			}
		}
	}

	for _, w := range waitersOf(i.ownWaiters) {
		if _, ok := settings[w.dst.Name()]; !ok {
			i.cancelWaiter(w)
		}
	}

	if next.DHCPServer == nil || !next.Static.Interface.IsValid() || next.Static.Interface != d.ip.Interface {
		i.destroyAllocations()
	} else {
		for _, a := range i.dhcpAllocs.All() {
			if !next.DHCPServer.Pool.Contains(a.IP) {
				i.destroyAllocation(a, false)
			}
		}
	}
}

// handleConfig2 重新配置第二阶段：把保留下来的端口与地址迁移到新的分配器
func (i *Interface) handleConfig2() {
	if i.moving {
		return
	}
	d, ok := i.domain.Get()
	if !ok {
		return
	}
	for p := Protocol(0); p < numProtocols; p++ {
		for _, l := range i.Links(p) {
			if l.natPool == nil {
				continue
			}
			remote := l.server.domain
			nat, ok := remote.settings.NAT(d.Name())
			if !ok || nat.Pool(p) == nil {
				i.discardLink(l)
				continue
			}
			pool := nat.Pool(p)
			if !pool.Occupy(l.natPort) {
				i.discardLink(l)
				continue
			}
			l.natPool = pool
		}
	}
	if srv := d.settings.DHCPServer; srv != nil {
		for _, a := range i.dhcpAllocs.All() {
			if err := a.Rehome(srv.Pool); err != nil {
				i.log.Warn("迁移分配 %s 失败: %v", a, err)
				i.destroyAllocation(a, false)
			}
		}
	}
}

// handleConfig3 重新配置第三阶段：域的地址模式已应用，同步链路状态与 DHCP 客户端超时
func (i *Interface) handleConfig3() {
	if d, ok := i.domain.Get(); ok {
		i.handleDomainReadyState(d.Ready())
	}
	if i.dhcpClient != nil {
		i.dhcpClient.SetTimeouts(i.router.clientTimeouts())
	}
}

// linkValid 链路在新设置下是否仍然成立
//
// 目标域必须仍然存在，客户域的规则必须仍把该连接导向同一目标域，
// 地址转换的有无与端口区间也必须与创建时一致。已解除的链路只检查端口。
func linkValid(l *Link, client *Domain, next *DomainSettings, settings map[string]*DomainSettings) bool {
	remote := l.server.domain
	rs, ok := settings[remote.Name()]
	if !ok {
		return false
	}
	nat, hasNAT := rs.NAT(client.Name())
	if hasNAT != (l.natPool != nil) {
		return false
	}
	if hasNAT {
		pool := nat.Pool(l.protocol)
		if pool == nil || !pool.Contains(l.natPort) {
			return false
		}
	}
	if l.dissolved {
		return true
	}
	id := l.client.ID
	name, to, toPort, ok := lookupRule(next, client.router.cfg.RulePrecedence, client.isRouterAddr(id.DstIP), l.protocol, id.DstIP, id.DstPort)
	if !ok || name != remote.Name() {
		return false
	}
	return to == l.server.ID.SrcIP && (l.protocol == ICMP || toPort == l.server.ID.SrcPort)
}
